// Package agents contains the agent registry, the deterministic selector
// and the bounded-parallel runtime, plus the built-in specialist agents.
package agents

import (
	"context"

	"github.com/lotse-ki/lotse/pkg/model"
)

// Input is the read-only slice of pipeline state an agent works with.
type Input struct {
	Query   model.Query
	Intent  model.Intent
	Sources []model.Source
}

// Agent is one specialist. Execute must honour ctx cancellation and
// return a well-formed result; the runtime translates errors and
// timeouts into result statuses.
type Agent interface {
	Descriptor() model.AgentDescriptor
	Execute(ctx context.Context, input Input) (model.AgentResult, error)
}
