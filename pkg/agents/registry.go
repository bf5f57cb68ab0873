package agents

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/lotse-ki/lotse/pkg/model"
	"github.com/lotse-ki/lotse/pkg/registry"
)

// ErrBusy is returned when an agent's concurrency cap stays saturated for
// the caller's whole deadline.
var ErrBusy = errors.New("agent concurrency cap saturated")

type registration struct {
	agent Agent
	sem   *semaphore.Weighted
}

// Registry is the process-wide agent directory, addressed by agent id and
// by capability. Besides the progress bus it is the only mutable shared
// state in the core.
type Registry struct {
	base *registry.BaseRegistry[*registration]
}

func NewRegistry() *Registry {
	return &Registry{base: registry.NewBaseRegistry[*registration]()}
}

// Register adds or replaces an agent. Replacement keeps the original
// registration position; a cap of zero means unbounded.
func (r *Registry) Register(agent Agent) error {
	desc := agent.Descriptor()
	if desc.AgentID == "" {
		return fmt.Errorf("agent descriptor has no id")
	}

	reg := &registration{agent: agent}
	if desc.ConcurrencyCap > 0 {
		reg.sem = semaphore.NewWeighted(int64(desc.ConcurrencyCap))
	}
	return r.base.Register(desc.AgentID, reg)
}

// Get returns the agent registered under id.
func (r *Registry) Get(id string) (Agent, bool) {
	reg, ok := r.base.Get(id)
	if !ok {
		return nil, false
	}
	return reg.agent, true
}

// Descriptors lists all registered descriptors in registration order.
func (r *Registry) Descriptors() []model.AgentDescriptor {
	regs := r.base.List()
	out := make([]model.AgentDescriptor, len(regs))
	for i, reg := range regs {
		out[i] = reg.agent.Descriptor()
	}
	return out
}

// ByCapability returns the ids of agents advertising cap, in registration
// order.
func (r *Registry) ByCapability(cap string) []string {
	var out []string
	for _, reg := range r.base.List() {
		desc := reg.agent.Descriptor()
		for _, c := range desc.Capabilities {
			if c == cap {
				out = append(out, desc.AgentID)
				break
			}
		}
	}
	return out
}

// Handle is a held concurrency slot for one agent. Release is safe to
// call more than once and must be called on every path that acquired.
type Handle struct {
	Agent   Agent
	once    sync.Once
	release func()
}

func (h *Handle) Release() {
	h.once.Do(func() {
		if h.release != nil {
			h.release()
		}
	})
}

// Acquire blocks until a concurrency slot for the agent is free or ctx
// expires. A saturated cap surfaces as ErrBusy once the deadline passes.
func (r *Registry) Acquire(ctx context.Context, id string) (*Handle, error) {
	reg, ok := r.base.Get(id)
	if !ok {
		return nil, fmt.Errorf("unknown agent %q", id)
	}

	if reg.sem == nil {
		return &Handle{Agent: reg.agent}, nil
	}

	if err := reg.sem.Acquire(ctx, 1); err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: %s", ErrBusy, id)
		}
		return nil, err
	}
	return &Handle{
		Agent:   reg.agent,
		release: func() { reg.sem.Release(1) },
	}, nil
}
