package pipeline

import (
	"errors"
	"fmt"

	"github.com/lotse-ki/lotse/pkg/model"
)

// Kind classifies a run-fatal error.
type Kind string

const (
	KindCancelled Kind = "cancelled"
	KindTimeout   Kind = "timeout"
	KindUpstream  Kind = "upstream"
	KindContract  Kind = "contract"
	KindBudget    Kind = "budget"
	KindInternal  Kind = "internal"
)

// PipelineError is the only error shape that crosses the controller
// boundary. Soft errors never become one; they degrade the run instead.
type PipelineError struct {
	Kind      Kind
	Stage     model.Stage
	Component string
	Message   string
	Err       error
}

func (e *PipelineError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("pipeline %s at %s (%s): %s: %v", e.Kind, e.Stage, e.Component, e.Message, e.Err)
	}
	return fmt.Sprintf("pipeline %s at %s (%s): %s", e.Kind, e.Stage, e.Component, e.Message)
}

func (e *PipelineError) Unwrap() error { return e.Err }

func newError(kind Kind, stage model.Stage, component, message string, err error) *PipelineError {
	return &PipelineError{
		Kind:      kind,
		Stage:     stage,
		Component: component,
		Message:   message,
		Err:       err,
	}
}

// KindOf extracts the error kind, defaulting to internal.
func KindOf(err error) Kind {
	var pe *PipelineError
	if errors.As(err, &pe) {
		return pe.Kind
	}
	return KindInternal
}
