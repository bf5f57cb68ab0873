// Package stores contains the retrieval backends (vector, graph,
// relational) and the gateway that fans a query out to all of them.
package stores

import (
	"context"
	"fmt"

	"github.com/lotse-ki/lotse/pkg/httpclient"
	"github.com/lotse-ki/lotse/pkg/model"
)

// Store is one retrieval backend. Search returns at most limit sources,
// already converted to the canonical shape, best first.
type Store interface {
	Origin() model.Origin
	Search(ctx context.Context, query model.Query, intent model.Intent, limit int) ([]model.Source, error)
	Close() error
}

// StoreError wraps a backend failure with enough structure for the
// gateway to classify and report it without parsing messages.
type StoreError struct {
	Store     model.Origin
	Operation string
	Category  httpclient.Category
	Message   string
	Err       error
}

func (e *StoreError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("[%s:%s] %s: %v", e.Store, e.Operation, e.Message, e.Err)
	}
	return fmt.Sprintf("[%s:%s] %s", e.Store, e.Operation, e.Message)
}

func (e *StoreError) Unwrap() error { return e.Err }

func newStoreError(store model.Origin, op string, category httpclient.Category, message string, err error) *StoreError {
	return &StoreError{
		Store:     store,
		Operation: op,
		Category:  category,
		Message:   message,
		Err:       err,
	}
}
