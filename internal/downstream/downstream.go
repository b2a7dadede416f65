// Package downstream defines the collaborator contract for the storage API
// that canonical records are forwarded to, along with its error taxonomy.
// The concrete client is constructed by the surrounding platform; the
// forwarder only depends on this interface.
package downstream

import (
	"context"
	"errors"

	"github.com/carelink/vaxbatch/internal/model"
)

// Typed failures a downstream call may surface. Anything else is treated as
// an internal (500-class) failure.
var (
	ErrValidation            = errors.New("downstream validation failed")
	ErrResourceNotFound      = errors.New("downstream resource not found")
	ErrResourceFound         = errors.New("downstream resource already exists")
	ErrIdentifierDuplication = errors.New("downstream identifier duplication")
)

// API is the downstream storage surface used by the record forwarder. Each
// call returns the storage key of the written record so later rows sharing
// the same business identifier can chain to it.
type API interface {
	Create(ctx context.Context, rec *model.CanonicalRecord, supplier, category string) (string, error)
	// Update chains to priorKey when the identifier was already written
	// earlier in the same file; priorKey is empty otherwise.
	Update(ctx context.Context, rec *model.CanonicalRecord, supplier, category, priorKey string) (string, error)
	Delete(ctx context.Context, rec *model.CanonicalRecord, supplier, category string) (string, error)
}

var errorStatusCodes = []struct {
	err  error
	code int
	name string
}{
	{ErrValidation, 400, "ValidationError"},
	{ErrResourceNotFound, 404, "ResourceNotFoundError"},
	{ErrResourceFound, 409, "ResourceFoundError"},
	{ErrIdentifierDuplication, 422, "IdentifierDuplicationError"},
}

// DiagnosticsFrom converts a downstream failure into the structured
// diagnostics object recorded against the row. Errors flow onward as data
// from this point, never as exceptions.
func DiagnosticsFrom(err error) *model.Diagnostics {
	for _, entry := range errorStatusCodes {
		if errors.Is(err, entry.err) {
			return &model.Diagnostics{
				ErrorType:    entry.name,
				StatusCode:   entry.code,
				ErrorMessage: err.Error(),
			}
		}
	}
	return &model.Diagnostics{
		ErrorType:    "MessageNotSuccessfulError",
		StatusCode:   500,
		ErrorMessage: err.Error(),
	}
}
