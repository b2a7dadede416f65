// Package logging builds the shared zap logger and the instrumentation
// middleware wrapped around every worker entry point.
package logging

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// New constructs the production logger for a worker binary.
func New(service string) (*zap.Logger, error) {
	logger, err := zap.NewProduction()
	if err != nil {
		return nil, err
	}
	return logger.With(zap.String("service", service)), nil
}

// Fields carries the pre-extracted context for one unit of work. Handlers
// fill in what they know up front; there is no ambient request state.
type Fields struct {
	FileKey   string
	MessageID string
	Supplier  string
	Category  string
}

func (f Fields) zap() []zap.Field {
	out := make([]zap.Field, 0, 4)
	if f.FileKey != "" {
		out = append(out, zap.String("file_key", f.FileKey))
	}
	if f.MessageID != "" {
		out = append(out, zap.String("message_id", f.MessageID))
	}
	if f.Supplier != "" {
		out = append(out, zap.String("supplier", f.Supplier))
	}
	if f.Category != "" {
		out = append(out, zap.String("category", f.Category))
	}
	return out
}

// Instrument wraps a handler so that its start, outcome and duration are
// logged consistently across workers.
func Instrument(log *zap.Logger, operation string, fields Fields, fn func(context.Context) error) func(context.Context) error {
	return func(ctx context.Context) error {
		scoped := log.With(append(fields.zap(), zap.String("operation", operation))...)
		scoped.Info("started")
		start := time.Now()
		err := fn(ctx)
		elapsed := zap.Duration("elapsed", time.Since(start))
		if err != nil {
			scoped.Error("failed", elapsed, zap.Error(err))
			return err
		}
		scoped.Info("completed", elapsed)
		return nil
	}
}
