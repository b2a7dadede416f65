// Package forwarder consumes ordered row events, forwards canonical records
// to the downstream storage API with intra-batch duplicate suppression, and
// buffers per-file outcomes for the ack writer.
package forwarder

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/carelink/vaxbatch/internal/downstream"
	"github.com/carelink/vaxbatch/internal/model"
	"github.com/carelink/vaxbatch/internal/queue"
)

// AckProducer flushes buffered outcomes to the ack writer. *queue.Producer
// satisfies it.
type AckProducer interface {
	AckBatch(ctx context.Context, payload queue.AckBatchPayload) error
}

// Forwarder processes one batch of row events per invocation. It holds no
// state across invocations; the identifier map lives only for the duration
// of a batch, which is sufficient because all rows for one file arrive in a
// single invocation in emission order.
type Forwarder struct {
	api      downstream.API
	producer AckProducer
	dupDelay time.Duration
	sleep    func(ctx context.Context, d time.Duration) error
	log      *zap.Logger
}

// New constructs a Forwarder. dupDelay is applied before re-forwarding an
// identifier already written earlier in the same file, giving the eventually
// consistent downstream time to reflect the prior write.
func New(api downstream.API, producer AckProducer, dupDelay time.Duration, log *zap.Logger) *Forwarder {
	return &Forwarder{
		api:      api,
		producer: producer,
		dupDelay: dupDelay,
		sleep:    sleepContext,
		log:      log,
	}
}

// fileBuffer accumulates one file's outcomes within a batch.
type fileBuffer struct {
	meta     queue.AckBatchPayload
	seenKeys map[string]string
}

// ProcessBatch handles the events of one invocation in order, then flushes
// one ack batch per file seen. An error from the flush propagates so the
// whole batch is redelivered; the ack accumulation is idempotent under that
// replay.
func (f *Forwarder) ProcessBatch(ctx context.Context, events []*model.RowEvent) error {
	buffers := make(map[string]*fileBuffer)
	var order []string

	for _, event := range events {
		buf := buffers[event.FileKey]
		if buf == nil {
			buf = &fileBuffer{
				meta: queue.AckBatchPayload{
					MessageID: event.MessageID,
					FileKey:   event.FileKey,
					Supplier:  event.Supplier,
					Category:  event.Category,
					CreatedAt: event.CreatedAt,
				},
				seenKeys: make(map[string]string),
			}
			buffers[event.FileKey] = buf
			order = append(order, event.FileKey)
		}

		if event.EOF {
			buf.meta.EOF = true
			continue
		}
		outcome := f.forwardRow(ctx, event, buf)
		buf.meta.Outcomes = append(buf.meta.Outcomes, outcome)
	}

	for _, fileKey := range order {
		if err := f.producer.AckBatch(ctx, buffers[fileKey].meta); err != nil {
			return err
		}
	}
	return nil
}

// forwardRow issues at most one downstream call for a row and converts any
// failure into diagnostics. Rows that already carry diagnostics are recorded
// as failed without calling downstream.
func (f *Forwarder) forwardRow(ctx context.Context, event *model.RowEvent, buf *fileBuffer) model.RowOutcome {
	outcome := model.RowOutcome{RowID: event.RowID, LocalID: event.LocalID}

	if event.Diagnostics != nil {
		outcome.Diagnostics = event.Diagnostics
		return outcome
	}
	if event.Payload == nil {
		outcome.Diagnostics = &model.Diagnostics{
			ErrorType:    "MessageNotSuccessfulError",
			StatusCode:   500,
			ErrorMessage: "canonical payload missing from row event",
		}
		return outcome
	}

	storageKey, err := f.callDownstream(ctx, event, buf)
	if err != nil {
		f.log.Warn("downstream call failed",
			zap.String("row_id", event.RowID), zap.String("file_key", event.FileKey), zap.Error(err))
		outcome.Diagnostics = downstream.DiagnosticsFrom(err)
		return outcome
	}

	buf.seenKeys[event.Payload.Identifier] = storageKey
	outcome.Succeeded = true
	outcome.StorageKey = storageKey
	return outcome
}

func (f *Forwarder) callDownstream(ctx context.Context, event *model.RowEvent, buf *fileBuffer) (string, error) {
	rec := event.Payload

	if priorKey, seen := buf.seenKeys[rec.Identifier]; seen {
		// A row earlier in this file already wrote this identifier. Wait for
		// that write to become visible downstream, then chain an update onto
		// its result.
		if err := f.sleep(ctx, f.dupDelay); err != nil {
			return "", err
		}
		return f.api.Update(ctx, rec, event.Supplier, event.Category, priorKey)
	}

	switch event.Operation {
	case model.OperationCreate:
		return f.api.Create(ctx, rec, event.Supplier, event.Category)
	case model.OperationUpdate:
		return f.api.Update(ctx, rec, event.Supplier, event.Category, "")
	case model.OperationDelete:
		return f.api.Delete(ctx, rec, event.Supplier, event.Category)
	default:
		return "", errors.New("unrecognised operation " + string(event.Operation))
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
