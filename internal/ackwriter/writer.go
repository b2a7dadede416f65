// Package ackwriter consumes per-file batches of row outcomes, accumulates
// the row-level ack document, and finalizes the file when its end-of-file
// batch arrives.
package ackwriter

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/carelink/vaxbatch/internal/ack"
	"github.com/carelink/vaxbatch/internal/admission"
	"github.com/carelink/vaxbatch/internal/audit"
	"github.com/carelink/vaxbatch/internal/logging"
	"github.com/carelink/vaxbatch/internal/model"
	"github.com/carelink/vaxbatch/internal/queue"
	"github.com/carelink/vaxbatch/internal/s3storage"
)

// Writer handles ack:batch tasks.
type Writer struct {
	acc          *ack.Accumulator
	audit        admission.AuditStore
	store        ack.ObjectStore
	sequencer    *admission.Sequencer
	sourceBucket string
	ackBucket    string
	log          *zap.Logger
}

// New constructs a Writer.
func New(acc *ack.Accumulator, auditStore admission.AuditStore, store ack.ObjectStore, sequencer *admission.Sequencer, sourceBucket, ackBucket string, log *zap.Logger) *Writer {
	return &Writer{
		acc:          acc,
		audit:        auditStore,
		store:        store,
		sequencer:    sequencer,
		sourceBucket: sourceBucket,
		ackBucket:    ackBucket,
		log:          log,
	}
}

// Handle merges one batch of outcomes into the file's ack document. Any
// storage error propagates so the broker redelivers the batch; accumulation
// merges by row id, so the replay cannot duplicate entries.
func (w *Writer) Handle(ctx context.Context, payload queue.AckBatchPayload) error {
	fields := logging.Fields{
		FileKey:   payload.FileKey,
		MessageID: payload.MessageID,
		Supplier:  payload.Supplier,
		Category:  payload.Category,
	}
	return logging.Instrument(w.log, "write_ack", fields, func(ctx context.Context) error {
		return w.write(ctx, payload)
	})(ctx)
}

func (w *Writer) write(ctx context.Context, payload queue.AckBatchPayload) error {
	queueName := model.QueueName(payload.Supplier, payload.Category)

	if payload.EOF {
		// A redelivery after the document was already finalized must not
		// rebuild it from scratch; just make sure the hand-off happened.
		completedKey := s3storage.CompletedAckKey(payload.FileKey, payload.CreatedAt)
		if _, err := w.store.Get(ctx, w.ackBucket, completedKey); err == nil {
			return w.sequencer.OnFileDone(ctx, queueName)
		}
	}

	doc, err := w.acc.Load(ctx, payload.FileKey, payload.MessageID, payload.Supplier, payload.CreatedAt)
	if err != nil {
		return err
	}
	w.acc.Append(doc, payload.Outcomes)

	if !payload.EOF {
		return w.acc.Store(ctx, payload.FileKey, payload.CreatedAt, doc)
	}

	rec, err := w.audit.Get(ctx, payload.MessageID)
	if err != nil {
		return err
	}
	if rec.RecordCount == nil {
		// The row processor's Preprocessed update has not landed yet; retry.
		return fmt.Errorf("record count not yet available for %s", payload.FileKey)
	}
	total := *rec.RecordCount
	failed := len(doc.Failures)
	succeeded := total - failed

	status := model.StatusProcessed
	if err := w.audit.UpdateRecord(ctx, payload.MessageID, audit.Patch{
		Status:           &status,
		RecordsSucceeded: &succeeded,
		RecordsFailed:    &failed,
	}); err != nil {
		return err
	}

	if err := w.archiveSource(ctx, payload.FileKey); err != nil {
		return err
	}
	if err := w.acc.Finalize(ctx, payload.FileKey, payload.CreatedAt, doc, total); err != nil {
		return err
	}

	w.log.Info("file ingestion complete",
		zap.String("file_key", payload.FileKey),
		zap.Int("total_records", total),
		zap.Int("succeeded", succeeded),
		zap.Int("failed", failed))

	return w.sequencer.OnFileDone(ctx, queueName)
}

// archiveSource moves the processed file out of processing/. A redelivered
// end-of-file batch that failed after this step finds the source gone and the
// archive copy in place; that counts as done, so the finalize can complete.
func (w *Writer) archiveSource(ctx context.Context, fileKey string) error {
	err := w.store.Move(ctx, w.sourceBucket, s3storage.ProcessingKey(fileKey), s3storage.ArchiveKey(fileKey))
	if err == nil || !errors.Is(err, s3storage.ErrObjectNotFound) {
		return err
	}
	if _, getErr := w.store.Get(ctx, w.sourceBucket, s3storage.ArchiveKey(fileKey)); getErr != nil {
		return err
	}
	return nil
}
