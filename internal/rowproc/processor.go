// Package rowproc streams a validated batch file row by row, converting
// each row to canonical form and publishing one ordered event per row onto
// the transport. Row-level failures become diagnostics events rather than
// aborting the file.
package rowproc

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"

	"go.uber.org/zap"

	"github.com/carelink/vaxbatch/internal/ack"
	"github.com/carelink/vaxbatch/internal/admission"
	"github.com/carelink/vaxbatch/internal/audit"
	"github.com/carelink/vaxbatch/internal/converter"
	"github.com/carelink/vaxbatch/internal/logging"
	"github.com/carelink/vaxbatch/internal/model"
	"github.com/carelink/vaxbatch/internal/permissions"
	"github.com/carelink/vaxbatch/internal/queue"
	"github.com/carelink/vaxbatch/internal/s3storage"
)

// Publisher emits row events. *transport.Producer satisfies it.
type Publisher interface {
	Publish(ctx context.Context, event *model.RowEvent) error
}

// ObjectStore is the slice of the storage layer the processor needs.
type ObjectStore interface {
	Get(ctx context.Context, bucket, key string) ([]byte, error)
	Put(ctx context.Context, bucket, key string, data []byte, contentType string) error
	Move(ctx context.Context, bucket, srcKey, dstKey string) error
}

// Processor handles file:process tasks.
type Processor struct {
	audit        admission.AuditStore
	store        ObjectStore
	conv         converter.Converter
	pub          Publisher
	sequencer    *admission.Sequencer
	sourceBucket string
	ackBucket    string
	log          *zap.Logger
}

// NewProcessor constructs a Processor.
func NewProcessor(auditStore admission.AuditStore, store ObjectStore, conv converter.Converter, pub Publisher, sequencer *admission.Sequencer, sourceBucket, ackBucket string, log *zap.Logger) *Processor {
	return &Processor{
		audit:        auditStore,
		store:        store,
		conv:         conv,
		pub:          pub,
		sequencer:    sequencer,
		sourceBucket: sourceBucket,
		ackBucket:    ackBucket,
		log:          log,
	}
}

// Handle streams one file. Infrastructure errors propagate so the broker
// redelivers; file-level validation failures terminate the file and hand
// the queue to the next waiting file.
func (p *Processor) Handle(ctx context.Context, payload queue.ProcessPayload) error {
	fields := logging.Fields{
		FileKey:   payload.FileKey,
		MessageID: payload.MessageID,
		Supplier:  payload.Supplier,
		Category:  payload.Category,
	}
	return logging.Instrument(p.log, "process_rows", fields, func(ctx context.Context) error {
		return p.process(ctx, payload)
	})(ctx)
}

func (p *Processor) process(ctx context.Context, payload queue.ProcessPayload) error {
	data, err := p.store.Get(ctx, p.sourceBucket, s3storage.ProcessingKey(payload.FileKey))
	if err != nil {
		return err
	}

	reader := csv.NewReader(bytes.NewReader(data))
	reader.FieldsPerRecord = -1

	header, err := reader.Read()
	if err != nil {
		status := model.NotProcessed("empty file")
		return p.failFile(ctx, payload, status, model.ErrEmptyFile)
	}
	if !headersMatch(header) {
		return p.failFile(ctx, payload, model.StatusFailed, model.ErrInvalidHeaders)
	}

	perms := permissions.FromOperations(payload.Category, payload.AllowedOperations)

	rowCount := 0
	for {
		row, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return fmt.Errorf("read row %d: %w", rowCount+1, err)
		}
		rowCount++

		event := p.buildEvent(payload, header, row, rowCount, perms)
		if err := p.pub.Publish(ctx, event); err != nil {
			return err
		}
	}

	if rowCount == 0 {
		status := model.NotProcessed("empty file")
		return p.failFile(ctx, payload, status, model.ErrEmptyFile)
	}

	// Synthetic end-of-file marker, same partition key as the rows.
	eof := &model.RowEvent{
		FileKey:   payload.FileKey,
		MessageID: payload.MessageID,
		CreatedAt: payload.CreatedAt,
		Supplier:  payload.Supplier,
		Category:  payload.Category,
		EOF:       true,
	}
	if err := p.pub.Publish(ctx, eof); err != nil {
		return err
	}

	status := model.StatusPreprocessed
	return p.audit.UpdateRecord(ctx, payload.MessageID, audit.Patch{
		Status:      &status,
		RecordCount: &rowCount,
	})
}

// buildEvent converts one CSV row into its transport event. Validation and
// permission failures produce a diagnostics event; they never stop the file.
func (p *Processor) buildEvent(payload queue.ProcessPayload, header, row []string, rowNumber int, perms permissions.Set) *model.RowEvent {
	event := &model.RowEvent{
		FileKey:   payload.FileKey,
		MessageID: payload.MessageID,
		RowID:     model.RowID(payload.MessageID, rowNumber),
		CreatedAt: payload.CreatedAt,
		Supplier:  payload.Supplier,
		Category:  payload.Category,
	}

	cells := rowMap(header, row)
	event.LocalID = localID(cells)

	op, err := model.ParseOperation(cells[converter.ActionFlagColumn])
	if err != nil {
		event.Diagnostics = &model.Diagnostics{
			ErrorType:    "ValidationError",
			StatusCode:   400,
			ErrorMessage: err.Error(),
		}
		return event
	}
	event.Operation = op

	if !perms.Allows(payload.Category, op) {
		event.Diagnostics = &model.Diagnostics{
			ErrorType:    "NoPermissionsError",
			StatusCode:   403,
			ErrorMessage: fmt.Sprintf("%s does not have permission to %s %s records", payload.Supplier, op, payload.Category),
		}
		return event
	}

	rec, err := p.conv.Convert(cells, payload.Category)
	if err != nil {
		event.Diagnostics = &model.Diagnostics{
			ErrorType:    "ValidationError",
			StatusCode:   400,
			ErrorMessage: err.Error(),
		}
		return event
	}
	event.Payload = rec
	return event
}

func (p *Processor) failFile(ctx context.Context, payload queue.ProcessPayload, status model.FileStatus, cause error) error {
	p.log.Warn("file-level validation failed",
		zap.String("file_key", payload.FileKey), zap.Error(cause))

	msg := cause.Error()
	if err := p.audit.UpdateRecord(ctx, payload.MessageID, audit.Patch{Status: &status, ErrorDetails: &msg}); err != nil {
		return err
	}
	// Replaces the success InfAck written at admission with the failure row.
	if err := ack.WriteInfAck(ctx, p.store, p.ackBucket, payload.FileKey, payload.MessageID, false, payload.CreatedAt); err != nil {
		return err
	}
	if err := p.store.Move(ctx, p.sourceBucket, s3storage.ProcessingKey(payload.FileKey), s3storage.ArchiveKey(payload.FileKey)); err != nil {
		return err
	}
	return p.sequencer.OnFileDone(ctx, model.QueueName(payload.Supplier, payload.Category))
}

func headersMatch(header []string) bool {
	if len(header) != len(converter.ExpectedHeaders) {
		return false
	}
	for i, h := range header {
		if h != converter.ExpectedHeaders[i] {
			return false
		}
	}
	return true
}

func rowMap(header, row []string) map[string]string {
	cells := make(map[string]string, len(header))
	for i, name := range header {
		if i < len(row) {
			cells[name] = row[i]
		}
	}
	return cells
}

// localID is the supplier-scoped identifier echoed back in acks so the
// supplier can match failures to their own source rows.
func localID(cells map[string]string) string {
	return fmt.Sprintf("%s^%s", cells[converter.UniqueIDColumn], cells[converter.UniqueIDURIColumn])
}
