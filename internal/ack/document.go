package ack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/carelink/vaxbatch/internal/model"
	"github.com/carelink/vaxbatch/internal/s3storage"
)

const (
	ackSystem  = "vaxbatch"
	ackVersion = "1.0"

	failureRowResponseCode    = "30002"
	failureRowResponseDisplay = "Business Level Response Value - Processing Error"
)

// Accumulator maintains a file's AckDocument in object storage using a
// read-modify-write cycle, because each invocation is stateless and may be
// retried. Failure rows are merged by row id, so replaying a batch after a
// redelivery can never duplicate an entry.
type Accumulator struct {
	store     ObjectStore
	ackBucket string
	now       func() time.Time
}

// NewAccumulator constructs an Accumulator over the ack bucket.
func NewAccumulator(store ObjectStore, ackBucket string) *Accumulator {
	return &Accumulator{store: store, ackBucket: ackBucket, now: time.Now}
}

// Load fetches the current document for a file, initialising a fresh one if
// no batch has been recorded yet.
func (a *Accumulator) Load(ctx context.Context, fileKey, messageID, supplier, createdAt string) (*model.AckDocument, error) {
	tempKey := s3storage.TempAckKey(fileKey, createdAt)
	data, err := a.store.Get(ctx, a.ackBucket, tempKey)
	if errors.Is(err, s3storage.ErrObjectNotFound) {
		return &model.AckDocument{
			System:          ackSystem,
			Version:         ackVersion,
			Filename:        fileKey,
			Provider:        supplier,
			MessageHeaderID: messageID,
			GeneratedDate:   a.now().UTC().Format(time.RFC3339),
			Failures:        []model.AckFailure{},
		}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("fetch ack document: %w", err)
	}
	var doc model.AckDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("decode ack document: %w", err)
	}
	return &doc, nil
}

// Append merges a batch of row outcomes into the document. Only failures are
// recorded; a row id already present is a replay and is dropped.
func (a *Accumulator) Append(doc *model.AckDocument, outcomes []model.RowOutcome) {
	seen := make(map[string]bool, len(doc.Failures))
	for _, f := range doc.Failures {
		seen[f.RowID] = true
	}
	for _, outcome := range outcomes {
		if outcome.Succeeded || seen[outcome.RowID] {
			continue
		}
		seen[outcome.RowID] = true
		doc.Failures = append(doc.Failures, model.AckFailure{
			RowID:            outcome.RowID,
			ResponseCode:     failureRowResponseCode,
			ResponseDisplay:  failureRowResponseDisplay,
			Severity:         "Fatal",
			LocalID:          outcome.LocalID,
			OperationOutcome: flattenDiagnostics(outcome.Diagnostics),
		})
	}
}

// Store re-uploads the document under its temporary key.
func (a *Accumulator) Store(ctx context.Context, fileKey, createdAt string, doc *model.AckDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encode ack document: %w", err)
	}
	tempKey := s3storage.TempAckKey(fileKey, createdAt)
	if err := a.store.Put(ctx, a.ackBucket, tempKey, data, "application/json"); err != nil {
		return fmt.Errorf("upload ack document: %w", err)
	}
	return nil
}

// Finalize populates the summary, uploads the document one last time and
// moves it from the temporary to the completed prefix.
func (a *Accumulator) Finalize(ctx context.Context, fileKey, createdAt string, doc *model.AckDocument, totalRecords int) error {
	failed := len(doc.Failures)
	doc.Summary = &model.AckSummary{
		TotalRecords:  totalRecords,
		Succeeded:     totalRecords - failed,
		Failed:        failed,
		IngestionTime: a.now().UTC().Format(time.RFC3339),
	}
	if err := a.Store(ctx, fileKey, createdAt, doc); err != nil {
		return err
	}
	tempKey := s3storage.TempAckKey(fileKey, createdAt)
	completedKey := s3storage.CompletedAckKey(fileKey, createdAt)
	if err := a.store.Move(ctx, a.ackBucket, tempKey, completedKey); err != nil {
		return fmt.Errorf("move ack document: %w", err)
	}
	return nil
}

// flattenDiagnostics packs a diagnostics message down to a single line, as
// downstream error messages may span several.
func flattenDiagnostics(d *model.Diagnostics) string {
	if d == nil {
		return ""
	}
	msg := strings.NewReplacer("\r", " ", "\n", " ", "\t", " ", " ", " ").Replace(d.ErrorMessage)
	msg = strings.Join(strings.Fields(msg), " ")
	return fmt.Sprintf("%s (%d): %s", d.ErrorType, d.StatusCode, msg)
}
