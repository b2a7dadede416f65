// Package queue defines the asynq task types that connect the pipeline's
// stateless workers. Every hand-off between components is a message, never a
// direct call, so the broker's retry policy applies uniformly.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"

	"github.com/carelink/vaxbatch/internal/model"
)

const (
	// FileAdmitTask is scheduled when a file lands in the source bucket,
	// and again by the sequencer when a queued file is ready for promotion.
	FileAdmitTask = "file:admit"
	// FileProcessTask hands a validated file to the row processor.
	FileProcessTask = "file:process"
	// AckBatchTask carries a batch of row outcomes to the ack writer.
	AckBatchTask = "ack:batch"
)

// AdmitPayload identifies a landed file. MessageID is empty for a fresh
// notification and set when the sequencer re-admits an already-audited file.
type AdmitPayload struct {
	Bucket    string `json:"bucket"`
	FileKey   string `json:"file_key"`
	MessageID string `json:"message_id,omitempty"`
}

// ProcessPayload carries a file's already-validated metadata to the row
// processor, so admission decisions are never re-derived downstream.
type ProcessPayload struct {
	MessageID         string            `json:"message_id"`
	FileKey           string            `json:"file_key"`
	Supplier          string            `json:"supplier"`
	Category          string            `json:"category"`
	AllowedOperations []model.Operation `json:"allowed_operations"`
	CreatedAt         string            `json:"created_at"`
}

// AckBatchPayload is one file's buffered row outcomes from a single
// forwarder invocation. EOF marks the batch that completes the file.
type AckBatchPayload struct {
	MessageID string             `json:"message_id"`
	FileKey   string             `json:"file_key"`
	Supplier  string             `json:"supplier"`
	Category  string             `json:"category"`
	CreatedAt string             `json:"created_at"`
	Outcomes  []model.RowOutcome `json:"outcomes"`
	EOF       bool               `json:"eof"`
}

// EnqueueAdmit enqueues an admission task for a landed or re-admitted file.
func EnqueueAdmit(ctx context.Context, client *asynq.Client, payload AdmitPayload) error {
	return enqueue(ctx, client, FileAdmitTask, payload)
}

// EnqueueProcess hands a validated file off to the row processor.
func EnqueueProcess(ctx context.Context, client *asynq.Client, payload ProcessPayload) error {
	return enqueue(ctx, client, FileProcessTask, payload)
}

// EnqueueAckBatch sends a batch of row outcomes to the ack writer.
func EnqueueAckBatch(ctx context.Context, client *asynq.Client, payload AckBatchPayload) error {
	return enqueue(ctx, client, AckBatchTask, payload)
}

func enqueue(ctx context.Context, client *asynq.Client, taskType string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(taskType, data)
	if _, err := client.EnqueueContext(ctx, task, asynq.MaxRetry(5)); err != nil {
		return fmt.Errorf("enqueue %s task: %w", taskType, err)
	}
	return nil
}
