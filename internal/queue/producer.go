package queue

import (
	"context"

	"github.com/hibiken/asynq"
)

// Producer wraps an asynq client so components can enqueue follow-on work
// without depending on asynq directly.
type Producer struct {
	client *asynq.Client
}

// NewProducer constructs a Producer.
func NewProducer(client *asynq.Client) *Producer {
	return &Producer{client: client}
}

// Admit enqueues a file admission task.
func (p *Producer) Admit(ctx context.Context, payload AdmitPayload) error {
	return EnqueueAdmit(ctx, p.client, payload)
}

// Process hands a validated file to the row processor.
func (p *Producer) Process(ctx context.Context, payload ProcessPayload) error {
	return EnqueueProcess(ctx, p.client, payload)
}

// AckBatch sends a batch of row outcomes to the ack writer.
func (p *Producer) AckBatch(ctx context.Context, payload AckBatchPayload) error {
	return EnqueueAckBatch(ctx, p.client, payload)
}
