package admission

import (
	"context"

	"go.uber.org/zap"

	"github.com/carelink/vaxbatch/internal/queue"
)

// Sequencer hands the Processing slot to the next waiting file whenever a
// file reaches a terminal state. The hand-off is a message on the admission
// queue rather than a direct call, so retries and observability apply to it
// like any other work item.
type Sequencer struct {
	audit        AuditStore
	producer     Producer
	sourceBucket string
	log          *zap.Logger
}

// NewSequencer constructs a Sequencer.
func NewSequencer(auditStore AuditStore, producer Producer, sourceBucket string, log *zap.Logger) *Sequencer {
	return &Sequencer{audit: auditStore, producer: producer, sourceBucket: sourceBucket, log: log}
}

// OnFileDone re-admits the oldest Queued file for the queue name, if any.
func (s *Sequencer) OnFileDone(ctx context.Context, queueName string) error {
	next, err := s.audit.NextQueued(ctx, queueName)
	if err != nil {
		return err
	}
	if next == nil {
		return nil
	}
	s.log.Info("promoting next queued file",
		zap.String("queue_name", queueName),
		zap.String("file_key", next.Filename),
		zap.String("message_id", next.MessageID))
	return s.producer.Admit(ctx, queue.AdmitPayload{
		Bucket:    s.sourceBucket,
		FileKey:   next.Filename,
		MessageID: next.MessageID,
	})
}
