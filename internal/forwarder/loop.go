package forwarder

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/carelink/vaxbatch/internal/model"
)

// Source is the ordered event stream the loop consumes. *transport.Consumer
// satisfies it.
type Source interface {
	Fetch(ctx context.Context) (kafka.Message, *model.RowEvent, error)
	Commit(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Loop drives a Forwarder from a consumer-group stream in bounded batches.
// Offsets are committed only after a batch has fully flushed. After any
// failure the source is closed and reopened: the reader's in-memory position
// has already advanced past the fetched messages, and only a fresh reader
// resumes from the last committed offset and redelivers them.
type Loop struct {
	open      func() Source
	fwd       *Forwarder
	batchSize int
	window    time.Duration
	log       *zap.Logger
}

// NewLoop constructs a Loop. open is called once at start and again after
// every failed batch.
func NewLoop(open func() Source, fwd *Forwarder, batchSize int, window time.Duration, log *zap.Logger) *Loop {
	return &Loop{
		open:      open,
		fwd:       fwd,
		batchSize: batchSize,
		window:    window,
		log:       log,
	}
}

// Run consumes until the context is cancelled.
func (l *Loop) Run(ctx context.Context) error {
	src := l.open()
	defer func() { src.Close() }()

	for {
		msgs, events, err := l.collect(ctx, src)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			l.log.Error("fetch batch", zap.Error(err))
			src = l.reopen(src)
			continue
		}
		if err := l.fwd.ProcessBatch(ctx, events); err != nil {
			l.log.Error("process batch", zap.Error(err))
			src = l.reopen(src)
			continue
		}
		if err := src.Commit(ctx, msgs...); err != nil {
			l.log.Error("commit offsets", zap.Error(err))
			src = l.reopen(src)
		}
	}
}

// collect blocks for the first event, then drains until the size cap is
// reached on a file boundary. A file whose rows have started keeps the batch
// open past the cap until its end-of-file marker arrives, so one file's rows
// stay within one invocation. A window with no traffic ships the batch as it
// stands; a stalled producer republishes the file from its first row, and
// that replay arrives whole.
func (l *Loop) collect(ctx context.Context, src Source) ([]kafka.Message, []*model.RowEvent, error) {
	first, firstEvent, err := src.Fetch(ctx)
	if err != nil {
		return nil, nil, err
	}
	msgs := []kafka.Message{first}
	events := []*model.RowEvent{firstEvent}

	inFlight := make(map[string]bool)
	track := func(event *model.RowEvent) {
		if event.EOF {
			delete(inFlight, event.FileKey)
		} else {
			inFlight[event.FileKey] = true
		}
	}
	track(firstEvent)

	for len(msgs) < l.batchSize || len(inFlight) > 0 {
		window, cancel := context.WithTimeout(ctx, l.window)
		msg, event, err := src.Fetch(window)
		cancel()
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				break
			}
			return nil, nil, err
		}
		msgs = append(msgs, msg)
		events = append(events, event)
		track(event)
	}
	return msgs, events, nil
}

func (l *Loop) reopen(src Source) Source {
	src.Close()
	return l.open()
}
