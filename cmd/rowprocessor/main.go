package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/carelink/vaxbatch/internal/admission"
	"github.com/carelink/vaxbatch/internal/audit"
	"github.com/carelink/vaxbatch/internal/clients"
	"github.com/carelink/vaxbatch/internal/config"
	"github.com/carelink/vaxbatch/internal/converter"
	"github.com/carelink/vaxbatch/internal/logging"
	"github.com/carelink/vaxbatch/internal/queue"
	"github.com/carelink/vaxbatch/internal/rowproc"
	"github.com/carelink/vaxbatch/internal/transport"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New("rowprocessor")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	cl, err := clients.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init clients: %v", err)
	}
	defer cl.Close()

	producer := transport.NewProducer(cfg)
	defer producer.Close()

	auditStore := audit.NewStore(cl.Pool, cfg.AuditTTLDays)
	queueProducer := queue.NewProducer(cl.Asynq)
	sequencer := admission.NewSequencer(auditStore, queueProducer, cfg.SourceBucket, logger)
	processor := rowproc.NewProcessor(auditStore, cl.Storage, converter.NewBaseline(), producer, sequencer, cfg.SourceBucket, cfg.AckBucket, logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.FileProcessTask, func(ctx context.Context, task *asynq.Task) error {
		var payload queue.ProcessPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return processor.Handle(ctx, payload)
	})

	server := asynq.NewServer(clients.RedisOpt(cfg), asynq.Config{Concurrency: cfg.Concurrency})
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	if err := server.Run(mux); err != nil {
		logger.Sync()
		log.Printf("row processor stopped: %v", err)
		os.Exit(1)
	}
}
