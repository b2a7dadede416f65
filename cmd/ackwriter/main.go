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

	"github.com/carelink/vaxbatch/internal/ack"
	"github.com/carelink/vaxbatch/internal/admission"
	"github.com/carelink/vaxbatch/internal/ackwriter"
	"github.com/carelink/vaxbatch/internal/audit"
	"github.com/carelink/vaxbatch/internal/clients"
	"github.com/carelink/vaxbatch/internal/config"
	"github.com/carelink/vaxbatch/internal/logging"
	"github.com/carelink/vaxbatch/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New("ackwriter")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	cl, err := clients.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init clients: %v", err)
	}
	defer cl.Close()

	auditStore := audit.NewStore(cl.Pool, cfg.AuditTTLDays)
	queueProducer := queue.NewProducer(cl.Asynq)
	sequencer := admission.NewSequencer(auditStore, queueProducer, cfg.SourceBucket, logger)
	accumulator := ack.NewAccumulator(cl.Storage, cfg.AckBucket)
	writer := ackwriter.New(accumulator, auditStore, cl.Storage, sequencer, cfg.SourceBucket, cfg.AckBucket, logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.AckBatchTask, func(ctx context.Context, task *asynq.Task) error {
		var payload queue.AckBatchPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return writer.Handle(ctx, payload)
	})

	// Ack documents are read-modify-write per file; a single handler keeps
	// the accumulation serial.
	server := asynq.NewServer(clients.RedisOpt(cfg), asynq.Config{Concurrency: 1})
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	if err := server.Run(mux); err != nil {
		logger.Sync()
		log.Printf("ack writer stopped: %v", err)
		os.Exit(1)
	}
}
