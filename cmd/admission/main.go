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
	"github.com/carelink/vaxbatch/internal/logging"
	"github.com/carelink/vaxbatch/internal/permissions"
	"github.com/carelink/vaxbatch/internal/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New("admission")
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
	directory := permissions.NewDirectory(cl.Redis)
	producer := queue.NewProducer(cl.Asynq)
	sequencer := admission.NewSequencer(auditStore, producer, cfg.SourceBucket, logger)
	controller := admission.NewController(auditStore, directory, cl.Storage, producer, sequencer, cfg.SourceBucket, cfg.AckBucket, logger)

	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.FileAdmitTask, func(ctx context.Context, task *asynq.Task) error {
		var payload queue.AdmitPayload
		if err := json.Unmarshal(task.Payload(), &payload); err != nil {
			return fmt.Errorf("decode payload: %w", err)
		}
		return controller.Handle(ctx, payload)
	})

	server := asynq.NewServer(clients.RedisOpt(cfg), asynq.Config{Concurrency: cfg.Concurrency})
	go func() {
		<-ctx.Done()
		server.Shutdown()
	}()
	if err := server.Run(mux); err != nil {
		logger.Sync()
		log.Printf("admission worker stopped: %v", err)
		os.Exit(1)
	}
}
