package main

import (
	"context"
	"errors"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/carelink/vaxbatch/internal/clients"
	"github.com/carelink/vaxbatch/internal/config"
	"github.com/carelink/vaxbatch/internal/downstream"
	"github.com/carelink/vaxbatch/internal/forwarder"
	"github.com/carelink/vaxbatch/internal/logging"
	"github.com/carelink/vaxbatch/internal/queue"
	"github.com/carelink/vaxbatch/internal/transport"
)

const (
	maxBatchSize = 500
	batchWindow  = time.Second
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger, err := logging.New("forwarder")
	if err != nil {
		log.Fatalf("init logger: %v", err)
	}
	defer logger.Sync()

	cl, err := clients.New(ctx, cfg)
	if err != nil {
		log.Fatalf("init clients: %v", err)
	}
	defer cl.Close()

	api := downstream.NewClient(cfg.DownstreamBaseURL)
	producer := queue.NewProducer(cl.Asynq)
	fwd := forwarder.New(api, producer, cfg.DuplicateIdentifierDelay, logger)

	open := func() forwarder.Source { return transport.NewConsumer(cfg) }
	loop := forwarder.NewLoop(open, fwd, maxBatchSize, batchWindow, logger)
	if err := loop.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		log.Fatalf("forwarder stopped: %v", err)
	}
}
