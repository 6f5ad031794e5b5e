package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-reservations/internal/config"
	kafkax "github.com/ariefcatur/go-order-reservations/internal/kafka"
	"github.com/ariefcatur/go-order-reservations/internal/logging"
	"github.com/ariefcatur/go-order-reservations/internal/notify"
	"github.com/ariefcatur/go-order-reservations/internal/redisx"
)

func main() {
	_ = godotenv.Load()

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	log, err := logging.New(cfg.LogLevel, cfg.LogJSON)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()
	if len(cfg.KafkaBrokers) == 0 {
		log.Fatal("KAFKA_BROKERS is required")
	}

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Redis
	rdb := redisx.New(cfg.RedisAddr)
	defer rdb.Close()

	svc := &notify.Service{
		Mailer: notify.LogMailer{Log: log.With(zap.String("component", "mailer"))},
		Dedup:  notify.RedisDedup{RDB: rdb, Service: cfg.ServiceName + "-notifier"},
		Log:    log.With(zap.String("component", "notify")),
	}

	// Consumer
	cons := kafkax.NewConsumer(cfg.KafkaBrokers, cfg.NotifyGroup, cfg.TopicNotifications, cfg.NotifyWorkers, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("notifier consumer started",
			zap.String("group", cfg.NotifyGroup),
			zap.String("topic", cfg.TopicNotifications),
			zap.Int("workers", cfg.NotifyWorkers))
		return cons.Start(gctx, svc.HandleMessage)
	})
	if err := g.Wait(); err != nil {
		log.Error("consumer exit", zap.Error(err))
		return
	}
	log.Info("notifier stopped")
}
