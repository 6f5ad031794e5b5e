package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ariefcatur/go-order-reservations/internal/config"
	"github.com/ariefcatur/go-order-reservations/internal/expiry"
	"github.com/ariefcatur/go-order-reservations/internal/httpx"
	kafkax "github.com/ariefcatur/go-order-reservations/internal/kafka"
	"github.com/ariefcatur/go-order-reservations/internal/logging"
	"github.com/ariefcatur/go-order-reservations/internal/memstore"
	"github.com/ariefcatur/go-order-reservations/internal/orders"
	"github.com/ariefcatur/go-order-reservations/internal/postgres"
	"github.com/ariefcatur/go-order-reservations/internal/redisx"
	"github.com/ariefcatur/go-order-reservations/internal/reservation"
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

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(propagation.TraceContext{}, propagation.Baggage{}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log); err != nil {
		log.Fatal("order api stopped", zap.Error(err))
	}
	log.Info("order api stopped")
}

type seeder func(ctx context.Context, seed orders.Seed) error

func run(ctx context.Context, cfg config.Config, log *zap.Logger) error {
	log.Info("order api starting", zap.String("driver", cfg.StoreDriver), zap.String("mode", cfg.ReservationMode))

	// Redis
	var rdb *redis.Client
	if cfg.RedisAddr != "" {
		rdb = redisx.New(cfg.RedisAddr)
		defer rdb.Close()
		if err := rdb.Ping(ctx).Err(); err != nil {
			if cfg.StoreDriver == "redis" {
				return fmt.Errorf("redis ping: %w", err)
			}
			log.Warn("redis unavailable, running without idempotency keys and status cache", zap.Error(err))
			rdb = nil
		}
	}
	if rdb == nil && cfg.StoreDriver == "redis" {
		return errors.New("STORE_DRIVER=redis needs REDIS_ADDR")
	}

	// Store
	var (
		backend orders.Backend
		journal orders.Journal
		seed    seeder
	)
	switch cfg.StoreDriver {
	case "postgres":
		if cfg.MigrateOnStart {
			log.Info("running database migrations")
			if err := postgres.Migrate(cfg.PostgresDSN); err != nil {
				return err
			}
		}
		pool, err := postgres.Connect(ctx, cfg.PostgresDSN)
		if err != nil {
			return fmt.Errorf("db connect: %w", err)
		}
		defer pool.Close()
		s := postgres.New(pool)
		backend, seed = s, s.Apply
	case "redis":
		s := redisx.NewStore(rdb)
		backend, journal, seed = s, s.Journal(), s.Apply
	case "memory":
		s := memstore.New()
		backend, journal = s, s.Journal()
		seed = func(_ context.Context, sd orders.Seed) error { s.Apply(sd); return nil }
	}
	if cfg.SeedFile != "" {
		sd, err := orders.ReadSeedFile(cfg.SeedFile)
		if err != nil {
			return fmt.Errorf("seed: %w", err)
		}
		if err := seed(ctx, sd); err != nil {
			return fmt.Errorf("apply seed: %w", err)
		}
		log.Info("seed loaded", zap.Int("products", len(sd.Products)), zap.Int("carts", len(sd.Carts)))
	}

	mode, err := reservation.ParseMode(cfg.ReservationMode)
	if err != nil {
		return err
	}
	exec, err := reservation.NewExecutor(mode, backend, journal, log.With(zap.String("component", "executor")))
	if err != nil {
		return err
	}

	// Kafka producers
	var (
		events   orders.Publishers
		notifier orders.Notifier
		stopPub  = func() {}
	)
	if len(cfg.KafkaBrokers) > 0 {
		pEvents := kafkax.NewProducer(cfg.KafkaBrokers, cfg.TopicOrderEvents, 1024, log)
		pNotify := kafkax.NewProducer(cfg.KafkaBrokers, cfg.TopicNotifications, 1024, log)
		pEvents.Start(context.Background())
		pNotify.Start(context.Background())
		pub := &kafkax.Publisher{Events: pEvents, Notifications: pNotify, ServiceName: cfg.ServiceName}
		events = append(events, pub)
		notifier = pub
		stopPub = func() {
			pEvents.Close()
			pNotify.Close()
			pEvents.WaitClosed()
			pNotify.WaitClosed()
		}
	} else {
		log.Warn("KAFKA_BROKERS empty, lifecycle events and confirmations are not published")
	}
	defer stopPub()

	handler := &httpx.OrdersHandler{AdminToken: cfg.AdminToken, Log: log.With(zap.String("component", "http"))}
	if rdb != nil {
		cache := redisx.NewStatusCache(rdb)
		events = append(events, cache)
		handler.Cache = cache
		handler.Idem = redisx.NewIdempotency(rdb)
	}

	// Coordinator + scheduler
	var svc *reservation.Service
	sched := expiry.New(func(ctx context.Context, orderID string) error {
		_, _, err := svc.CancelOrder(ctx, orderID)
		return err
	}, backend.Orders(), cfg.ExpiryPollInterval, log.With(zap.String("component", "expiry")))

	svc, err = reservation.NewService(reservation.Deps{
		Backend:            backend,
		Executor:           exec,
		Timers:             sched,
		Events:             events,
		Notifier:           notifier,
		ReservationTimeout: cfg.ReservationTimeout,
		ServiceName:        cfg.ServiceName,
		Logger:             log.With(zap.String("component", "reservation")),
	})
	if err != nil {
		return err
	}
	handler.Svc = svc

	// Finish interrupted units before timers see their orders.
	rec := reservation.NewReconciler(backend, journal, cfg.JournalLease, log.With(zap.String("component", "reconciler")))
	if _, err := rec.Recover(ctx); err != nil {
		log.Error("startup journal recovery", zap.Error(err))
	}
	if _, err := rec.Audit(ctx); err != nil {
		log.Error("startup audit", zap.Error(err))
	}

	router := httpx.NewRouter(log)
	handler.Register(router)
	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: router, ReadHeaderTimeout: 5 * time.Second}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("HTTP listening", zap.String("addr", cfg.HTTPAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("listen: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	g.Go(func() error { return sched.Run(gctx) })
	g.Go(func() error { return rec.Run(gctx, cfg.ReconcileInterval) })
	return g.Wait()
}
