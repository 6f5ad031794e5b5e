package kafka

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Handler harus return nil hanya jika proses sukses & boleh commit offset.
type Handler func(ctx context.Context, m kafka.Message) error

type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

type Consumer struct {
	r          messageReader
	workers    int
	log        *zap.Logger
	newBackOff func() backoff.BackOff
}

func NewConsumer(brokers []string, group, topic string, workers int, log *zap.Logger) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // manual commit
	})
	return newConsumer(r, workers, log)
}

func newConsumer(r messageReader, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{r: r, workers: workers, log: log, newBackOff: retryBackOff}
}

// retryBackOff never gives up; only ctx ends a retry loop.
func retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 200 * time.Millisecond
	b.MaxInterval = 30 * time.Second
	b.MaxElapsedTime = 0
	return b
}

// Start dispatches messages to the workers until ctx is done. All messages of a
// partition go to the same worker, in offset order. A failed message is retried
// in place, so the partition does not advance and no commit passes it.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	lanes := make([]chan kafka.Message, c.workers)
	g, gctx := errgroup.WithContext(ctx)
	for i := range lanes {
		lane := make(chan kafka.Message, 4)
		lanes[i] = lane
		g.Go(func() error {
			for m := range lane {
				if !c.handle(gctx, h, m) {
					// ctx selesai di tengah retry; sisa lane tidak boleh di-commit
					return nil
				}
			}
			return nil
		})
	}

	var readErr error
	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			// kecilkan noise saat shutdown
			if ctx.Err() == nil && !errors.Is(err, context.Canceled) {
				readErr = err
			}
			break
		}
		select {
		case lanes[m.Partition%c.workers] <- m:
			continue
		case <-ctx.Done():
		}
		break
	}
	for _, lane := range lanes {
		close(lane)
	}
	_ = g.Wait()
	return readErr
}

// handle runs h until it succeeds, then commits m. It reports false when ctx
// ended first and m was left uncommitted.
func (c *Consumer) handle(ctx context.Context, h Handler, m kafka.Message) bool {
	carrier := headerCarrier(m.Headers)
	mctx := otel.GetTextMapPropagator().Extract(ctx, &carrier)

	op := func() error { return h(mctx, m) }
	notify := func(err error, next time.Duration) {
		c.log.Warn("handler failed, retrying",
			zap.String("topic", m.Topic),
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Duration("next", next),
			zap.Error(err))
	}
	if err := backoff.RetryNotify(op, backoff.WithContext(c.newBackOff(), ctx), notify); err != nil {
		c.log.Info("stopped before message was handled, left uncommitted",
			zap.Int("partition", m.Partition),
			zap.Int64("offset", m.Offset),
			zap.Error(err))
		return false
	}
	if err := c.r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil {
		c.log.Error("commit offset", zap.Int64("offset", m.Offset), zap.Error(err))
	}
	return true
}
