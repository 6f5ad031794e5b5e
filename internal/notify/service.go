// Package notify delivers order confirmations consumed from the notifications topic.
package notify

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	kafkax "github.com/ariefcatur/go-order-reservations/internal/kafka"
	"github.com/ariefcatur/go-order-reservations/internal/orders"
	"github.com/ariefcatur/go-order-reservations/internal/redisx"
)

type Mailer interface {
	SendConfirmation(ctx context.Context, n orders.Notification) error
}

// Deduper remembers handled event ids.
type Deduper interface {
	First(ctx context.Context, eventID string) (bool, error)
	Forget(ctx context.Context, eventID string) error
}

type Service struct {
	Mailer Mailer
	Dedup  Deduper
	Log    *zap.Logger
}

// HandleMessage is the consumer handler. Malformed and foreign messages are
// dropped (committed); a mailer failure is returned so the consumer retries the
// message before its partition moves on.
func (s *Service) HandleMessage(ctx context.Context, m kafkago.Message) error {
	log := s.Log
	if log == nil {
		log = zap.NewNop()
	}
	if t := kafkax.Header(m, "x-event-type"); t != "" && t != orders.EventOrderConfirmation {
		return nil
	}

	// 1) decode envelope
	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		log.Warn("drop malformed message", zap.Int64("offset", m.Offset), zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventOrderConfirmation {
		return nil
	}

	// 2) decode payload
	n, err := kafkax.UnwrapPayload[orders.Notification](env.Payload)
	if err != nil || n.OrderID == "" || n.Email == "" {
		log.Warn("drop invalid confirmation", zap.String("event_id", env.EventID), zap.Error(err))
		return nil
	}

	// 3) dedup via Redis (pakai event_id)
	if s.Dedup != nil {
		first, err := s.Dedup.First(ctx, env.EventID)
		if err != nil {
			return fmt.Errorf("dedup %s: %w", env.EventID, err)
		}
		if !first {
			log.Debug("duplicate confirmation skipped", zap.String("event_id", env.EventID))
			return nil
		}
	}

	// 4) kirim
	if err := s.Mailer.SendConfirmation(ctx, n); err != nil {
		if s.Dedup != nil {
			_ = s.Dedup.Forget(context.WithoutCancel(ctx), env.EventID)
		}
		return fmt.Errorf("send confirmation for order %s: %w", n.OrderID, err)
	}
	log.Info("confirmation sent", zap.String("order_id", n.OrderID), zap.String("event_id", env.EventID))
	return nil
}

type RedisDedup struct {
	RDB     redis.Cmdable
	Service string
}

func (d RedisDedup) First(ctx context.Context, eventID string) (bool, error) {
	return redisx.Dedup(ctx, d.RDB, d.Service, eventID)
}

func (d RedisDedup) Forget(ctx context.Context, eventID string) error {
	return redisx.Forget(ctx, d.RDB, d.Service, eventID)
}

// LogMailer writes the confirmation to the log instead of sending mail.
type LogMailer struct {
	Log *zap.Logger
}

func (m LogMailer) SendConfirmation(ctx context.Context, n orders.Notification) error {
	m.Log.Info("order confirmation",
		zap.String("to", n.Email),
		zap.String("order_id", n.OrderID),
		zap.String("user_id", n.UserID),
		zap.Int64("total_cents", n.TotalCents))
	return nil
}
