// Package expiry cancels PENDING_PAYMENT orders whose payment deadline passed.
package expiry

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ariefcatur/go-order-reservations/internal/orders"
)

const (
	DefaultPollInterval = 30 * time.Second
	fireTimeout         = 10 * time.Second
)

// CancelFunc releases the reservation of an order. It must be a no-op for an
// order that already left PENDING_PAYMENT.
type CancelFunc func(ctx context.Context, orderID string) error

// PendingLister is the durable side of the timers.
type PendingLister interface {
	ListPending(ctx context.Context, dueBefore time.Time) ([]orders.Order, error)
}

type Scheduler struct {
	cancel  CancelFunc
	pending PendingLister
	poll    time.Duration
	log     *zap.Logger
	clock   func() time.Time

	mu      sync.Mutex
	timers  map[string]*time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func New(cancel CancelFunc, pending PendingLister, poll time.Duration, log *zap.Logger) *Scheduler {
	if poll <= 0 {
		poll = DefaultPollInterval
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Scheduler{
		cancel:  cancel,
		pending: pending,
		poll:    poll,
		log:     log,
		clock:   time.Now,
		timers:  map[string]*time.Timer{},
	}
}

// Arm schedules the cancellation of orderID at deadline. Arming an order that is
// already armed does nothing. A deadline in the past fires right away.
func (s *Scheduler) Arm(orderID string, deadline time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if _, ok := s.timers[orderID]; ok {
		return
	}
	d := max(deadline.Sub(s.clock()), 0)
	s.timers[orderID] = time.AfterFunc(d, func() { s.fire(orderID) })
}

func (s *Scheduler) fire(orderID string) {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	delete(s.timers, orderID)
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()
	if err := s.cancel(ctx, orderID); err != nil {
		// The poll loop retries rows that are still pending.
		s.log.Warn("expire order", zap.String("order_id", orderID), zap.Error(err))
	}
}

// Recover arms a timer for every PENDING_PAYMENT order in the store.
func (s *Scheduler) Recover(ctx context.Context) (int, error) {
	list, err := s.pending.ListPending(ctx, time.Time{})
	if err != nil {
		return 0, err
	}
	for _, o := range list {
		s.Arm(o.ID, o.PaymentDeadline)
	}
	s.log.Info("expiry timers recovered", zap.Int("pending", len(list)))
	return len(list), nil
}

// Run recovers timers, then polls for due orders until ctx is done. On return
// no timer is left and no cancellation is in flight.
func (s *Scheduler) Run(ctx context.Context) error {
	if _, err := s.Recover(ctx); err != nil {
		s.log.Error("recover expiry timers", zap.Error(err))
	}
	t := time.NewTicker(s.poll)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			s.Stop()
			return nil
		case <-t.C:
			s.sweep(ctx)
		}
	}
}

func (s *Scheduler) sweep(ctx context.Context) {
	due, err := s.pending.ListPending(ctx, s.clock())
	if err != nil {
		if ctx.Err() == nil {
			s.log.Error("list due orders", zap.Error(err))
		}
		return
	}
	for _, o := range due {
		if ctx.Err() != nil {
			return
		}
		if err := s.cancel(ctx, o.ID); err != nil {
			s.log.Warn("expire order", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

// Stop disarms every timer and waits for running cancellations.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for id, t := range s.timers {
		t.Stop()
		delete(s.timers, id)
	}
	s.mu.Unlock()
	s.wg.Wait()
}

// Armed reports how many timers are waiting to fire.
func (s *Scheduler) Armed() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}
