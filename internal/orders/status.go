package orders

import (
	"fmt"
	"strings"
)

type Status string

const (
	StatusPendingPayment Status = "PENDING_PAYMENT"
	StatusPaid           Status = "PAID"
	StatusShipped        Status = "SHIPPED"
	StatusDelivered      Status = "DELIVERED"
	StatusCancelled      Status = "CANCELLED"
)

// Trigger names who is asking for a transition.
type Trigger string

const (
	TriggerPayment Trigger = "payment"
	TriggerExpiry  Trigger = "expiry"
	TriggerAdmin   Trigger = "admin"
)

var validNext = map[Status]map[Status][]Trigger{
	StatusPendingPayment: {
		StatusPaid:      {TriggerPayment},
		StatusCancelled: {TriggerExpiry, TriggerAdmin},
	},
	StatusPaid: {
		StatusShipped:   {TriggerAdmin},
		StatusCancelled: {TriggerAdmin},
	},
	StatusShipped: {
		StatusDelivered: {TriggerAdmin},
	},
	StatusDelivered: {},
	StatusCancelled: {},
}

func CanTransition(from, to Status, by Trigger) bool {
	for _, t := range validNext[from][to] {
		if t == by {
			return true
		}
	}
	return false
}

// CheckTransition returns a *TransitionError when the edge is not allowed for the trigger.
func CheckTransition(from, to Status, by Trigger) error {
	if CanTransition(from, to, by) {
		return nil
	}
	return &TransitionError{From: from, To: to}
}

func (s Status) Terminal() bool { return s == StatusDelivered || s == StatusCancelled }

func (s Status) Valid() bool {
	_, ok := validNext[s]
	return ok
}

func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown order status %q", ErrInvalidInput, v)
	}
	return s, nil
}
