package orders

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCanTransition(t *testing.T) {
	cases := []struct {
		from, to Status
		by       Trigger
		want     bool
	}{
		{StatusPendingPayment, StatusPaid, TriggerPayment, true},
		{StatusPendingPayment, StatusPaid, TriggerAdmin, false},
		{StatusPendingPayment, StatusCancelled, TriggerExpiry, true},
		{StatusPendingPayment, StatusCancelled, TriggerAdmin, true},
		{StatusPendingPayment, StatusShipped, TriggerAdmin, false},
		{StatusPaid, StatusShipped, TriggerAdmin, true},
		{StatusPaid, StatusCancelled, TriggerAdmin, true},
		{StatusPaid, StatusCancelled, TriggerExpiry, false},
		{StatusPaid, StatusPendingPayment, TriggerAdmin, false},
		{StatusShipped, StatusDelivered, TriggerAdmin, true},
		{StatusShipped, StatusCancelled, TriggerAdmin, false},
	}
	for _, tc := range cases {
		require.Equal(t, tc.want, CanTransition(tc.from, tc.to, tc.by), "%s -> %s by %s", tc.from, tc.to, tc.by)
	}
}

func TestTerminalStatesHaveNoExit(t *testing.T) {
	all := []Status{StatusPendingPayment, StatusPaid, StatusShipped, StatusDelivered, StatusCancelled}
	for _, from := range []Status{StatusDelivered, StatusCancelled} {
		require.True(t, from.Terminal())
		for _, to := range all {
			for _, by := range []Trigger{TriggerPayment, TriggerExpiry, TriggerAdmin} {
				err := CheckTransition(from, to, by)
				require.ErrorIs(t, err, ErrInvalidTransition)
				var te *TransitionError
				require.True(t, errors.As(err, &te))
				require.Equal(t, from, te.From)
				require.Equal(t, to, te.To)
			}
		}
	}
}

func TestParseStatus(t *testing.T) {
	s, err := ParseStatus(" shipped ")
	require.NoError(t, err)
	require.Equal(t, StatusShipped, s)

	_, err = ParseStatus("REFUNDED")
	require.ErrorIs(t, err, ErrInvalidInput)
}
