package firestore

import (
	"context"
	"errors"
	"time"

	"cloud.google.com/go/firestore"
)

// Order creation touches the coupon, the redemption marker, the payment
// confirmation marker and the order itself; contention on a popular coupon
// is the common retry cause.
const (
	defaultTxAttempts = 5
	defaultTxTimeout  = 15 * time.Second
)

// TxFunc runs inside a Firestore transaction. It may be invoked more than once.
type TxFunc func(ctx context.Context, tx *firestore.Transaction) error

type TxOption func(*txSettings)

type txSettings struct {
	op       string
	attempts int
	timeout  time.Duration
}

func WithTxAttempts(attempts int) TxOption {
	return func(s *txSettings) {
		if attempts > 0 {
			s.attempts = attempts
		}
	}
}

// WithTxTimeout bounds the whole transaction including retries. A shorter
// deadline already on the caller's context wins.
func WithTxTimeout(timeout time.Duration) TxOption {
	return func(s *txSettings) {
		if timeout > 0 {
			s.timeout = timeout
		}
	}
}

// WithTxLabel names the transaction in wrapped errors, e.g. "orders.create".
func WithTxLabel(op string) TxOption {
	return func(s *txSettings) {
		if op != "" {
			s.op = op
		}
	}
}

// RunTransaction executes fn on client and wraps the outcome with WrapError.
func RunTransaction(ctx context.Context, client *firestore.Client, fn TxFunc, opts ...TxOption) error {
	settings := txSettings{op: "transaction", attempts: defaultTxAttempts, timeout: defaultTxTimeout}
	for _, opt := range opts {
		if opt != nil {
			opt(&settings)
		}
	}
	switch {
	case client == nil:
		return WrapError(settings.op, errors.New("firestore: client is nil"))
	case fn == nil:
		return WrapError(settings.op, errors.New("firestore: transaction function is nil"))
	}

	if deadline, ok := ctx.Deadline(); !ok || time.Until(deadline) > settings.timeout {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, settings.timeout)
		defer cancel()
	}

	return WrapError(settings.op, client.RunTransaction(ctx, fn, firestore.MaxAttempts(settings.attempts)))
}
