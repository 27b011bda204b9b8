package status

import (
	"context"

	devtoolsrelay "github.com/wolfeidau/devtools-relay"
)

// SendFunc delivers one batch of items.
type SendFunc[T any] func(ctx context.Context, items []T) error

// WithConnectionStatus wraps send so every outcome is reflected in the
// tracker. On success it marks the relay connected, counts the items as
// sent and merges the kind-specific bookkeeping returned by onSuccess (which
// may be nil). On failure it marks the relay disconnected and returns the
// original error so the circuit breaker wrapped around the call still
// counts it.
func WithConnectionStatus[T any](t *Tracker, kind devtoolsrelay.EventKind, send SendFunc[T], onSuccess func(items []T) Update) SendFunc[T] {
	return func(ctx context.Context, items []T) error {
		if err := send(ctx, items); err != nil {
			t.MarkFailure(err)
			return err
		}

		var u Update
		if onSuccess != nil {
			u = onSuccess(items)
		}
		now := t.clock.Now()
		u.Connected = Ptr(true)
		u.LastSuccessAt = &now
		if u.SentDelta == nil {
			u.SentDelta = map[string]int{}
		}
		u.SentDelta[string(kind)] += len(items)
		t.Merge(u)
		return nil
	}
}

// MarkFailure records a failed delivery.
func (t *Tracker) MarkFailure(err error) {
	now := t.clock.Now()
	t.Merge(Update{
		Connected:     Ptr(false),
		LastError:     Ptr(err.Error()),
		LastFailureAt: &now,
	})
}
