package transport

import (
	"context"
	"errors"
)

// Multi fans out to every notifier. It fails only when all of them fail, so
// one reachable channel is enough to count as delivered.
type Multi []Notifier

func (m Multi) NotifyResponders(ctx context.Context, n Notification) error {
	return m.each(func(x Notifier) error { return x.NotifyResponders(ctx, n) })
}

func (m Multi) DeliverMessage(ctx context.Context, msg Message) error {
	return m.each(func(x Notifier) error { return x.DeliverMessage(ctx, msg) })
}

func (m Multi) each(fn func(Notifier) error) error {
	if len(m) == 0 {
		return errors.New("no notifiers configured")
	}
	var errs []error
	for _, x := range m {
		if err := fn(x); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) == len(m) {
		return errors.Join(errs...)
	}
	return nil
}

// Discard drops everything. Used when no transport is configured.
type Discard struct{}

func (Discard) NotifyResponders(context.Context, Notification) error { return nil }

func (Discard) DeliverMessage(context.Context, Message) error { return nil }
