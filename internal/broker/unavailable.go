package broker

import (
	"context"
	"fmt"
)

// Unavailable is the binding used when the configured broker could not be
// reached at startup. Every operation fails closed with ErrUnavailable so the
// rest of the application keeps serving non-realtime traffic.
type Unavailable struct {
	Driver string
	Cause  error
}

func (u *Unavailable) err() error {
	if u.Cause == nil {
		return ErrUnavailable
	}
	return fmt.Errorf("%w (%s): %v", ErrUnavailable, u.Driver, u.Cause)
}

func (u *Unavailable) Publish(context.Context, string, []byte) error {
	return u.err()
}

func (u *Unavailable) PatternSubscribe(context.Context, ...string) (Subscription, error) {
	return nil, u.err()
}

func (u *Unavailable) Close() error { return nil }
