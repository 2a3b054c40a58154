package relay

import (
	"context"
	"time"
)

// Turn makes two generators alternate: the leader runs, then after a quiet
// period the follower runs, then the leader again.
type Turn struct {
	quiet  time.Duration
	lead   chan struct{}
	follow chan struct{}
}

// NewTurn returns a Turn with the leader holding the baton.
func NewTurn(quiet time.Duration) *Turn {
	t := &Turn{
		quiet:  quiet,
		lead:   make(chan struct{}, 1),
		follow: make(chan struct{}, 1),
	}
	t.lead <- struct{}{}
	return t
}

// Lead waits for the follower's previous step, runs fn, then signals the
// follower. The signal is sent even when fn fails.
func (t *Turn) Lead(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-t.lead:
	case <-ctx.Done():
		return ctx.Err()
	}
	err := fn(ctx)
	t.follow <- struct{}{}
	return err
}

// Follow waits for the leader's signal and the quiet period, runs fn, then
// hands the baton back.
func (t *Turn) Follow(ctx context.Context, fn func(context.Context) error) error {
	select {
	case <-t.follow:
	case <-ctx.Done():
		return ctx.Err()
	}

	if t.quiet > 0 {
		timer := time.NewTimer(t.quiet)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			t.follow <- struct{}{}
			return ctx.Err()
		}
	}
	err := fn(ctx)
	t.lead <- struct{}{}
	return err
}
