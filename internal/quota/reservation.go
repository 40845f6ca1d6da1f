package quota

import (
	"context"
	"sync"
	"time"
)

const releaseTimeout = 5 * time.Second

// Reservation is one granted slot. It must be either released or handed
// off to whoever finishes the work; both are safe to call more than once
// and only the first call has an effect.
type Reservation struct {
	ledger Ledger
	userID string

	once sync.Once
	err  error
}

// Acquire reserves a slot for userID.
func Acquire(ctx context.Context, l Ledger, userID string) (*Reservation, error) {
	if err := l.TryReserve(ctx, userID); err != nil {
		return nil, err
	}
	return &Reservation{ledger: l, userID: userID}, nil
}

// UserID returns the owner of the slot.
func (r *Reservation) UserID() string { return r.userID }

// Release returns the slot to the ledger. It runs even if ctx is already
// cancelled.
func (r *Reservation) Release(ctx context.Context) error {
	r.once.Do(func() {
		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
		defer cancel()
		r.err = r.ledger.Release(ctx, r.userID)
	})
	return r.err
}

// HandOff disarms the reservation without touching the ledger; the slot is
// now released by the party that received it.
func (r *Reservation) HandOff() {
	r.once.Do(func() {})
}
