package access

import (
	"context"
	"errors"
	"time"

	pe "linkvault.io/vault/errors"
	md "linkvault.io/vault/models"
	st "linkvault.io/vault/stores"
)

var (
	errExpired        = errors.New("record expired")
	errAllowanceUsed  = errors.New("one-time allowance used up")
	errViewCapReached = errors.New("view cap reached")
)

// Updater is the slice of a record store Apply needs.
type Updater interface {
	ConditionalUpdate(ctx context.Context, id string, pred st.Predicate, mut st.Mutation) (*md.Record, *pe.Err)
}

// Apply records one permitted access of requesterID to record id: the view count goes up by one and, for
// one-time records, the requester's allowance is consumed. The access constraints are re-checked against
// the stored record inside the update, so a concurrent consumer that got there first makes Apply fail
// with ErrCodePreconditionFailed instead of handing out a view twice.
func Apply(ctx context.Context, s Updater, id, requesterID string, now time.Time) (*md.Record, *pe.Err) {
	pred := func(r *md.Record) error {
		switch {
		case r.Expired(now):
			return errExpired
		case r.OneTimeView && r.Consumption.Exhausted(r.IsOwner(requesterID)):
			return errAllowanceUsed
		case r.ViewsExhausted():
			return errViewCapReached
		}
		return nil
	}
	mut := func(r *md.Record) {
		r.ViewCount++
		if r.OneTimeView {
			r.Consumption, _ = r.Consumption.Consume(r.IsOwner(requesterID))
		}
	}
	return s.ConditionalUpdate(ctx, id, pred, mut)
}
