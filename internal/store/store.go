package store

import (
	"context"
	"time"

	"github.com/high-seas/internal/model"
)

// Store owns MediaRequest records and their event log. Returned requests are
// copies; mutating them has no effect on the store.
type Store interface {
	// Create stores req unless an active request with the same dedup key
	// exists, in which case that request is returned and created is false.
	Create(ctx context.Context, req *model.MediaRequest) (stored *model.MediaRequest, created bool, err error)
	Get(ctx context.Context, id string) (*model.MediaRequest, error)
	// FindActiveByKey returns nil when no active request holds key.
	FindActiveByKey(ctx context.Context, key model.DedupKey) (*model.MediaRequest, error)
	// Transition moves id from one state to another and appends the event in
	// the same atomic step. It returns the event and the request as written.
	// A stored state other than from yields a *model.TransitionError matching
	// model.ErrConflict.
	Transition(ctx context.Context, id string, from, to model.State, detail string) (model.RequestEvent, *model.MediaRequest, error)
	// AttachExternal records the catalog match on an enriching request. If
	// another active request already holds the same resolved key it is
	// returned as owner and the request is marked as merged into it.
	AttachExternal(ctx context.Context, id string, externalID int, title string) (owner *model.MediaRequest, err error)
	List(ctx context.Context, f Filter) ([]*model.MediaRequest, error)
	Events(ctx context.Context, id string) ([]model.RequestEvent, error)
	// Purge deletes terminal requests last updated before cutoff, with their events.
	Purge(ctx context.Context, cutoff time.Time) (int, error)
	Close() error
}

// Filter narrows List. Zero fields match everything.
type Filter struct {
	State model.State
	Kind  model.MediaKind
	Limit int
}

func (f Filter) match(r *model.MediaRequest) bool {
	return (f.State == "" || r.State == f.State) && (f.Kind == "" || r.Kind == f.Kind)
}

// eventTime keeps a request's event timestamps strictly increasing even when
// the clock stalls or steps back.
func eventTime(last, now time.Time) time.Time {
	if !now.After(last) {
		return last.Add(time.Nanosecond)
	}
	return now
}
