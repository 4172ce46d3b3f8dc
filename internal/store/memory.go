package store

import (
	"cmp"
	"context"
	"slices"
	"sync"
	"time"

	"github.com/high-seas/internal/model"
)

// Memory keeps everything in process. Suitable for tests and single-run use.
type Memory struct {
	now func() time.Time

	mu       sync.RWMutex
	requests map[string]*model.MediaRequest
	events   map[string][]model.RequestEvent
	active   map[model.DedupKey]string // dedup key → id of the active request
	resolved map[model.DedupKey]string // resolved key → id of the active owner
}

func NewMemory() *Memory {
	return &Memory{
		now:      time.Now,
		requests: make(map[string]*model.MediaRequest),
		events:   make(map[string][]model.RequestEvent),
		active:   make(map[model.DedupKey]string),
		resolved: make(map[model.DedupKey]string),
	}
}

func (m *Memory) Create(_ context.Context, req *model.MediaRequest) (*model.MediaRequest, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if id, ok := m.active[req.DedupKey]; ok {
		return m.requests[id].Clone(), false, nil
	}

	stored := req.Clone()
	m.requests[stored.ID] = stored
	if stored.State.Active() {
		m.active[stored.DedupKey] = stored.ID
	}
	return stored.Clone(), true, nil
}

func (m *Memory) Get(_ context.Context, id string) (*model.MediaRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, &model.NotFoundError{ID: id}
	}
	return r.Clone(), nil
}

func (m *Memory) FindActiveByKey(_ context.Context, key model.DedupKey) (*model.MediaRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.active[key]
	if !ok {
		return nil, nil
	}
	return m.requests[id].Clone(), nil
}

func (m *Memory) Transition(_ context.Context, id string, from, to model.State, detail string) (model.RequestEvent, *model.MediaRequest, error) {
	if !model.CanTransition(from, to) {
		return model.RequestEvent{}, nil, &model.TransitionError{ID: id, From: from, To: to, Actual: from}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return model.RequestEvent{}, nil, &model.NotFoundError{ID: id}
	}
	if r.State != from {
		return model.RequestEvent{}, nil, &model.TransitionError{ID: id, From: from, To: to, Actual: r.State}
	}

	ts := eventTime(r.UpdatedAt, m.now())
	r.State = to
	r.Detail = detail
	r.UpdatedAt = ts

	if to.Terminal() {
		if m.active[r.DedupKey] == id {
			delete(m.active, r.DedupKey)
		}
		if key, ok := r.ResolvedKey(); ok && m.resolved[key] == id {
			delete(m.resolved, key)
		}
	}

	ev := model.RequestEvent{RequestID: id, From: from, To: to, Timestamp: ts, Detail: detail}
	m.events[id] = append(m.events[id], ev)
	return ev, r.Clone(), nil
}

func (m *Memory) AttachExternal(_ context.Context, id string, externalID int, title string) (*model.MediaRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	r, ok := m.requests[id]
	if !ok {
		return nil, &model.NotFoundError{ID: id}
	}
	if r.State != model.StateEnriching {
		return nil, &model.TransitionError{ID: id, From: model.StateEnriching, To: model.StateEnriching, Actual: r.State}
	}

	if old, ok := r.ResolvedKey(); ok && m.resolved[old] == id {
		delete(m.resolved, old)
	}
	r.ExternalID = &externalID
	r.Title = title
	r.UpdatedAt = eventTime(r.UpdatedAt, m.now())

	key, _ := r.ResolvedKey()
	if ownerID, ok := m.resolved[key]; ok && ownerID != id {
		r.MergedInto = ownerID
		return m.requests[ownerID].Clone(), nil
	}
	m.resolved[key] = id
	return nil, nil
}

func (m *Memory) List(_ context.Context, f Filter) ([]*model.MediaRequest, error) {
	m.mu.RLock()
	out := make([]*model.MediaRequest, 0, len(m.requests))
	for _, r := range m.requests {
		if f.match(r) {
			out = append(out, r.Clone())
		}
	}
	m.mu.RUnlock()

	slices.SortFunc(out, func(a, b *model.MediaRequest) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) Events(_ context.Context, id string) ([]model.RequestEvent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if _, ok := m.requests[id]; !ok {
		return nil, &model.NotFoundError{ID: id}
	}
	return slices.Clone(m.events[id]), nil
}

func (m *Memory) Purge(_ context.Context, cutoff time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := 0
	for id, r := range m.requests {
		if r.State.Terminal() && r.UpdatedAt.Before(cutoff) {
			delete(m.requests, id)
			delete(m.events, id)
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
