package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/high-seas/internal/model"
	"github.com/high-seas/internal/store"
	"github.com/high-seas/pkg/logger"
)

// ErrClosed is returned by Submit once Close has been called.
var ErrClosed = errors.New("orchestrator is shutting down")

// Catalog resolves queries and ids to catalog entries; *catalog.Service satisfies it.
type Catalog interface {
	Lookup(ctx context.Context, query string, kind model.MediaKind) (model.CatalogEntry, error)
	LookupByID(ctx context.Context, id int, kind model.MediaKind) (model.CatalogEntry, error)
}

// Library answers presence queries; *library.Index satisfies it.
type Library interface {
	IsPresent(id int, kind model.MediaKind) bool
	Refresh(ctx context.Context) error
}

// Service drives requests through their lifecycle. It is the only writer of
// request state.
type Service struct {
	store   store.Store
	catalog Catalog
	library Library
	now     func() time.Time

	// enrichments outlive the submitting request
	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool
	// guards wg.Add against Close's Wait
	lifeMu sync.Mutex

	locks stripedLock
	pub   publisher
}

func NewService(st store.Store, cat Catalog, lib Library, maxConcurrent int) *Service {
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		store:   st,
		catalog: cat,
		library: lib,
		now:     time.Now,
		ctx:     ctx,
		cancel:  cancel,
		sem:     make(chan struct{}, maxConcurrent),
	}
}

// Subscribe registers h for every subsequent transition event.
func (s *Service) Subscribe(h Handler) {
	s.pub.subscribe(h)
}

// Submit validates in and either returns the active request already holding
// the same dedup key (created=false) or stores a new one, moves it to
// enriching and starts enrichment in the background.
func (s *Service) Submit(ctx context.Context, in model.SubmitInput) (req *model.MediaRequest, created bool, err error) {
	if s.closed.Load() {
		return nil, false, ErrClosed
	}

	req, err = in.Validate(s.now())
	if err != nil {
		return nil, false, err
	}

	// Once accepted, a request must reach enriching even if the caller goes away.
	ctx = context.WithoutCancel(ctx)

	stored, created, err := s.store.Create(ctx, req)
	if err != nil {
		return nil, false, fmt.Errorf("storing request: %w", err)
	}
	if !created {
		logger.Infof("🔁 [orchestrator] %q (%s) matches active request %s (%s)", req.Query, req.Kind, stored.ID, stored.State)
		return stored, false, nil
	}
	logger.Infof("📥 [orchestrator] new request %s: %q (%s)", stored.ID, stored.Query, stored.Kind)

	if _, err := s.transition(ctx, stored.ID, model.StateSubmitted, model.StateEnriching, ""); err != nil {
		return nil, false, err
	}
	s.enrich(stored.ID)

	cur, err := s.store.Get(ctx, stored.ID)
	if err != nil {
		return nil, false, err
	}
	return cur, true, nil
}

// Resume restarts enrichment for requests left in submitted or enriching by a
// previous process.
func (s *Service) Resume(ctx context.Context) (int, error) {
	n := 0
	for _, st := range []model.State{model.StateSubmitted, model.StateEnriching} {
		reqs, err := s.store.List(ctx, store.Filter{State: st})
		if err != nil {
			return n, err
		}
		for _, r := range reqs {
			if st == model.StateSubmitted {
				if _, err := s.transition(ctx, r.ID, model.StateSubmitted, model.StateEnriching, "resumed"); err != nil {
					logger.Warnf("⚠️  [orchestrator] cannot resume %s: %v", r.ID, err)
					continue
				}
			}
			s.enrich(r.ID)
			n++
		}
	}
	if n > 0 {
		logger.Infof("♻️  [orchestrator] resumed %d interrupted enrichment(s)", n)
	}
	return n, nil
}

func (s *Service) enrich(id string) {
	s.lifeMu.Lock()
	if s.closed.Load() {
		s.lifeMu.Unlock()
		logger.Warnf("⚠️  [orchestrator] %s left for resume, shutting down", id)
		return
	}
	s.wg.Add(1)
	s.lifeMu.Unlock()

	go func() {
		defer s.wg.Done()

		select {
		case s.sem <- struct{}{}:
		case <-s.ctx.Done():
			return
		}
		defer func() { <-s.sem }()

		s.runEnrichment(s.ctx, id)
	}()
}

func (s *Service) runEnrichment(lookupCtx context.Context, id string) {
	ctx := context.WithoutCancel(lookupCtx)

	req, err := s.store.Get(ctx, id)
	if err != nil {
		logger.Errorf("❌ [orchestrator] loading %s for enrichment: %v", id, err)
		return
	}
	if req.State != model.StateEnriching {
		return
	}

	entry, err := s.lookup(lookupCtx, req)
	if err != nil {
		if lookupCtx.Err() != nil {
			logger.Warnf("⚠️  [orchestrator] enrichment of %s interrupted by shutdown, left for resume", id)
			return
		}
		logger.Warnf("⚠️  [orchestrator] lookup failed for %s %q: %v", id, req.Query, err)
		s.finish(ctx, id, model.StateFailed, err.Error())
		return
	}
	if req.Year > 0 && entry.Year() > 0 && entry.Year() != req.Year {
		logger.Debugf("[orchestrator] %s: requested year %d, catalog match %q is from %d", id, req.Year, entry.Title, entry.Year())
	}

	owner, err := s.store.AttachExternal(ctx, id, entry.ExternalID, entry.Title)
	if err != nil {
		if errors.Is(err, model.ErrConflict) {
			logger.Warnf("⚠️  [orchestrator] %s moved during enrichment: %v", id, err)
			return
		}
		s.finish(ctx, id, model.StateFailed, fmt.Sprintf("recording catalog match: %v", err))
		return
	}

	switch {
	case owner != nil:
		s.finish(ctx, id, model.StateDeduplicated, fmt.Sprintf("merged into %s (tmdb %d)", owner.ID, entry.ExternalID))
	case s.library.IsPresent(entry.ExternalID, req.Kind):
		s.finish(ctx, id, model.StateAlreadyAvailable, "found in library")
	default:
		s.finish(ctx, id, model.StatePending, "")
	}
}

func (s *Service) lookup(ctx context.Context, req *model.MediaRequest) (model.CatalogEntry, error) {
	if req.ExternalID != nil {
		return s.catalog.LookupByID(ctx, *req.ExternalID, req.Kind)
	}
	return s.catalog.Lookup(ctx, req.Query, req.Kind)
}

func (s *Service) finish(ctx context.Context, id string, to model.State, detail string) {
	if _, err := s.transition(ctx, id, model.StateEnriching, to, detail); err != nil {
		logger.Errorf("❌ [orchestrator] %s: %v", id, err)
	}
}

// transition records a state change and publishes its event. Both happen under
// the request's lock so subscribers see a request's events in order.
func (s *Service) transition(ctx context.Context, id string, from, to model.State, detail string) (model.RequestEvent, error) {
	unlock := s.locks.lock(id)
	defer unlock()

	ev, req, err := s.store.Transition(ctx, id, from, to, detail)
	if err != nil {
		return model.RequestEvent{}, err
	}
	s.pub.publish(Event{RequestEvent: ev, Request: req})

	logger.Infof("➡️  [orchestrator] %s: %s → %s", id, from, to)
	return ev, nil
}

// RefreshPresence re-checks the library for a pending request and moves it to
// already_available when it has shown up. Requests in other states are
// returned unchanged.
func (s *Service) RefreshPresence(ctx context.Context, id string) (*model.MediaRequest, error) {
	req, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if req.State != model.StatePending || req.ExternalID == nil {
		return req, nil
	}
	if !s.library.IsPresent(*req.ExternalID, req.Kind) {
		return req, nil
	}

	_, err = s.transition(ctx, id, model.StatePending, model.StateAlreadyAvailable, "found in library")
	if err != nil && !errors.Is(err, model.ErrConflict) {
		return nil, err
	}
	return s.store.Get(ctx, id)
}

// RefreshAllPending runs RefreshPresence over every pending request and
// returns how many became available.
func (s *Service) RefreshAllPending(ctx context.Context) (int, error) {
	pending, err := s.store.List(ctx, store.Filter{State: model.StatePending})
	if err != nil {
		return 0, err
	}

	n := 0
	for _, r := range pending {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		cur, err := s.RefreshPresence(ctx, r.ID)
		if err != nil {
			if model.IsNotFound(err) {
				continue
			}
			return n, err
		}
		if cur.State == model.StateAlreadyAvailable {
			n++
		}
	}
	return n, nil
}

// RefreshLibrary refreshes the library index and sweeps pending requests. A
// failed refresh still sweeps against the previous snapshot and returns the
// refresh error.
func (s *Service) RefreshLibrary(ctx context.Context) (int, error) {
	refreshErr := s.library.Refresh(ctx)

	n, err := s.RefreshAllPending(ctx)
	if err != nil {
		return n, err
	}
	if n > 0 {
		logger.Infof("✅ [orchestrator] %d pending request(s) now in library", n)
	}
	return n, refreshErr
}

func (s *Service) Get(ctx context.Context, id string) (*model.MediaRequest, error) {
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, f store.Filter) ([]*model.MediaRequest, error) {
	return s.store.List(ctx, f)
}

func (s *Service) Events(ctx context.Context, id string) ([]model.RequestEvent, error) {
	return s.store.Events(ctx, id)
}

// Purge deletes terminal requests untouched for longer than retention.
func (s *Service) Purge(ctx context.Context, retention time.Duration) (int, error) {
	n, err := s.store.Purge(ctx, s.now().Add(-retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		logger.Infof("🧹 [orchestrator] purged %d terminal request(s) older than %s", n, retention)
	}
	return n, nil
}

// Close stops accepting submissions, waits for in-flight enrichments and then
// for event handlers to drain. When ctx expires first, outstanding lookups are
// cancelled and their requests stay enriching until the next Resume; handlers
// still running are abandoned.
func (s *Service) Close(ctx context.Context) error {
	s.lifeMu.Lock()
	s.closed.Store(true)
	s.lifeMu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("waiting for enrichments: %w", ctx.Err()))
		// Cancelled lookups return promptly and publishing never blocks.
		s.cancel()
		<-done
	}
	s.cancel()
	if err := s.pub.close(ctx); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}
