package store

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/high-seas/internal/model"
	"github.com/high-seas/pkg/logger"
)

type requestRecord struct {
	ID          string    `gorm:"primaryKey;size:36"`
	Kind        string    `gorm:"size:16;not null"`
	Query       string    `gorm:"not null"`
	ExternalID  *int
	Seasons     []int     `gorm:"serializer:json"`
	Quality     string    `gorm:"size:8"`
	Year        int
	Title       string
	State       string    `gorm:"size:20;index;not null"`
	Detail      string
	MergedInto  string    `gorm:"size:36"`
	DedupKey    string    `gorm:"index;not null"`
	ResolvedKey string    `gorm:"index"`
	CreatedAt   time.Time `gorm:"autoCreateTime:false;index"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (requestRecord) TableName() string { return "requests" }

type eventRecord struct {
	ID        uint      `gorm:"primaryKey"`
	RequestID string    `gorm:"size:36;index;not null"`
	FromState string    `gorm:"size:20"`
	ToState   string    `gorm:"size:20"`
	Timestamp time.Time `gorm:"not null"`
	Detail    string
}

func (eventRecord) TableName() string { return "request_events" }

// SQL persists requests through gorm on SQLite. Times are stored in UTC so
// that the driver's text encoding compares chronologically.
type SQL struct {
	db  *gorm.DB
	now func() time.Time

	// check-then-write operations (Create, AttachExternal) run under mu
	mu sync.Mutex
}

// OpenSQLite opens (creating if needed) the database at path and migrates the
// schema. Use ":memory:" for a throwaway database.
func OpenSQLite(path string) (*SQL, error) {
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("creating data dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{
		Logger: gormlogger.Default.LogMode(gormlogger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("opening sqlite %s: %w", path, err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting sql handle: %w", err)
	}
	// SQLite has a single writer, and each ":memory:" connection is a separate database.
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&requestRecord{}, &eventRecord{}); err != nil {
		return nil, fmt.Errorf("migrating schema: %w", err)
	}

	logger.Infof("💾 [store] sqlite ready at %s", path)
	return &SQL{db: db, now: func() time.Time { return time.Now().UTC() }}, nil
}

func (s *SQL) Create(ctx context.Context, req *model.MediaRequest) (*model.MediaRequest, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		stored  *model.MediaRequest
		created bool
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing requestRecord
		err := tx.Where("dedup_key = ? AND state IN ?", string(req.DedupKey), activeStates()).
			Order("created_at").
			Take(&existing).Error
		switch {
		case err == nil:
			stored = existing.toModel()
			return nil
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		rec := fromModel(req)
		if err := tx.Create(&rec).Error; err != nil {
			return err
		}
		stored, created = rec.toModel(), true
		return nil
	})
	if err != nil {
		return nil, false, fmt.Errorf("creating request: %w", err)
	}
	return stored, created, nil
}

func (s *SQL) Get(ctx context.Context, id string) (*model.MediaRequest, error) {
	rec, err := s.get(s.db.WithContext(ctx), id)
	if err != nil {
		return nil, err
	}
	return rec.toModel(), nil
}

func (s *SQL) get(tx *gorm.DB, id string) (*requestRecord, error) {
	var rec requestRecord
	err := tx.Where("id = ?", id).Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, &model.NotFoundError{ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("getting request %s: %w", id, err)
	}
	return &rec, nil
}

func (s *SQL) FindActiveByKey(ctx context.Context, key model.DedupKey) (*model.MediaRequest, error) {
	var rec requestRecord
	err := s.db.WithContext(ctx).
		Where("dedup_key = ? AND state IN ?", string(key), activeStates()).
		Order("created_at").
		Take(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("finding active request: %w", err)
	}
	return rec.toModel(), nil
}

func (s *SQL) Transition(ctx context.Context, id string, from, to model.State, detail string) (model.RequestEvent, *model.MediaRequest, error) {
	if !model.CanTransition(from, to) {
		return model.RequestEvent{}, nil, &model.TransitionError{ID: id, From: from, To: to, Actual: from}
	}

	var (
		ev  model.RequestEvent
		req *model.MediaRequest
	)
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.get(tx, id)
		if err != nil {
			return err
		}
		ts := eventTime(rec.UpdatedAt, s.now())

		// The state predicate is the optimistic guard.
		res := tx.Model(&requestRecord{}).
			Where("id = ? AND state = ?", id, string(from)).
			Updates(map[string]any{"state": string(to), "detail": detail, "updated_at": ts})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			actual := model.State(rec.State)
			if actual == from {
				if cur, err := s.get(tx, id); err == nil {
					actual = model.State(cur.State)
				}
			}
			return &model.TransitionError{ID: id, From: from, To: to, Actual: actual}
		}

		er := eventRecord{RequestID: id, FromState: string(from), ToState: string(to), Timestamp: ts, Detail: detail}
		if err := tx.Create(&er).Error; err != nil {
			return err
		}
		ev = er.toModel()

		rec.State = string(to)
		rec.Detail = detail
		rec.UpdatedAt = ts
		req = rec.toModel()
		return nil
	})
	if err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) || model.IsNotFound(err) {
			return model.RequestEvent{}, nil, err
		}
		return model.RequestEvent{}, nil, fmt.Errorf("transitioning request %s: %w", id, err)
	}
	return ev, req, nil
}

func (s *SQL) AttachExternal(ctx context.Context, id string, externalID int, title string) (*model.MediaRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var owner *model.MediaRequest
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		rec, err := s.get(tx, id)
		if err != nil {
			return err
		}
		if model.State(rec.State) != model.StateEnriching {
			return &model.TransitionError{ID: id, From: model.StateEnriching, To: model.StateEnriching, Actual: model.State(rec.State)}
		}

		r := rec.toModel()
		r.ExternalID = &externalID
		key, _ := r.ResolvedKey()

		updates := map[string]any{
			"external_id":  externalID,
			"title":        title,
			"resolved_key": string(key),
			"updated_at":   eventTime(rec.UpdatedAt, s.now()),
		}

		var ownerRec requestRecord
		err = tx.Where("resolved_key = ? AND id <> ? AND merged_into = '' AND state IN ?", string(key), id, activeStates()).
			Order("created_at").
			Take(&ownerRec).Error
		switch {
		case err == nil:
			owner = ownerRec.toModel()
			updates["merged_into"] = owner.ID
		case !errors.Is(err, gorm.ErrRecordNotFound):
			return err
		}

		return tx.Model(&requestRecord{}).Where("id = ?", id).Updates(updates).Error
	})
	if err != nil {
		var te *model.TransitionError
		if errors.As(err, &te) || model.IsNotFound(err) {
			return nil, err
		}
		return nil, fmt.Errorf("attaching external id to %s: %w", id, err)
	}
	return owner, nil
}

func (s *SQL) List(ctx context.Context, f Filter) ([]*model.MediaRequest, error) {
	q := s.db.WithContext(ctx).Order("created_at DESC").Order("id")
	if f.State != "" {
		q = q.Where("state = ?", string(f.State))
	}
	if f.Kind != "" {
		q = q.Where("kind = ?", string(f.Kind))
	}
	if f.Limit > 0 {
		q = q.Limit(f.Limit)
	}

	var recs []requestRecord
	if err := q.Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing requests: %w", err)
	}

	out := make([]*model.MediaRequest, 0, len(recs))
	for i := range recs {
		out = append(out, recs[i].toModel())
	}
	return out, nil
}

func (s *SQL) Events(ctx context.Context, id string) ([]model.RequestEvent, error) {
	db := s.db.WithContext(ctx)
	if _, err := s.get(db, id); err != nil {
		return nil, err
	}

	var recs []eventRecord
	if err := db.Where("request_id = ?", id).Order("id").Find(&recs).Error; err != nil {
		return nil, fmt.Errorf("listing events for %s: %w", id, err)
	}

	out := make([]model.RequestEvent, 0, len(recs))
	for _, r := range recs {
		out = append(out, r.toModel())
	}
	return out, nil
}

func (s *SQL) Purge(ctx context.Context, cutoff time.Time) (int, error) {
	var n int
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var ids []string
		err := tx.Model(&requestRecord{}).
			Where("state NOT IN ? AND updated_at < ?", activeStates(), cutoff.UTC()).
			Pluck("id", &ids).Error
		if err != nil || len(ids) == 0 {
			return err
		}

		if err := tx.Where("request_id IN ?", ids).Delete(&eventRecord{}).Error; err != nil {
			return err
		}
		if err := tx.Where("id IN ?", ids).Delete(&requestRecord{}).Error; err != nil {
			return err
		}
		n = len(ids)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("purging requests: %w", err)
	}
	return n, nil
}

func (s *SQL) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func activeStates() []string {
	states := model.ActiveStates()
	out := make([]string, len(states))
	for i, st := range states {
		out[i] = string(st)
	}
	return out
}

func fromModel(r *model.MediaRequest) requestRecord {
	rec := requestRecord{
		ID:         r.ID,
		Kind:       string(r.Kind),
		Query:      r.Query,
		ExternalID: r.ExternalID,
		Seasons:    r.Seasons,
		Quality:    string(r.Quality),
		Year:       r.Year,
		Title:      r.Title,
		State:      string(r.State),
		Detail:     r.Detail,
		MergedInto: r.MergedInto,
		DedupKey:   string(r.DedupKey),
		CreatedAt:  r.CreatedAt.UTC(),
		UpdatedAt:  r.UpdatedAt.UTC(),
	}
	if key, ok := r.ResolvedKey(); ok {
		rec.ResolvedKey = string(key)
	}
	return rec
}

func (rec *requestRecord) toModel() *model.MediaRequest {
	r := &model.MediaRequest{
		ID:         rec.ID,
		Kind:       model.MediaKind(rec.Kind),
		Query:      rec.Query,
		Seasons:    rec.Seasons,
		Quality:    model.Quality(rec.Quality),
		Year:       rec.Year,
		Title:      rec.Title,
		State:      model.State(rec.State),
		Detail:     rec.Detail,
		MergedInto: rec.MergedInto,
		DedupKey:   model.DedupKey(rec.DedupKey),
		CreatedAt:  rec.CreatedAt,
		UpdatedAt:  rec.UpdatedAt,
	}
	if rec.ExternalID != nil {
		id := *rec.ExternalID
		r.ExternalID = &id
	}
	return r
}

func (er eventRecord) toModel() model.RequestEvent {
	return model.RequestEvent{
		RequestID: er.RequestID,
		From:      model.State(er.FromState),
		To:        model.State(er.ToState),
		Timestamp: er.Timestamp,
		Detail:    er.Detail,
	}
}
