package model

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
)

// MediaKind identifies what is being requested
type MediaKind string

const (
	KindMovie      MediaKind = "movie"
	KindTV         MediaKind = "tv"
	KindAnimeMovie MediaKind = "anime_movie"
	KindAnimeTV    MediaKind = "anime_tv"
)

// ParseMediaKind accepts the canonical names plus the spellings used by older clients
// (e.g. "TvShow", "AnimeMovie", "show").
func ParseMediaKind(s string) (MediaKind, bool) {
	r := strings.NewReplacer("_", "", "-", "", " ", "")
	switch r.Replace(strings.ToLower(strings.TrimSpace(s))) {
	case "movie":
		return KindMovie, true
	case "tv", "tvshow", "show":
		return KindTV, true
	case "animemovie":
		return KindAnimeMovie, true
	case "animetv", "animeshow", "animetvshow":
		return KindAnimeTV, true
	}
	return "", false
}

// IsTV reports whether requests of this kind carry seasons
func (k MediaKind) IsTV() bool {
	return k == KindTV || k == KindAnimeTV
}

// IsAnime reports whether the kind is one of the anime variants
func (k MediaKind) IsAnime() bool {
	return k == KindAnimeMovie || k == KindAnimeTV
}

// Quality is the requested release profile
type Quality string

const (
	Quality480p  Quality = "480p"
	Quality720p  Quality = "720p"
	Quality1080p Quality = "1080p"
	Quality2160p Quality = "2160p"

	DefaultQuality = Quality1080p
)

// ParseQuality normalizes a quality string. Empty input yields DefaultQuality.
func ParseQuality(s string) (Quality, bool) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "":
		return DefaultQuality, true
	case "480p", "sd":
		return Quality480p, true
	case "720p", "hd":
		return Quality720p, true
	case "1080p", "fhd", "fullhd":
		return Quality1080p, true
	case "2160p", "4k", "uhd":
		return Quality2160p, true
	}
	return "", false
}

// MediaRequest is a single submission and its lifecycle state
type MediaRequest struct {
	ID         string    `json:"id"`
	Kind       MediaKind `json:"mediaKind"`
	Query      string    `json:"query"`
	ExternalID *int      `json:"externalId,omitempty"`
	Seasons    []int     `json:"seasons,omitempty"`
	Quality    Quality   `json:"quality"`
	Year       int       `json:"year,omitempty"`
	Title      string    `json:"title,omitempty"` // resolved catalog title
	State      State     `json:"state"`
	Detail     string    `json:"detail,omitempty"`
	MergedInto string    `json:"mergedInto,omitempty"`
	DedupKey   DedupKey  `json:"-"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// NewRequestID returns a fresh opaque request id
func NewRequestID() string {
	return uuid.New().String()
}

// Clone returns a deep copy safe to hand out of a store
func (r *MediaRequest) Clone() *MediaRequest {
	if r == nil {
		return nil
	}
	c := *r
	if r.ExternalID != nil {
		id := *r.ExternalID
		c.ExternalID = &id
	}
	c.Seasons = slices.Clone(r.Seasons)
	return &c
}

// ResolvedKey identifies a request after enrichment: the catalog id replaces the
// free-text title so that differently spelled queries for one title collide.
func (r *MediaRequest) ResolvedKey() (DedupKey, bool) {
	if r.ExternalID == nil {
		return "", false
	}
	return DedupKey(fmt.Sprintf("tmdb:%d|%s|%s", *r.ExternalID, r.Kind, joinSeasons(r.Seasons))), true
}

// RequestEvent records one state transition
type RequestEvent struct {
	RequestID string    `json:"requestId"`
	From      State     `json:"fromState"`
	To        State     `json:"toState"`
	Timestamp time.Time `json:"timestamp"`
	Detail    string    `json:"detail,omitempty"`
}

// CatalogEntry is the normalized metadata for a movie or show
type CatalogEntry struct {
	ExternalID  int       `json:"externalId"`
	Kind        MediaKind `json:"mediaKind"`
	Title       string    `json:"title"`
	Overview    string    `json:"overview"`
	ReleaseDate string    `json:"releaseDate,omitempty"` // first air date for shows
	Popularity  float64   `json:"popularity"`
	VoteAverage float64   `json:"voteAverage"`
	VoteCount   int       `json:"voteCount"`
	GenreIDs    []int     `json:"genres"`
	PosterPath  string    `json:"posterPath,omitempty"`
}

// Genre is one catalog genre. Movie and show genres are separate lists.
type Genre struct {
	ID   int    `json:"id"`
	Name string `json:"name"`
}

// Year returns the release year or 0 when the date is unknown
func (e CatalogEntry) Year() int {
	if len(e.ReleaseDate) < 4 {
		return 0
	}
	var y int
	if _, err := fmt.Sscanf(e.ReleaseDate[:4], "%d", &y); err != nil {
		return 0
	}
	return y
}

// SubmitInput is the raw, unvalidated shape accepted from clients
type SubmitInput struct {
	Query      string `json:"query"`
	MediaKind  string `json:"mediaKind"`
	Seasons    []int  `json:"seasons,omitempty"`
	Quality    string `json:"quality,omitempty"`
	ExternalID *int   `json:"externalId,omitempty"`
	Year       int    `json:"year,omitempty"`
}

// UnmarshalJSON also accepts the "TMDb" id field sent by the legacy web client.
func (in *SubmitInput) UnmarshalJSON(data []byte) error {
	type plain SubmitInput
	aux := struct {
		*plain
		TMDb *int `json:"TMDb,omitempty"`
	}{plain: (*plain)(in)}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	if in.ExternalID == nil && aux.TMDb != nil && *aux.TMDb > 0 {
		id := *aux.TMDb
		in.ExternalID = &id
	}
	return nil
}

// Validate checks the input and returns the request it describes, in state Submitted.
func (in SubmitInput) Validate(now time.Time) (*MediaRequest, error) {
	query := strings.TrimSpace(in.Query)
	if query == "" {
		return nil, &ValidationError{Field: "query", Message: "must not be empty"}
	}
	if NormalizeTitle(query) == "" {
		return nil, &ValidationError{Field: "query", Message: "must contain letters or digits"}
	}

	kind, ok := ParseMediaKind(in.MediaKind)
	if !ok {
		return nil, &ValidationError{Field: "mediaKind", Message: fmt.Sprintf("unknown media kind %q", in.MediaKind)}
	}

	quality, ok := ParseQuality(in.Quality)
	if !ok {
		return nil, &ValidationError{Field: "quality", Message: fmt.Sprintf("unknown quality %q", in.Quality)}
	}

	if in.ExternalID != nil && *in.ExternalID <= 0 {
		return nil, &ValidationError{Field: "externalId", Message: "must be positive"}
	}

	var seasons []int
	if kind.IsTV() {
		if len(in.Seasons) == 0 {
			return nil, &ValidationError{Field: "seasons", Message: "required for TV requests"}
		}
		for _, s := range in.Seasons {
			if s < 0 {
				return nil, &ValidationError{Field: "seasons", Message: fmt.Sprintf("invalid season %d", s)}
			}
		}
		seasons = slices.Clone(in.Seasons)
		slices.Sort(seasons)
		seasons = slices.Compact(seasons)
	}

	req := &MediaRequest{
		ID:        NewRequestID(),
		Kind:      kind,
		Query:     query,
		Seasons:   seasons,
		Quality:   quality,
		Year:      in.Year,
		State:     StateSubmitted,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if in.ExternalID != nil {
		id := *in.ExternalID
		req.ExternalID = &id
	}
	req.DedupKey = NewDedupKey(query, kind, seasons)
	return req, nil
}
