package tmdb

import (
	"encoding/json"

	"github.com/high-seas/internal/model"
)

// AnimationGenreID is TMDb's "Animation" genre; anime lookups prefer results carrying it.
const AnimationGenreID = 16

// SearchResponse is the paginated envelope of /search/{movie,tv}
type SearchResponse struct {
	Page         int               `json:"page"`
	TotalPages   int               `json:"total_pages"`
	TotalResults int               `json:"total_results"`
	Results      []json.RawMessage `json:"results"`
}

// GenreResponse is returned by /genre/{movie,tv}/list
type GenreResponse struct {
	Genres []Genre `json:"genres"`
}

type Genre = model.Genre

// result carries the union of movie and TV fields from search results and
// detail payloads. Fields are decoded one by one so a single odd value never
// fails the whole entry.
type result struct {
	ID               int
	Title            string // movie
	OriginalTitle    string
	Name             string // tv
	OriginalName     string
	Overview         string
	ReleaseDate      string // movie
	FirstAirDate     string // tv
	Popularity       float64
	VoteAverage      float64
	VoteCount        int
	GenreIDs         []int   // search results
	Genres           []Genre // detail payloads
	PosterPath       string
	OriginalLanguage string
}

func decodeResult(raw json.RawMessage) (result, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return result{}, err
	}

	var r result
	field(fields, "id", &r.ID)
	field(fields, "title", &r.Title)
	field(fields, "original_title", &r.OriginalTitle)
	field(fields, "name", &r.Name)
	field(fields, "original_name", &r.OriginalName)
	field(fields, "overview", &r.Overview)
	field(fields, "release_date", &r.ReleaseDate)
	field(fields, "first_air_date", &r.FirstAirDate)
	field(fields, "popularity", &r.Popularity)
	field(fields, "vote_average", &r.VoteAverage)
	field(fields, "vote_count", &r.VoteCount)
	field(fields, "genre_ids", &r.GenreIDs)
	field(fields, "genres", &r.Genres)
	field(fields, "poster_path", &r.PosterPath)
	field(fields, "original_language", &r.OriginalLanguage)
	return r, nil
}

// field decodes one optional value; anything unparseable leaves the zero value.
func field[T any](fields map[string]json.RawMessage, key string, dst *T) {
	raw, ok := fields[key]
	if !ok {
		return
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		return
	}
	*dst = v
}

func (r result) hasGenre(id int) bool {
	for _, g := range r.GenreIDs {
		if g == id {
			return true
		}
	}
	for _, g := range r.Genres {
		if g.ID == id {
			return true
		}
	}
	return false
}

// normalize maps a movie or TV payload onto CatalogEntry. ok is false when the
// id or the title is missing.
func (r result) normalize(kind model.MediaKind) (model.CatalogEntry, bool) {
	title, date := r.Title, r.ReleaseDate
	if title == "" {
		title = r.OriginalTitle
	}
	if kind.IsTV() || title == "" {
		if r.Name != "" {
			title = r.Name
		} else if r.OriginalName != "" {
			title = r.OriginalName
		}
		if r.FirstAirDate != "" {
			date = r.FirstAirDate
		}
	}

	if r.ID <= 0 || title == "" {
		return model.CatalogEntry{}, false
	}

	genres := r.GenreIDs
	if len(genres) == 0 && len(r.Genres) > 0 {
		genres = make([]int, 0, len(r.Genres))
		for _, g := range r.Genres {
			genres = append(genres, g.ID)
		}
	}
	if genres == nil {
		genres = []int{}
	}

	return model.CatalogEntry{
		ExternalID:  r.ID,
		Kind:        kind,
		Title:       title,
		Overview:    r.Overview,
		ReleaseDate: date,
		Popularity:  r.Popularity,
		VoteAverage: r.VoteAverage,
		VoteCount:   r.VoteCount,
		GenreIDs:    genres,
		PosterPath:  r.PosterPath,
	}, true
}
