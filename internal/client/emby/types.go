package emby

import "strconv"

type ItemsResponse struct {
	Items            []Item `json:"Items"`
	TotalRecordCount int    `json:"TotalRecordCount"`
}

type Item struct {
	ID          string      `json:"Id"`
	Name        string      `json:"Name"`
	Type        string      `json:"Type"`
	ParentID    string      `json:"ParentId"`
	ProviderIDs ProviderIDs `json:"ProviderIds"`
}

type VirtualFolder struct {
	Name           string `json:"Name"`
	ItemID         string `json:"ItemId"`
	CollectionType string `json:"CollectionType"` // "movies", "tvshows", "music", "" for mixed
}

// holds reports whether the library can contain movies and/or series.
func (f VirtualFolder) holds() (movies, shows bool) {
	switch f.CollectionType {
	case "movies":
		return true, false
	case "tvshows":
		return false, true
	case "", "mixed":
		return true, true
	default:
		return false, false
	}
}

type ProviderIDs struct {
	Tvdb string `json:"Tvdb"`
	Tmdb string `json:"Tmdb"`
	Imdb string `json:"Imdb"`
}

func ParseProviderID(ids ProviderIDs, key string) int {
	var val string
	switch key {
	case "Tvdb":
		val = ids.Tvdb
	case "Tmdb":
		val = ids.Tmdb
	default:
		return 0
	}
	if val == "" {
		return 0
	}
	id, err := strconv.Atoi(val)
	if err != nil {
		return 0
	}
	return id
}
