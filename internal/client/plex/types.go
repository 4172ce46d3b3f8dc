package plex

// SectionsResponse is returned by /library/sections
type SectionsResponse struct {
	MediaContainer struct {
		Size      int       `json:"size"`
		Directory []Section `json:"Directory"`
	} `json:"MediaContainer"`
}

// Section is one Plex library
type Section struct {
	Key   string `json:"key"`
	Type  string `json:"type"` // "movie", "show", "artist", "photo"
	Title string `json:"title"`
}

// ItemsResponse is returned by /library/sections/{key}/all
type ItemsResponse struct {
	MediaContainer struct {
		Size      int        `json:"size"`
		TotalSize int        `json:"totalSize"`
		Metadata  []Metadata `json:"Metadata"`
	} `json:"MediaContainer"`
}

// Metadata is a library item. Guids are only present with includeGuids=1.
type Metadata struct {
	RatingKey string `json:"ratingKey"`
	Title     string `json:"title"`
	Type      string `json:"type"`
	Year      int    `json:"year"`
	GUID      string `json:"guid"` // primary agent guid, e.g. "plex://movie/5d77..." or legacy "com.plexapp.agents.themoviedb://438631?lang=en"
	Guids     []struct {
		ID string `json:"id"` // "tmdb://438631", "imdb://tt1160419", "tvdb://..."
	} `json:"Guid"`
}
