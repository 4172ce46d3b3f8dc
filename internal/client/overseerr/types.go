package overseerr

// MediaType for Overseerr API
type MediaType string

const (
	MediaTypeTV    MediaType = "tv"
	MediaTypeMovie MediaType = "movie"
)

// MediaStatus represents the status of media in Overseerr
type MediaStatus int

const (
	MediaStatusUnknown        MediaStatus = 1
	MediaStatusPending        MediaStatus = 2
	MediaStatusProcessing     MediaStatus = 3
	MediaStatusPartiallyAvail MediaStatus = 4
	MediaStatusAvailable      MediaStatus = 5
)

type MediaInfo struct {
	ID      int          `json:"id"`
	TMDBID  int          `json:"tmdbId"`
	Status  MediaStatus  `json:"status"`
	Seasons []SeasonInfo `json:"seasons,omitempty"`
}

type SeasonInfo struct {
	SeasonNumber int         `json:"seasonNumber"`
	Status       MediaStatus `json:"status"`
}

// Details is the subset of /movie/{id} and /tv/{id} we read
type Details struct {
	ID        int        `json:"id"`
	MediaInfo *MediaInfo `json:"mediaInfo,omitempty"`
}

// MediaRequest is the payload of POST /request. Seasons is omitted for movies.
type MediaRequest struct {
	MediaType string `json:"mediaType"`
	MediaID   int    `json:"mediaId"` // TMDB ID
	Seasons   []int  `json:"seasons,omitempty"`
	UserID    int    `json:"userId,omitempty"` // Request as specific user
}

// RequestResponse after creating a request
type RequestResponse struct {
	ID        int    `json:"id"`
	Status    int    `json:"status"`
	CreatedAt string `json:"createdAt"`
}
