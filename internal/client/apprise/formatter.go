package apprise

import (
	"fmt"
	"strings"

	"github.com/high-seas/internal/model"
)

// SlackFormatter formats messages for Slack readability
type SlackFormatter struct{}

// FormatRequest renders a request after a transition. Seasons are listed for
// TV kinds, the catalog match when one is known.
func (f *SlackFormatter) FormatRequest(req *model.MediaRequest, ev model.RequestEvent) string {
	var sb strings.Builder

	name := req.Title
	if name == "" {
		name = req.Query
	}
	fmt.Fprintf(&sb, "*%s*", name)
	if req.Kind.IsTV() && len(req.Seasons) > 0 {
		sb.WriteString(" " + formatSeasons(req.Seasons))
	}
	fmt.Fprintf(&sb, " (%s, %s)\n", kindLabel(req.Kind), req.Quality)

	if req.ExternalID != nil {
		fmt.Fprintf(&sb, "• TMDb: %d\n", *req.ExternalID)
	}
	if req.Title != "" && !strings.EqualFold(req.Title, req.Query) {
		fmt.Fprintf(&sb, "• Requested as: %q\n", req.Query)
	}
	fmt.Fprintf(&sb, "• State: %s → %s\n", ev.From, ev.To)
	if ev.Detail != "" {
		fmt.Fprintf(&sb, "• %s\n", ev.Detail)
	}
	fmt.Fprintf(&sb, "_%s_", req.ID)

	return sb.String()
}

// formatSeasons renders sorted seasons as "S01-S03, S05".
func formatSeasons(seasons []int) string {
	var parts []string
	for i := 0; i < len(seasons); {
		j := i
		for j+1 < len(seasons) && seasons[j+1] == seasons[j]+1 {
			j++
		}
		if i == j {
			parts = append(parts, fmt.Sprintf("S%02d", seasons[i]))
		} else {
			parts = append(parts, fmt.Sprintf("S%02d-S%02d", seasons[i], seasons[j]))
		}
		i = j + 1
	}
	return strings.Join(parts, ", ")
}

func kindLabel(k model.MediaKind) string {
	switch k {
	case model.KindMovie:
		return "movie"
	case model.KindTV:
		return "TV"
	case model.KindAnimeMovie:
		return "anime movie"
	case model.KindAnimeTV:
		return "anime TV"
	}
	return string(k)
}
