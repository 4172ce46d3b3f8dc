package fulfill

import (
	"context"
	"time"

	"github.com/high-seas/internal/client/overseerr"
	"github.com/high-seas/internal/model"
	"github.com/high-seas/internal/service/orchestrator"
	"github.com/high-seas/pkg/logger"
)

// Upstream accepts requests for fulfillment; *overseerr.Client satisfies it.
type Upstream interface {
	GetDetails(ctx context.Context, tmdbID int, kind model.MediaKind) (*overseerr.Details, error)
	Request(ctx context.Context, tmdbID int, kind model.MediaKind, seasons []int) (*overseerr.RequestResponse, error)
}

// Service hands requests that reached pending to the fulfillment upstream.
// Failures are logged; the request stays pending either way.
type Service struct {
	upstream Upstream
	timeout  time.Duration
}

func NewService(upstream Upstream) *Service {
	return &Service{upstream: upstream, timeout: time.Minute}
}

// Handle is an orchestrator.Handler.
func (s *Service) Handle(ev orchestrator.Event) {
	if ev.To != model.StatePending || ev.Request == nil || ev.Request.ExternalID == nil {
		return
	}
	req := ev.Request
	tmdbID := *req.ExternalID

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	details, err := s.upstream.GetDetails(ctx, tmdbID, req.Kind)
	if err != nil {
		logger.Warnf("⚠️  [fulfill] checking %s (TMDB=%d) in Overseerr: %v", req.ID, tmdbID, err)
		return
	}
	if overseerr.Covered(details, req.Kind, req.Seasons) {
		logger.Infof("⏭️  [fulfill] %s: %q already requested in Overseerr", req.ID, req.Title)
		return
	}

	if _, err := s.upstream.Request(ctx, tmdbID, req.Kind, req.Seasons); err != nil {
		logger.Errorf("❌ [fulfill] forwarding %s to Overseerr: %v", req.ID, err)
	}
}
