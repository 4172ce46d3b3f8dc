package notify

import (
	"context"
	"time"

	"github.com/high-seas/internal/client/apprise"
	"github.com/high-seas/internal/model"
	"github.com/high-seas/internal/service/orchestrator"
	"github.com/high-seas/pkg/logger"
)

// Sender delivers request notifications; *apprise.Client satisfies it.
type Sender interface {
	NotifyRequest(ctx context.Context, req *model.MediaRequest, ev model.RequestEvent) error
	IsEnabled() bool
}

// Service turns request events into notifications
type Service struct {
	sender  Sender
	timeout time.Duration
}

func NewService(sender Sender) *Service {
	return &Service{
		sender:  sender,
		timeout: 30 * time.Second,
	}
}

// Handle is an orchestrator.Handler.
func (s *Service) Handle(ev orchestrator.Event) {
	if s.sender == nil || !s.sender.IsEnabled() {
		return
	}
	if _, _, ok := apprise.Outcome(ev.To); !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	if err := s.sender.NotifyRequest(ctx, ev.Request, ev.RequestEvent); err != nil {
		logger.Warnf("🔔 Failed to send notification for %s: %v", ev.RequestID, err)
		return
	}
	logger.Debugf("🔔 Notification sent for %s (%s)", ev.RequestID, ev.To)
}
