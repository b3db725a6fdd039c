package out

import (
	"context"

	"github.com/appnoxtech/mini-crm-backend-sub003/core/domain"
)

// RealtimePort pushes events to connected clients.
type RealtimePort interface {
	Subscribe(userID string) <-chan *domain.RealtimeEvent
	Unsubscribe(userID string, ch <-chan *domain.RealtimeEvent)
	Push(ctx context.Context, userID string, event *domain.RealtimeEvent) error
	ConnectedCount() int
}
