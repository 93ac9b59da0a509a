package nats

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/Strob0t/DocFlow/internal/port/messagequeue"
	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
)

// Portal announces review work on the reviews.requested subject. The
// review portal answers on reviews.completed with the same wait token.
type Portal struct {
	queue messagequeue.Queue
}

var _ reviewportal.Portal = (*Portal)(nil)

// NewPortal returns a Portal publishing through q.
func NewPortal(q messagequeue.Queue) *Portal {
	return &Portal{queue: q}
}

// RequestReview publishes req.
func (p *Portal) RequestReview(ctx context.Context, req reviewportal.Request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal review request %s: %w", req.UnitID, err)
	}
	return p.queue.Publish(ctx, messagequeue.SubjectReviewRequested, data)
}
