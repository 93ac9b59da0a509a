// Package reviewportal defines the port through which review units are
// handed to human reviewers.
package reviewportal

import (
	"context"

	"github.com/Strob0t/DocFlow/internal/domain/confidence"
)

// Request describes one unit a reviewer must resolve. Escalation is 0 for
// the first announcement and counts re-announcements after the SLA.
type Request struct {
	ExecutionID string             `json:"execution_id"`
	DocumentURI string             `json:"document_uri"`
	UnitID      string             `json:"unit_id"`
	SectionID   string             `json:"section_id"`
	Page        int                `json:"page,omitempty"`
	WaitToken   string             `json:"wait_token"`
	Alerts      []confidence.Alert `json:"alerts,omitempty"`
	ReviewURL   string             `json:"review_url,omitempty"`
	Escalation  int                `json:"escalation,omitempty"`
}

// Portal announces review work. Delivery is at-least-once; the portal must
// tolerate repeated requests for the same wait token.
type Portal interface {
	RequestReview(ctx context.Context, req Request) error
}
