package service

import (
	"context"
	"fmt"
	"net/url"
	"time"

	dfotel "github.com/Strob0t/DocFlow/internal/adapter/otel"
	"github.com/Strob0t/DocFlow/internal/config"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/logger"
	"github.com/Strob0t/DocFlow/internal/port/broadcast"
	"github.com/Strob0t/DocFlow/internal/port/notifier"
	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
)

// reviewRequestedEvent is what websocket clients see of a review request.
// The wait token stays with the portal.
type reviewRequestedEvent struct {
	ExecutionID string `json:"execution_id"`
	UnitID      string `json:"unit_id"`
	SectionID   string `json:"section_id"`
	Page        int    `json:"page,omitempty"`
	Escalation  int    `json:"escalation,omitempty"`
}

// HITLService hands review units to reviewers and escalates the ones left
// waiting past the SLA. Opening and completing units are mutations of the
// execution and live with the orchestrator; this service only talks to the
// outside.
type HITLService struct {
	portal   reviewportal.Portal
	notifier notifier.Notifier
	hub      broadcast.Broadcaster
	metrics  *dfotel.Metrics
	cfg      config.Review
}

// NewHITLService creates a HITLService that announces through portal.
func NewHITLService(portal reviewportal.Portal, hub broadcast.Broadcaster, cfg config.Review) *HITLService {
	if hub == nil {
		hub = broadcast.Nop{}
	}
	return &HITLService{portal: portal, hub: hub, cfg: cfg}
}

// SetNotifier sets the operator channel told about escalations.
func (h *HITLService) SetNotifier(n notifier.Notifier) { h.notifier = n }

// SetMetrics sets the OTEL metric instruments.
func (h *HITLService) SetMetrics(m *dfotel.Metrics) { h.metrics = m }

// Announce sends one review request. escalation is 0 for the first
// announcement and counts reminders after that.
func (h *HITLService) Announce(ctx context.Context, e *execution.Execution, u *execution.ReviewUnit, escalation int) error {
	link := h.reviewURL(u.WaitToken)
	req := reviewportal.Request{
		ExecutionID: e.ID,
		DocumentURI: e.Document.URI,
		UnitID:      u.ID,
		SectionID:   u.SectionID,
		Page:        u.Page,
		WaitToken:   u.WaitToken,
		Alerts:      u.Alerts,
		ReviewURL:   link,
		Escalation:  escalation,
	}
	if err := h.portal.RequestReview(ctx, req); err != nil {
		return fmt.Errorf("request review %s/%s: %w", e.ID, u.ID, err)
	}
	h.hub.BroadcastEvent(ctx, broadcast.EventReviewRequested, reviewRequestedEvent{
		ExecutionID: e.ID,
		UnitID:      u.ID,
		SectionID:   u.SectionID,
		Page:        u.Page,
		Escalation:  escalation,
	})
	if escalation == 0 {
		return nil
	}

	if h.metrics != nil {
		h.metrics.ReviewsEscalated.Add(ctx, 1)
	}
	logger.From(ctx).Warn("review overdue", "execution_id", e.ID, "unit_id", u.ID, "escalation", escalation)
	if h.notifier != nil {
		n := notifier.Notification{
			Title:   "Review overdue",
			Message: fmt.Sprintf("Unit %s of execution %s has waited more than %s (reminder %d).", u.ID, e.ID, h.cfg.SLA, escalation),
			Level:   "warning",
			Source:  "review.escalated",
			Link:    link,
		}
		if err := h.notifier.Send(ctx, n); err != nil {
			logger.From(ctx).Warn("escalation notification failed", "notifier", h.notifier.Name(), "execution_id", e.ID, "error", err)
		}
	}
	return nil
}

// due reports whether a waiting unit needs its first announcement or an
// escalation at now.
func (h *HITLService) due(u *execution.ReviewUnit, now time.Time) (announce, escalate bool) {
	if u.Status != execution.UnitWaiting {
		return false, false
	}
	if u.NotifiedAt == nil {
		return true, false
	}
	return false, h.cfg.SLA > 0 && now.Sub(*u.NotifiedAt) >= h.cfg.SLA
}

func (h *HITLService) reviewURL(token string) string {
	if h.cfg.PortalURL == "" {
		return ""
	}
	u, err := url.Parse(h.cfg.PortalURL)
	if err != nil {
		return ""
	}
	q := u.Query()
	q.Set("token", token)
	u.RawQuery = q.Encode()
	return u.String()
}

// announceReviews announces every waiting unit of e that is due and
// records the announcements. Units whose request failed stay unrecorded
// and are retried by the sweeper.
func (s *OrchestratorService) announceReviews(ctx context.Context, e *execution.Execution) {
	if s.hitl == nil {
		return
	}
	now := s.now()
	sent := make(map[string]bool)
	for _, u := range e.WaitingUnits() {
		announce, escalate := s.hitl.due(u, now)
		if !announce && !escalate {
			continue
		}
		level := 0
		if escalate {
			level = u.Escalations + 1
		}
		if err := s.hitl.Announce(ctx, e, u, level); err != nil {
			logger.From(ctx).Warn("review announcement failed", "execution_id", e.ID, "unit_id", u.ID, "error", err)
			continue
		}
		sent[u.ID] = escalate
	}
	if len(sent) == 0 {
		return
	}

	_, _, err := s.mutate(ctx, e.ID, func(cur *execution.Execution) error {
		if cur.State != execution.StateAwaitingReview {
			return errNoChange
		}
		recorded := false
		for _, u := range cur.WaitingUnits() {
			escalated, ok := sent[u.ID]
			if !ok {
				continue
			}
			at := now
			u.NotifiedAt = &at
			if escalated {
				u.Escalations++
			}
			recorded = true
		}
		if !recorded {
			return errNoChange
		}
		return nil
	})
	if err != nil {
		logger.From(ctx).Warn("record review announcement failed", "execution_id", e.ID, "error", err)
	}
}
