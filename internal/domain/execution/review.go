package execution

import (
	"encoding/json"
	"fmt"
	"slices"
	"time"

	"github.com/Strob0t/DocFlow/internal/domain"
	"github.com/Strob0t/DocFlow/internal/domain/confidence"
)

// UnitStatus is the lifecycle of a review unit.
type UnitStatus string

const (
	UnitWaiting   UnitStatus = "WAITING"
	UnitCompleted UnitStatus = "COMPLETED"
	UnitCancelled UnitStatus = "CANCELLED"
)

// ReviewResult is what a reviewer submits for one unit.
type ReviewResult struct {
	Reviewer    string                     `json:"reviewer,omitempty"`
	Corrections map[string]json.RawMessage `json:"corrections,omitempty"`
	Comment     string                     `json:"comment,omitempty"`
}

// ReviewUnit is one outstanding human review, embedded in its execution so
// that opening and resolving units share the execution's CAS.
type ReviewUnit struct {
	ID          string             `json:"id"`
	SectionID   string             `json:"section_id"`
	Page        int                `json:"page,omitempty"`
	WaitToken   string             `json:"wait_token"`
	Status      UnitStatus         `json:"status"`
	Alerts      []confidence.Alert `json:"alerts,omitempty"`
	Result      *ReviewResult      `json:"result,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	CompletedAt *time.Time         `json:"completed_at,omitempty"`
	NotifiedAt  *time.Time         `json:"notified_at,omitempty"`
	Escalations int                `json:"escalations,omitempty"`
}

// Unit returns the review unit with the given id, or nil.
func (e *Execution) Unit(id string) *ReviewUnit {
	for i := range e.ReviewUnits {
		if e.ReviewUnits[i].ID == id {
			return &e.ReviewUnits[i]
		}
	}
	return nil
}

// OpenReview records one WAITING unit per gate unit and moves e to
// AWAITING_REVIEW in the same mutation. tokenFor mints the wait token for a
// unit id.
func (e *Execution) OpenReview(units []confidence.Unit, tokenFor func(unitID string) string, now time.Time) error {
	if len(units) == 0 {
		return fmt.Errorf("open review with no units: %w", domain.ErrValidation)
	}
	if err := e.TransitionTo(StateAwaitingReview, now); err != nil {
		return err
	}
	e.ReviewUnits = make([]ReviewUnit, 0, len(units))
	e.PendingReviewUnits = make([]string, 0, len(units))
	for _, u := range units {
		e.ReviewUnits = append(e.ReviewUnits, ReviewUnit{
			ID:        u.ID,
			SectionID: u.SectionID,
			Page:      u.Page,
			WaitToken: tokenFor(u.ID),
			Status:    UnitWaiting,
			Alerts:    u.Alerts,
			CreatedAt: now,
		})
		e.PendingReviewUnits = append(e.PendingReviewUnits, u.ID)
	}
	return nil
}

// CompleteUnit resolves the unit identified by token. It returns true when
// this resolution emptied the pending set and moved e to FINALIZING.
// A token for a unit that is no longer waiting yields ErrStaleEvent.
// A token that matches no unit yields ErrNotFound.
func (e *Execution) CompleteUnit(token string, result ReviewResult, now time.Time) (bool, error) {
	var u *ReviewUnit
	for i := range e.ReviewUnits {
		if e.ReviewUnits[i].WaitToken == token {
			u = &e.ReviewUnits[i]
			break
		}
	}
	if u == nil {
		return false, fmt.Errorf("wait token: %w", domain.ErrNotFound)
	}
	if e.State != StateAwaitingReview || u.Status != UnitWaiting {
		return false, fmt.Errorf("unit %s is %s in %s: %w", u.ID, u.Status, e.State, domain.ErrStaleEvent)
	}

	u.Status = UnitCompleted
	u.Result = &result
	u.CompletedAt = &now
	e.PendingReviewUnits = slices.DeleteFunc(e.PendingReviewUnits, func(id string) bool { return id == u.ID })

	if len(e.PendingReviewUnits) > 0 {
		return false, nil
	}
	e.PendingReviewUnits = nil
	if err := e.TransitionTo(StateFinalizing, now); err != nil {
		return false, err
	}
	return true, nil
}

// WaitingUnits returns the units still awaiting a reviewer.
func (e *Execution) WaitingUnits() []*ReviewUnit {
	var out []*ReviewUnit
	for i := range e.ReviewUnits {
		if e.ReviewUnits[i].Status == UnitWaiting {
			out = append(out, &e.ReviewUnits[i])
		}
	}
	return out
}

func (e *Execution) cancelUnits(now time.Time) {
	for i := range e.ReviewUnits {
		if e.ReviewUnits[i].Status == UnitWaiting {
			e.ReviewUnits[i].Status = UnitCancelled
			e.ReviewUnits[i].CompletedAt = &now
		}
	}
	e.PendingReviewUnits = nil
}

// Corrected returns the extraction with every completed unit's corrections
// applied. The stored extraction is not modified.
func (e *Execution) Corrected() *confidence.Extraction {
	x := e.Extraction.Clone()
	if x == nil {
		x = &confidence.Extraction{}
	}
	for _, u := range e.ReviewUnits {
		if u.Status != UnitCompleted || u.Result == nil {
			continue
		}
		x.ApplyCorrections(u.SectionID, u.Page, u.Result.Corrections)
	}
	return x
}
