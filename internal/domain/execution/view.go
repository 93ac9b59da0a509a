package execution

import (
	"encoding/json"
	"time"

	"github.com/Strob0t/DocFlow/internal/domain/confidence"
)

// UnitView is the externally visible part of a review unit. Wait tokens
// are not exposed.
type UnitView struct {
	ID          string     `json:"id"`
	SectionID   string     `json:"section_id"`
	Page        int        `json:"page,omitempty"`
	Status      UnitStatus `json:"status"`
	Reviewer    string     `json:"reviewer,omitempty"`
	Escalations int        `json:"escalations,omitempty"`
}

// View is the answer to a status query.
type View struct {
	ExecutionID        string              `json:"execution_id"`
	State              State               `json:"state"`
	Attempt            int                 `json:"attempt"`
	JobHandle          string              `json:"job_handle,omitempty"`
	ConfidenceDecision confidence.Decision `json:"confidence_decision,omitempty"`
	PendingReviewUnits []string            `json:"pending_review_units,omitempty"`
	ReviewUnits        []UnitView          `json:"review_units,omitempty"`
	LastError          *ErrorInfo          `json:"last_error,omitempty"`
	OutputURI          string              `json:"output_uri,omitempty"`
	Result             json.RawMessage     `json:"result,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
}

// View projects e for status queries.
func (e *Execution) View() *View {
	v := &View{
		ExecutionID:        e.ID,
		State:              e.State,
		Attempt:            e.Attempt,
		JobHandle:          e.JobHandle,
		PendingReviewUnits: append([]string(nil), e.PendingReviewUnits...),
		LastError:          e.LastError,
		OutputURI:          e.OutputURI,
		Result:             e.Result,
		CreatedAt:          e.CreatedAt,
		UpdatedAt:          e.UpdatedAt,
	}
	if e.Confidence != nil {
		v.ConfidenceDecision = e.Confidence.Decision
	}
	for _, u := range e.ReviewUnits {
		uv := UnitView{ID: u.ID, SectionID: u.SectionID, Page: u.Page, Status: u.Status, Escalations: u.Escalations}
		if u.Result != nil {
			uv.Reviewer = u.Result.Reviewer
		}
		v.ReviewUnits = append(v.ReviewUnits, uv)
	}
	return v
}
