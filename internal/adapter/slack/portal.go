package slack

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
)

// Portal posts review requests to a Slack channel. Reviewers follow the
// button to the review UI, which reports back on reviews.completed.
type Portal struct {
	webhookURL string
	httpClient *http.Client
}

var _ reviewportal.Portal = (*Portal)(nil)

// NewPortal creates a Slack review portal.
func NewPortal(webhookURL string) *Portal {
	return &Portal{webhookURL: webhookURL, httpClient: &http.Client{}}
}

func (p *Portal) RequestReview(ctx context.Context, req reviewportal.Request) error {
	if p.webhookURL == "" {
		return fmt.Errorf("slack portal: webhook url not set")
	}

	title := "*Review required*"
	if req.Escalation > 0 {
		title = fmt.Sprintf("*Review overdue* (reminder %d)", req.Escalation)
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%s\n\nExecution: `%s`\nSection: `%s`", title, req.ExecutionID, req.SectionID)
	if req.Page > 0 {
		fmt.Fprintf(&b, "\nPage: %d", req.Page)
	}
	if req.DocumentURI != "" {
		fmt.Fprintf(&b, "\nDocument: `%s`", req.DocumentURI)
	}
	for _, a := range req.Alerts {
		fmt.Fprintf(&b, "\n• `%s` confidence %.2f below %.2f", a.Field, a.Confidence, a.Threshold)
	}

	msg := message{Blocks: []block{{Type: "section", Text: &text{Type: "mrkdwn", Text: b.String()}}}}
	if req.ReviewURL != "" {
		msg.Blocks = append(msg.Blocks, linkButton("Review", req.ReviewURL, "review_"+req.UnitID, req.WaitToken))
	}
	return post(ctx, p.httpClient, p.webhookURL, msg)
}
