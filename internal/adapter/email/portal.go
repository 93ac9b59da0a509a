package email

import (
	"context"
	"fmt"
	"html"
	"strings"

	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
)

// Portal mails review requests to a reviewer list. The mail carries the
// review link only; reviewers answer through the review UI.
type Portal struct {
	mailer    *Mailer
	reviewers []string
}

var _ reviewportal.Portal = (*Portal)(nil)

// NewPortal creates an email review portal.
func NewPortal(m *Mailer, reviewers []string) *Portal {
	return &Portal{mailer: m, reviewers: reviewers}
}

func (p *Portal) RequestReview(ctx context.Context, req reviewportal.Request) error {
	heading := "Review required"
	if req.Escalation > 0 {
		heading = fmt.Sprintf("Review overdue (reminder %d)", req.Escalation)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "<h2>%s</h2>\n", heading)
	fmt.Fprintf(&b, "<p><strong>Execution:</strong> %s<br><strong>Section:</strong> %s",
		html.EscapeString(req.ExecutionID), html.EscapeString(req.SectionID))
	if req.Page > 0 {
		fmt.Fprintf(&b, "<br><strong>Page:</strong> %d", req.Page)
	}
	if req.DocumentURI != "" {
		fmt.Fprintf(&b, "<br><strong>Document:</strong> %s", html.EscapeString(req.DocumentURI))
	}
	b.WriteString("</p>\n")
	if len(req.Alerts) > 0 {
		b.WriteString("<ul>\n")
		for _, a := range req.Alerts {
			fmt.Fprintf(&b, "<li>%s: confidence %.2f below %.2f</li>\n", html.EscapeString(a.Field), a.Confidence, a.Threshold)
		}
		b.WriteString("</ul>\n")
	}
	if req.ReviewURL != "" {
		fmt.Fprintf(&b, `<p><a href="%s" style="background:#2563eb;color:white;padding:8px 16px;text-decoration:none;border-radius:4px;">Review</a></p>`+"\n",
			html.EscapeString(req.ReviewURL))
	}

	subject := fmt.Sprintf("[DocFlow] %s: %s section %s", heading, req.ExecutionID, req.SectionID)
	if err := p.mailer.Send(ctx, p.reviewers, subject, b.String()); err != nil {
		return fmt.Errorf("email portal: %w", err)
	}
	return nil
}
