// Package slack implements Slack incoming-webhook adapters: an operator
// notifier and a review portal that posts review requests to a channel.
package slack

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/Strob0t/DocFlow/internal/port/notifier"
)

const providerName = "slack"

// Notifier sends notifications to Slack via incoming webhook.
type Notifier struct {
	webhookURL string
	httpClient *http.Client
}

var _ notifier.Notifier = (*Notifier)(nil)

// NewNotifier creates a Slack notifier with the given webhook URL.
func NewNotifier(webhookURL string) *Notifier {
	return &Notifier{
		webhookURL: webhookURL,
		httpClient: http.DefaultClient,
	}
}

func (n *Notifier) Name() string { return providerName }

func (n *Notifier) Capabilities() notifier.Capabilities {
	return notifier.Capabilities{
		RichFormatting: true,
		Links:          true,
	}
}

// message is the Slack Block Kit payload.
type message struct {
	Blocks []block `json:"blocks"`
}

type block struct {
	Type     string    `json:"type"`
	Text     *text     `json:"text,omitempty"`
	Elements []element `json:"elements,omitempty"`
}

type text struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type element struct {
	Type     string `json:"type"`
	Text     *text  `json:"text,omitempty"`
	URL      string `json:"url,omitempty"`
	Style    string `json:"style,omitempty"`
	ActionID string `json:"action_id,omitempty"`
	Value    string `json:"value,omitempty"`
}

func linkButton(label, url, actionID, value string) block {
	return block{
		Type: "actions",
		Elements: []element{{
			Type:     "button",
			Text:     &text{Type: "plain_text", Text: label},
			URL:      url,
			Style:    "primary",
			ActionID: actionID,
			Value:    value,
		}},
	}
}

func (n *Notifier) Send(ctx context.Context, notification notifier.Notification) error {
	if n.webhookURL == "" {
		return notifier.ErrNotConfigured
	}

	msg := message{
		Blocks: []block{
			{Type: "header", Text: &text{Type: "plain_text", Text: levelTag(notification.Level) + " " + notification.Title}},
			{Type: "section", Text: &text{Type: "mrkdwn", Text: notification.Message}},
		},
	}
	if notification.Link != "" {
		msg.Blocks = append(msg.Blocks, linkButton("Open", notification.Link, "open_link", notification.Source))
	}
	if notification.Source != "" {
		msg.Blocks = append(msg.Blocks, block{
			Type: "section",
			Text: &text{Type: "mrkdwn", Text: fmt.Sprintf("_Source: %s_", notification.Source)},
		})
	}

	return post(ctx, n.httpClient, n.webhookURL, msg)
}

func post(ctx context.Context, client *http.Client, url string, msg message) error {
	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("slack marshal: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("slack request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req) //nolint:gosec // webhook URL from trusted config
	if err != nil {
		return fmt.Errorf("slack send: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("slack API %d: %s", resp.StatusCode, string(respBody))
	}
	return nil
}

func levelTag(level string) string {
	switch level {
	case "error":
		return "[ERROR]"
	case "warning":
		return "[WARN]"
	default:
		return "[INFO]"
	}
}
