package main

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/Strob0t/DocFlow/internal/config"
	"github.com/Strob0t/DocFlow/internal/domain/execution"
	"github.com/Strob0t/DocFlow/internal/port/notifier"
	"github.com/Strob0t/DocFlow/internal/port/reviewportal"
)

type nopPortal struct{}

func (nopPortal) RequestReview(context.Context, reviewportal.Request) error { return nil }

func TestReviewChannels_NATSOnly(t *testing.T) {
	base := nopPortal{}
	portal, alerts, err := reviewChannels(config.Notify{}, base)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := portal.(nopPortal); !ok {
		t.Errorf("expected the base portal, got %T", portal)
	}
	if alerts != nil {
		t.Errorf("expected no notifier, got %T", alerts)
	}
}

func TestReviewChannels_AllConfigured(t *testing.T) {
	cfg := config.Notify{
		SlackWebhookURL:   "http://slack/escalations",
		ReviewWebhookURL:  "http://slack/reviews",
		DiscordWebhookURL: "http://discord/hook",
		SMTP: config.SMTP{
			Host:         "mail.local",
			Port:         587,
			From:         "docflow@local",
			EscalationTo: []string{"ops@local"},
			Reviewers:    []string{"reviewers@local"},
		},
	}
	portal, alerts, err := reviewChannels(cfg, nopPortal{})
	if err != nil {
		t.Fatal(err)
	}
	portals, ok := portal.(reviewportal.Fanout)
	if !ok || len(portals) != 3 {
		t.Fatalf("expected nats, slack and email portals, got %T %v", portal, portal)
	}
	fan, ok := alerts.(notifier.Fanout)
	if !ok || len(fan) != 3 {
		t.Fatalf("expected three escalation channels, got %T", alerts)
	}
	var names []string
	for _, n := range fan {
		names = append(names, n.Name())
	}
	if got := strings.Join(names, ","); got != "slack,discord,email" {
		t.Errorf("unexpected channel order %s", got)
	}
}

func TestReviewChannels_SingleNotifier(t *testing.T) {
	_, alerts, err := reviewChannels(config.Notify{DiscordWebhookURL: "http://discord/hook"}, nopPortal{})
	if err != nil {
		t.Fatal(err)
	}
	if alerts == nil || alerts.Name() != "discord" {
		t.Fatalf("expected the discord notifier, got %v", alerts)
	}
}

func TestAPIClient_Do(t *testing.T) {
	var gotKey string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Idempotency-Key")
		switch r.URL.Path {
		case "/api/v1/executions/exec-1/cancel":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"execution_id":"exec-1","state":"ERROR"}`))
		default:
			w.WriteHeader(http.StatusNotFound)
			_, _ = w.Write([]byte(`{"error":"execution not found"}`))
		}
	}))
	defer srv.Close()

	c := &apiClient{base: srv.URL, hc: srv.Client()}
	var v execution.View
	if err := c.do(context.Background(), http.MethodPost, "/api/v1/executions/exec-1/cancel", map[string]string{"reason": "x"}, &v); err != nil {
		t.Fatal(err)
	}
	if v.State != execution.StateError {
		t.Errorf("expected ERROR, got %s", v.State)
	}
	if gotKey == "" {
		t.Error("POST sent without an idempotency key")
	}

	err := c.do(context.Background(), http.MethodGet, "/api/v1/executions/nope", nil, &v)
	if err == nil || !strings.Contains(err.Error(), "execution not found (404)") {
		t.Fatalf("expected mapped error, got %v", err)
	}
	if gotKey != "" {
		t.Error("GET must not carry an idempotency key")
	}
}

func TestEnvOr(t *testing.T) {
	t.Setenv("DOCFLOW_TEST_ENV", "")
	if got := envOr("DOCFLOW_TEST_ENV", "fallback"); got != "fallback" {
		t.Errorf("expected fallback, got %s", got)
	}
	t.Setenv("DOCFLOW_TEST_ENV", "set")
	if got := envOr("DOCFLOW_TEST_ENV", "fallback"); got != "set" {
		t.Errorf("expected set, got %s", got)
	}
}
