package extraction_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Strob0t/DocFlow/internal/adapter/extraction"
	"github.com/Strob0t/DocFlow/internal/domain/document"
	"github.com/Strob0t/DocFlow/internal/port/jobclient"
	"github.com/Strob0t/DocFlow/internal/resilience"
)

func submitReq() jobclient.SubmitRequest {
	return jobclient.SubmitRequest{
		ClientToken:  "exec-1-1",
		Document:     document.Document{URI: "s3://in/a.pdf", ContentType: "application/pdf"},
		OutputPrefix: "s3://out/jobs/exec-1",
	}
}

func TestSubmit(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/jobs" || r.Method != http.MethodPost {
			t.Fatalf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if auth := r.Header.Get("Authorization"); auth != "Bearer key" {
			t.Fatalf("unexpected auth: %q", auth)
		}
		var body map[string]any
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatal(err)
		}
		if body["client_token"] != "exec-1-1" || body["input_uri"] != "s3://in/a.pdf" || body["project"] != "proj" {
			t.Fatalf("unexpected body %v", body)
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"job_handle": "job-42"})
	}))
	defer srv.Close()

	c := extraction.NewClient(srv.URL, "key", "proj", time.Second)
	handle, err := c.Submit(context.Background(), submitReq())
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if handle != "job-42" {
		t.Fatalf("handle = %q", handle)
	}
}

func TestSubmitErrorClassification(t *testing.T) {
	tests := []struct {
		status int
		want   error
	}{
		{http.StatusTooManyRequests, jobclient.ErrThrottled},
		{http.StatusBadRequest, jobclient.ErrClient},
		{http.StatusForbidden, jobclient.ErrClient},
		{http.StatusRequestTimeout, jobclient.ErrService},
		{http.StatusInternalServerError, jobclient.ErrService},
		{http.StatusServiceUnavailable, jobclient.ErrService},
	}
	for _, tt := range tests {
		t.Run(http.StatusText(tt.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				http.Error(w, "nope", tt.status)
			}))
			defer srv.Close()

			_, err := extraction.NewClient(srv.URL, "", "", time.Second).Submit(context.Background(), submitReq())
			if !errors.Is(err, tt.want) {
				t.Fatalf("status %d: got %v, want %v", tt.status, err, tt.want)
			}
		})
	}
}

func TestSubmitMissingHandleIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	_, err := extraction.NewClient(srv.URL, "", "", time.Second).Submit(context.Background(), submitReq())
	if !errors.Is(err, jobclient.ErrService) {
		t.Fatalf("got %v", err)
	}
}

func TestSubmitUnreachableIsServiceError(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := extraction.NewClient(url, "", "", time.Second).Submit(context.Background(), submitReq())
	if !errors.Is(err, jobclient.ErrService) {
		t.Fatalf("got %v", err)
	}
}

func TestBreakerIgnoresClientErrors(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "bad document", http.StatusBadRequest)
	}))
	defer srv.Close()

	c := extraction.NewClient(srv.URL, "", "", time.Second)
	c.SetBreaker(resilience.NewBreaker(2, time.Minute, resilience.WithFailurePredicate(extraction.IsBreakerFailure)))

	for range 5 {
		if _, err := c.Submit(context.Background(), submitReq()); !errors.Is(err, jobclient.ErrClient) {
			t.Fatalf("got %v", err)
		}
	}
	if calls.Load() != 5 {
		t.Fatalf("client errors must not open the breaker, server saw %d calls", calls.Load())
	}
}

func TestBreakerOpenIsServiceError(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		http.Error(w, "down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c := extraction.NewClient(srv.URL, "", "", time.Second)
	c.SetBreaker(resilience.NewBreaker(2, time.Minute, resilience.WithFailurePredicate(extraction.IsBreakerFailure)))

	for range 2 {
		_, _ = c.Submit(context.Background(), submitReq())
	}
	_, err := c.Submit(context.Background(), submitReq())
	if !errors.Is(err, resilience.ErrCircuitOpen) || !errors.Is(err, jobclient.ErrService) {
		t.Fatalf("expected open circuit as service error, got %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("open breaker should short-circuit, server saw %d calls", calls.Load())
	}
}

func TestHealth(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	}))
	defer srv.Close()

	if err := extraction.NewClient(srv.URL, "", "", time.Second).Health(context.Background()); err != nil {
		t.Fatal(err)
	}
}

func TestAPIKeySourceFollowsRotation(t *testing.T) {
	var seen []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = append(seen, r.Header.Get("Authorization"))
		_ = json.NewEncoder(w).Encode(map[string]string{"job_handle": "job-1"})
	}))
	defer srv.Close()

	key := "first"
	c := extraction.NewClient(srv.URL, "static", "", time.Second)
	c.SetAPIKeySource(func() string { return key })

	for _, k := range []string{"first", "second"} {
		key = k
		if _, err := c.Submit(context.Background(), submitReq()); err != nil {
			t.Fatal(err)
		}
	}
	if len(seen) != 2 || seen[0] != "Bearer first" || seen[1] != "Bearer second" {
		t.Fatalf("unexpected auth headers %v", seen)
	}
}
