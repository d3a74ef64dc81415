package notify

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stackmetrics/chexport/internal/config"
)

func TestDisabledNotifierIsSilent(t *testing.T) {
	var called bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: false, WebhookURL: srv.URL})
	if err := n.ExportCompleted("r1", "events", "lake", 10, time.Second); err != nil {
		t.Fatal(err)
	}
	if called {
		t.Error("disabled notifier should not call the webhook")
	}

	if New(nil).IsEnabled() {
		t.Error("nil config should be disabled")
	}
}

func TestExportCompletedPayload(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &got); err != nil {
			t.Errorf("payload is not JSON: %v", err)
		}
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL, Channel: "#exports"})
	if err := n.ExportCompleted("r1", "events", "lake", 1234567, 90*time.Second); err != nil {
		t.Fatal(err)
	}

	if got.Channel != "#exports" {
		t.Errorf("channel = %q", got.Channel)
	}
	if len(got.Attachments) != 1 {
		t.Fatalf("attachments = %d", len(got.Attachments))
	}
	var recordsField string
	for _, f := range got.Attachments[0].Fields {
		if f.Title == "Records" {
			recordsField = f.Value
		}
	}
	if recordsField != "1,234,567" {
		t.Errorf("records field = %q", recordsField)
	}
}

func TestExportFailedTruncatesError(t *testing.T) {
	var got SlackMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		json.Unmarshal(body, &got)
	}))
	defer srv.Close()

	long := make([]byte, 1000)
	for i := range long {
		long[i] = 'x'
	}
	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL})
	if err := n.ExportFailed("r1", "events", "lake", errors.New(string(long)), 3); err != nil {
		t.Fatal(err)
	}

	for _, f := range got.Attachments[0].Fields {
		if f.Title == "Error" && len(f.Value) > 503 {
			t.Errorf("error field not truncated: %d chars", len(f.Value))
		}
	}
}

func TestSendRejectsNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer srv.Close()

	n := New(&config.SlackConfig{Enabled: true, WebhookURL: srv.URL})
	if err := n.ExportCompleted("r1", "events", "lake", 1, time.Second); err == nil {
		t.Error("expected an error for a non-200 webhook response")
	}
}

func TestFormatHelpers(t *testing.T) {
	if got := formatNumberWithCommas(999); got != "999" {
		t.Errorf("formatNumberWithCommas(999) = %q", got)
	}
	if got := formatNumberWithCommas(1234567); got != "1,234,567" {
		t.Errorf("formatNumberWithCommas(1234567) = %q", got)
	}
	if got := formatDuration(3*time.Hour + 4*time.Minute + 5*time.Second); got != "3h 4m 5s" {
		t.Errorf("formatDuration = %q", got)
	}
	if got := formatDuration(45 * time.Second); got != "45s" {
		t.Errorf("formatDuration = %q", got)
	}
}
