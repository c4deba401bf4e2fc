package tools

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/frontdeskhq/orchestrator/internal/config"
)

func newCollaborator(t *testing.T, handler http.HandlerFunc) (*httptest.Server, config.ToolsConfig) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv, config.ToolsConfig{
		BaseURL:       srv.URL,
		ServiceSecret: "topsecret",
		Timeout:       5 * time.Second,
	}
}

func TestCheckAvailabilityHitsCollaborator(t *testing.T) {
	var gotPath, gotSecret string
	_, cfg := newCollaborator(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotSecret = r.Header.Get("X-Service-Secret")
		io.WriteString(w, `{"slots": ["09:00", "14:30"]}`)
	})

	r, err := NewDefaultRegistry(cfg)
	if err != nil {
		t.Fatalf("NewDefaultRegistry() error = %v", err)
	}

	result, err := r.Execute(context.Background(), "check_availability",
		json.RawMessage(`{"date":"2026-09-01"}`), "tc-1")
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}
	if !result.Success {
		t.Fatalf("Execute() failed: %s", result.Error)
	}
	if gotPath != "/availability/check" {
		t.Errorf("collaborator path = %q, want /availability/check", gotPath)
	}
	if gotSecret != "topsecret" {
		t.Errorf("shared secret header = %q, want topsecret", gotSecret)
	}
	data, ok := result.Data.(map[string]any)
	if !ok || data["slots"] == nil {
		t.Errorf("result data = %v, want decoded slots", result.Data)
	}
}

func TestBookAppointmentWithoutConfirmationMakesNoHTTPCall(t *testing.T) {
	var calls int32
	_, cfg := newCollaborator(t, func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		io.WriteString(w, `{"booked": true}`)
	})

	r, err := NewDefaultRegistry(cfg)
	if err != nil {
		t.Fatalf("NewDefaultRegistry() error = %v", err)
	}

	result, err := r.Execute(context.Background(), "book_appointment",
		json.RawMessage(`{"date":"2026-09-01","time":"14:30","client_name":"Ada"}`), "tc-2")
	if err == nil {
		t.Fatal("unconfirmed booking should be rejected")
	}
	if result.Success {
		t.Error("unconfirmed booking must not succeed")
	}
	if atomic.LoadInt32(&calls) != 0 {
		t.Fatalf("booking collaborator called %d times without confirmation, want 0", calls)
	}

	// With the in-band confirmation the call goes through.
	result, err = r.Execute(context.Background(), "book_appointment",
		json.RawMessage(`{"date":"2026-09-01","time":"14:30","client_name":"Ada","confirmed":true}`), "tc-3")
	if err != nil {
		t.Fatalf("confirmed Execute() error = %v", err)
	}
	if !result.Success || atomic.LoadInt32(&calls) != 1 {
		t.Errorf("confirmed booking: success=%v calls=%d, want true/1", result.Success, calls)
	}
}

func TestCollaboratorFailureBecomesFailedResult(t *testing.T) {
	_, cfg := newCollaborator(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "calendar backend down", http.StatusServiceUnavailable)
	})

	r, _ := NewDefaultRegistry(cfg)
	result, err := r.Execute(context.Background(), "check_availability",
		json.RawMessage(`{"date":"2026-09-01"}`), "tc")
	if err != nil {
		t.Fatalf("collaborator failure must not be fatal, got %v", err)
	}
	if result.Success {
		t.Error("collaborator failure must produce Success=false")
	}
}

func TestDefaultRegistryAdvertisesAllTools(t *testing.T) {
	r, err := NewDefaultRegistry(config.ToolsConfig{BaseURL: "http://tools.internal", Timeout: time.Second})
	if err != nil {
		t.Fatalf("NewDefaultRegistry() error = %v", err)
	}

	want := []string{"book_appointment", "check_availability", "create_lead", "send_notification"}
	got := r.Names()
	if len(got) != len(want) {
		t.Fatalf("Names() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Names()[%d] = %q, want %q", i, got[i], want[i])
		}
	}

	for _, def := range r.Definitions() {
		if def.Description == "" {
			t.Errorf("tool %s advertised without a description", def.Name)
		}
		var schema map[string]any
		if err := json.Unmarshal(def.Schema, &schema); err != nil {
			t.Errorf("tool %s schema is not valid JSON: %v", def.Name, err)
		}
	}
}
