package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/sift/internal/extractor"
	"github.com/MikeSquared-Agency/sift/internal/pipeline"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
	"github.com/MikeSquared-Agency/sift/internal/writer"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const ticketSchema = `{
	"system_prompt": "Extract the ticket number.",
	"output_format": {
		"ticket": {"type": "string", "required": true}
	}
}`

const sampleTranscript = "[15/01/2024, 14:30:00] Dana: ticket 17 is fixed\n" +
	"[15/01/2024, 14:31:00] Avi: thanks\n"

type extractFunc func(ctx context.Context, msg transcript.RawMessage, s *schema.Schema) (*extractor.Result, error)

func (f extractFunc) Extract(ctx context.Context, msg transcript.RawMessage, s *schema.Schema) (*extractor.Result, error) {
	return f(ctx, msg, s)
}

// ticketOracle returns the word following "ticket", or nothing.
func ticketOracle(ctx context.Context, msg transcript.RawMessage, s *schema.Schema) (*extractor.Result, error) {
	c := extractor.Candidate{}
	words := strings.Fields(msg.Body)
	for i, w := range words {
		if w == "ticket" && i+1 < len(words) {
			c["ticket"] = schema.StringValue(words[i+1])
		}
	}
	return &extractor.Result{Candidate: c, Attempts: 1}, nil
}

func newTestServer(t *testing.T, ctx context.Context, ext pipeline.Extractor) (*Server, *Registry, string) {
	t.Helper()
	s, err := schema.Parse([]byte(ticketSchema))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	root := t.TempDir()
	p := pipeline.New(pipeline.Deps{Extractor: ext}, pipeline.Options{Workers: 2}, discardLogger())
	reg := NewRegistry(ctx, p, s, root, "", discardLogger())
	t.Cleanup(reg.Close)
	return NewServer(8760, reg, discardLogger()), reg, root
}

func TestHealthEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, context.Background(), extractFunc(ticketOracle))

	req := httptest.NewRequest("GET", "/health", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Errorf("expected 200, got %d", w.Code)
	}

	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if body["status"] != "ok" {
		t.Errorf("expected status ok, got %q", body["status"])
	}
}

func TestNotFoundEndpoint(t *testing.T) {
	srv, _, _ := newTestServer(t, context.Background(), extractFunc(ticketOracle))

	req := httptest.NewRequest("GET", "/nonexistent", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestSubmitRun(t *testing.T) {
	srv, reg, root := newTestServer(t, context.Background(), extractFunc(ticketOracle))

	req := httptest.NewRequest("POST", "/api/v1/runs?name=support&dry_run=true", strings.NewReader(sampleTranscript))
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", w.Code, w.Body.String())
	}
	var body map[string]string
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	id := body["id"]
	if id == "" {
		t.Fatal("expected a run id")
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/runs/"+id {
		t.Errorf("unexpected location %q", loc)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	run, err := reg.Wait(ctx, id)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.State != StateCompleted {
		t.Fatalf("expected completed, got %s (%s)", run.State, run.Error)
	}
	if run.Report.RunID != id {
		t.Errorf("report run id %s does not match %s", run.Report.RunID, id)
	}
	if run.Report.Extracted != 1 || run.Report.Rejected != 1 {
		t.Errorf("unexpected report: %+v", run.Report)
	}
	if _, err := os.Stat(writer.CSVPath(filepath.Join(root, id), "support")); err != nil {
		t.Errorf("expected csv in run directory: %v", err)
	}

	req = httptest.NewRequest("GET", "/api/v1/runs/"+id, nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", w.Code)
	}
	var got Run
	if err := json.NewDecoder(w.Body).Decode(&got); err != nil {
		t.Fatalf("failed to decode run: %v", err)
	}
	if got.Name != "support" || !got.DryRun || got.Report == nil {
		t.Errorf("unexpected run: %+v", got)
	}

	req = httptest.NewRequest("GET", "/api/v1/runs", nil)
	w = httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)
	var list struct {
		Runs []Run `json:"runs"`
	}
	if err := json.NewDecoder(w.Body).Decode(&list); err != nil {
		t.Fatalf("failed to decode list: %v", err)
	}
	if len(list.Runs) != 1 || list.Runs[0].ID != id {
		t.Errorf("unexpected list: %+v", list.Runs)
	}
}

func TestSubmitRun_BadRequests(t *testing.T) {
	srv, _, _ := newTestServer(t, context.Background(), extractFunc(ticketOracle))

	tests := []struct {
		name string
		url  string
	}{
		{"missing name", "/api/v1/runs"},
		{"bad name", "/api/v1/runs?name=../etc"},
		{"bad dry run", "/api/v1/runs?name=support&dry_run=maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest("POST", tt.url, strings.NewReader(sampleTranscript))
			w := httptest.NewRecorder()
			srv.router.ServeHTTP(w, req)
			if w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestGetRun_Unknown(t *testing.T) {
	srv, _, _ := newTestServer(t, context.Background(), extractFunc(ticketOracle))

	req := httptest.NewRequest("GET", "/api/v1/runs/nope", nil)
	w := httptest.NewRecorder()
	srv.router.ServeHTTP(w, req)

	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", w.Code)
	}
}

func TestRegistry_InterruptedOnShutdown(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, reg, _ := newTestServer(t, ctx, extractFunc(ticketOracle))

	run, err := reg.Submit("late", sampleTranscript, true)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	run, err = reg.Wait(wctx, run.ID)
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if run.State != StateInterrupted {
		t.Errorf("expected interrupted, got %s", run.State)
	}
	if run.Report == nil || run.Report.Skipped != 2 {
		t.Errorf("expected both messages skipped, got %+v", run.Report)
	}
}

func TestHandleRunRequest(t *testing.T) {
	_, reg, _ := newTestServer(t, context.Background(), extractFunc(ticketOracle))

	path := filepath.Join(t.TempDir(), "Support Chat.txt")
	if err := os.WriteFile(path, []byte(sampleTranscript), 0o644); err != nil {
		t.Fatal(err)
	}
	data, _ := json.Marshal(map[string]any{"transcript_path": path, "dry_run": true})
	reg.HandleRunRequest("sift.run.requested", data)

	runs := reg.List()
	if len(runs) != 1 {
		t.Fatalf("expected 1 run, got %d", len(runs))
	}
	if runs[0].Name != "Support_Chat" {
		t.Errorf("expected name derived from file, got %q", runs[0].Name)
	}

	reg.HandleRunRequest("sift.run.requested", []byte(`{"name":"x"}`))
	if len(reg.List()) != 1 {
		t.Error("request without transcript_path should be ignored")
	}
}
