package extractor

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/MikeSquared-Agency/sift/internal/anthropic"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const incidentSchema = `{
	"system_prompt": "Extract incident details from the message.",
	"output_format": {
		"incident_id": {"type": "string", "required": true},
		"severity": {"type": "string", "enum": ["low", "medium", "high"]},
		"teams": {"type": "array", "items": {"type": "string"}}
	}
}`

func testSchema(t *testing.T) *schema.Schema {
	t.Helper()
	s, err := schema.Parse([]byte(incidentSchema))
	if err != nil {
		t.Fatalf("parse schema: %v", err)
	}
	return s
}

func testMessage() transcript.RawMessage {
	return transcript.RawMessage{
		Index:     3,
		Timestamp: time.Date(2024, 1, 15, 14, 30, 0, 0, time.UTC),
		Author:    "Dana",
		Body:      "Incident 4521 - DB down, צוות DB on it",
	}
}

type reply struct {
	text string
	err  error
}

// scriptedOracle returns its replies in order and repeats the last one.
type scriptedOracle struct {
	mu      sync.Mutex
	replies []reply
	calls   int
}

func (o *scriptedOracle) Complete(ctx context.Context, system string, messages []anthropic.Message, maxTokens int) (string, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return "", err
	}
	r := o.replies[min(o.calls, len(o.replies)-1)]
	o.calls++
	return r.text, r.err
}

type sleepRecorder struct {
	delays []time.Duration
}

func (s *sleepRecorder) sleep(ctx context.Context, d time.Duration) error {
	s.delays = append(s.delays, d)
	return ctx.Err()
}

func TestExtract_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			System   string              `json:"system"`
			Messages []anthropic.Message `json:"messages"`
		}
		json.NewDecoder(r.Body).Decode(&req)
		if req.System != "Extract incident details from the message." {
			t.Errorf("system prompt = %q", req.System)
		}
		if len(req.Messages) != 1 || !strings.Contains(req.Messages[0].Content, "Incident 4521") {
			t.Errorf("message body missing from prompt: %+v", req.Messages)
		}
		if !strings.Contains(req.Messages[0].Content, `"incident_id"`) {
			t.Error("field contract missing from prompt")
		}

		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]any{
			"content": []map[string]any{
				{"type": "text", "text": `{"incident_id": "4521", "severity": "high", "teams": ["צוות DB"]}`},
			},
			"stop_reason": "end_turn",
		})
	}))
	defer server.Close()

	llm := anthropic.NewClient("test-key", "test-model")
	llm.SetBaseURL(server.URL)

	ext := New(llm, discardLogger())
	result, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 1 {
		t.Errorf("attempts = %d, want 1", result.Attempts)
	}
	if got := result.Candidate.Get("incident_id"); !got.Equal(schema.StringValue("4521")) {
		t.Errorf("incident_id = %+v", got.Any())
	}
	if got := result.Candidate.Get("teams"); !got.Equal(schema.ListValue([]string{"צוות DB"})) {
		t.Errorf("teams = %+v", got.Any())
	}
}

func TestExtract_RetriesThenSucceeds(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{
		{err: &anthropic.APIError{StatusCode: 503, Message: "overloaded"}},
		{err: &anthropic.APIError{StatusCode: 429, RetryAfter: 5 * time.Second}},
		{text: `{"incident_id": "4521"}`},
	}}
	rec := &sleepRecorder{}
	ext := New(oracle, discardLogger(), WithSleep(rec.sleep), WithBackoff(time.Second, 30*time.Second))

	result, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 3 {
		t.Errorf("attempts = %d, want 3", result.Attempts)
	}
	want := []time.Duration{time.Second, 5 * time.Second}
	if len(rec.delays) != len(want) || rec.delays[0] != want[0] || rec.delays[1] != want[1] {
		t.Errorf("delays = %v, want %v", rec.delays, want)
	}
}

func TestExtract_NonRetryableStatus(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{
		{err: &anthropic.APIError{StatusCode: 400, Type: "invalid_request_error"}},
	}}
	ext := New(oracle, discardLogger(), WithSleep((&sleepRecorder{}).sleep))

	_, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !errors.Is(err, ErrTransport) || xerr.Retryable || xerr.Attempts != 1 {
		t.Errorf("unexpected error: %+v", xerr)
	}
	if oracle.calls != 1 {
		t.Errorf("calls = %d, want 1", oracle.calls)
	}
}

func TestExtract_AttemptsExhausted(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{
		{err: &anthropic.APIError{StatusCode: 500}},
	}}
	ext := New(oracle, discardLogger(), WithMaxAttempts(4), WithSleep((&sleepRecorder{}).sleep))

	_, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if xerr.Kind != KindTransport || !xerr.Retryable || xerr.Attempts != 4 {
		t.Errorf("unexpected error: %+v", xerr)
	}
	if oracle.calls != 4 {
		t.Errorf("calls = %d, want 4", oracle.calls)
	}
}

func TestExtract_NetworkErrorIsRetryable(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{
		{err: errors.New("connection reset by peer")},
		{text: `{"incident_id": "1"}`},
	}}
	ext := New(oracle, discardLogger(), WithSleep((&sleepRecorder{}).sleep))

	result, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Attempts != 2 {
		t.Errorf("attempts = %d, want 2", result.Attempts)
	}
}

func TestExtract_MalformedIsNotRetried(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{
		{text: "I think the incident is 4521."},
		{text: `{"incident_id": "4521"}`},
	}}
	ext := New(oracle, discardLogger(), WithSleep((&sleepRecorder{}).sleep))

	_, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if oracle.calls != 1 {
		t.Errorf("calls = %d, want 1", oracle.calls)
	}
}

func TestExtract_NoDeclaredFields(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{{text: `{"ticket": "4521"}`}}}
	ext := New(oracle, discardLogger())

	_, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	if !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestExtract_Refused(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{{text: `{"_error": "message is a sticker"}`}}}
	ext := New(oracle, discardLogger())

	_, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	var xerr *Error
	if !errors.As(err, &xerr) || !errors.Is(err, ErrRefused) {
		t.Fatalf("expected refused error, got %v", err)
	}
	if xerr.Reason != "message is a sticker" {
		t.Errorf("reason = %q", xerr.Reason)
	}
}

func TestExtract_FencesAndShapes(t *testing.T) {
	answer := "```json\n" +
		`{"incident_id": 4521, "severity": null, "teams": ["Network", 7, true, null], "extra": 1}` +
		"\n```"
	oracle := &scriptedOracle{replies: []reply{{text: answer}}}
	ext := New(oracle, discardLogger())

	result, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	c := result.Candidate
	if !c.Get("incident_id").Equal(schema.StringValue("4521")) {
		t.Errorf("incident_id = %#v", c.Get("incident_id").Any())
	}
	if c.Get("severity").Kind() != schema.KindAbsent {
		t.Errorf("severity kind = %v, want absent", c.Get("severity").Kind())
	}
	if !c.Get("teams").Equal(schema.ListValue([]string{"Network", "7", "true"})) {
		t.Errorf("teams = %#v", c.Get("teams").Any())
	}
	if _, ok := c["extra"]; ok {
		t.Error("undeclared key should be dropped")
	}
}

func TestExtract_NestedValueIsInvalid(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{{text: `{"incident_id": {"id": "4521"}, "teams": [["a"]]}`}}}
	ext := New(oracle, discardLogger())

	result, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id := result.Candidate.Get("incident_id")
	if id.Kind() != schema.KindInvalid || id.Str() != `{"id":"4521"}` {
		t.Errorf("incident_id = %v %q", id.Kind(), id.Str())
	}
	if result.Candidate.Get("teams").Kind() != schema.KindInvalid {
		t.Errorf("teams kind = %v, want invalid", result.Candidate.Get("teams").Kind())
	}
}

func TestExtract_CancelledContext(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{{text: `{"incident_id": "1"}`}}}
	ext := New(oracle, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ext.Extract(ctx, testMessage(), testSchema(t))
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if xerr.Retryable || !errors.Is(err, context.Canceled) {
		t.Errorf("unexpected error: %+v", xerr)
	}
}

func TestBackoff_Capped(t *testing.T) {
	ext := New(&scriptedOracle{}, discardLogger(), WithBackoff(time.Second, 5*time.Second))

	cases := []struct {
		n    int
		want time.Duration
	}{
		{1, time.Second},
		{2, 2 * time.Second},
		{3, 4 * time.Second},
		{4, 5 * time.Second},
		{10, 5 * time.Second},
	}
	for _, tc := range cases {
		if got := ext.backoff(tc.n, nil); got != tc.want {
			t.Errorf("backoff(%d) = %v, want %v", tc.n, got, tc.want)
		}
	}

	huge := &Error{Err: &anthropic.APIError{StatusCode: 429, RetryAfter: time.Minute}}
	if got := ext.backoff(1, huge); got != 5*time.Second {
		t.Errorf("retry-after should be capped, got %v", got)
	}
}

func TestExtract_EmptyResponseIsMalformed(t *testing.T) {
	var calls atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"content":[],"stop_reason":"end_turn"}`))
	}))
	defer server.Close()

	llm := anthropic.NewClient("test-key", "test-model")
	llm.SetBaseURL(server.URL)
	ext := New(llm, discardLogger(), WithSleep((&sleepRecorder{}).sleep))

	_, err := ext.Extract(context.Background(), testMessage(), testSchema(t))
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if !errors.Is(err, ErrMalformed) || xerr.Retryable || xerr.Attempts != 1 {
		t.Errorf("unexpected error: %+v", xerr)
	}
	if !errors.Is(err, anthropic.ErrUnusableResponse) {
		t.Errorf("expected the unusable response cause, got %v", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("calls = %d, want 1", n)
	}
}

func TestExtract_StopRetriesBeforeBackoff(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{
		{err: &anthropic.APIError{StatusCode: 503}},
	}}
	rec := &sleepRecorder{}
	ext := New(oracle, discardLogger(), WithSleep(rec.sleep))

	stop := make(chan struct{})
	close(stop)
	_, err := ext.Extract(StopRetries(context.Background(), stop), testMessage(), testSchema(t))
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if xerr.Kind != KindTransport || xerr.Attempts != 1 || xerr.Reason != "status 503" {
		t.Errorf("expected the first failure, got %+v", xerr)
	}
	if oracle.calls != 1 {
		t.Errorf("calls = %d, want 1", oracle.calls)
	}
	if len(rec.delays) != 0 {
		t.Errorf("expected no backoff wait, got %v", rec.delays)
	}
}

func TestExtract_StopRetriesDuringBackoff(t *testing.T) {
	oracle := &scriptedOracle{replies: []reply{
		{err: &anthropic.APIError{StatusCode: 503}},
	}}
	stop := make(chan struct{})
	ext := New(oracle, discardLogger(), WithSleep(func(ctx context.Context, d time.Duration) error {
		close(stop)
		<-ctx.Done()
		return ctx.Err()
	}))

	_, err := ext.Extract(StopRetries(context.Background(), stop), testMessage(), testSchema(t))
	var xerr *Error
	if !errors.As(err, &xerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if xerr.Attempts != 1 || xerr.Reason != "status 503" {
		t.Errorf("expected the first failure, got %+v", xerr)
	}
	if oracle.calls != 1 {
		t.Errorf("calls = %d, want 1", oracle.calls)
	}
}
