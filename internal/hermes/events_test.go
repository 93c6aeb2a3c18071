package hermes

import (
	"encoding/json"
	"testing"
	"time"
)

func TestParseRunRequest(t *testing.T) {
	req, err := ParseRunRequest([]byte(`{"name": "ops", "transcript_path": "/data/ops.txt", "dry_run": true}`))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if req.Name != "ops" || req.TranscriptPath != "/data/ops.txt" || !req.DryRun {
		t.Errorf("unexpected request: %+v", req)
	}
}

func TestParseRunRequest_Invalid(t *testing.T) {
	cases := map[string]string{
		"not json":     `{"name": `,
		"missing path": `{"name": "ops"}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := ParseRunRequest([]byte(raw)); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestRunCompletedWireFormat(t *testing.T) {
	ev := RunCompleted{
		RunID:        "0190f5c2-0000-7000-8000-000000000000",
		Name:         "ops",
		Processed:    10,
		Extracted:    8,
		Rejected:     1,
		Failed:       1,
		Inserted:     7,
		LoadRejected: 1,
		Interrupted:  true,
		FinishedAt:   time.Date(2024, 1, 15, 15, 0, 0, 0, time.UTC),
	}
	data, err := json.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	for _, key := range []string{"run_id", "processed", "load_rejected", "interrupted", "finished_at"} {
		if _, ok := raw[key]; !ok {
			t.Errorf("missing key %q in %s", key, data)
		}
	}
	if _, ok := raw["table"]; ok {
		t.Error("empty table should be omitted")
	}
}
