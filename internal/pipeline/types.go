package pipeline

import (
	"context"
	"time"

	"github.com/MikeSquared-Agency/sift/internal/extractor"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/slack"
	"github.com/MikeSquared-Agency/sift/internal/store"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
	"github.com/MikeSquared-Agency/sift/internal/writer"
)

// Extractor is satisfied by *extractor.Extractor.
type Extractor interface {
	Extract(ctx context.Context, msg transcript.RawMessage, s *schema.Schema) (*extractor.Result, error)
}

// Loader is satisfied by *store.Store.
type Loader interface {
	EnsureTable(ctx context.Context, table string, s *schema.Schema) error
	Upsert(ctx context.Context, table string, s *schema.Schema, ds *writer.Dataset) (*store.LoadReport, error)
}

// Publisher is satisfied by *hermes.Client.
type Publisher interface {
	Publish(subject string, data any) error
}

// Notifier is satisfied by *slack.Poster.
type Notifier interface {
	PostRunSummary(ctx context.Context, s slack.Summary) (string, error)
}

// Deps are the collaborators of a Pipeline. Only Extractor is required.
type Deps struct {
	Extractor Extractor
	Store     Loader
	Events    Publisher
	Summary   Notifier
}

// Options configure a single run.
type Options struct {
	RunID       string // generated (uuid v7) when empty
	Name        string
	Table       string        // defaults to Name
	OutputDir   string        // defaults to formatted_data_<Name>
	Workers     int           // concurrent oracle calls, default 5
	GracePeriod time.Duration // how long in-flight calls may finish after cancellation, default 10s
	DryRun      bool          // write artifacts but do not touch the database
}

func (o Options) withDefaults() Options {
	if o.Name == "" {
		o.Name = "transcript"
	}
	if o.Table == "" {
		o.Table = o.Name
	}
	if o.OutputDir == "" {
		o.OutputDir = DefaultOutputDir(o.Name)
	}
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.GracePeriod <= 0 {
		o.GracePeriod = 10 * time.Second
	}
	return o
}

// DefaultOutputDir is the output directory used when none is configured.
func DefaultOutputDir(name string) string {
	return "formatted_data_" + name
}

// Rejection kinds.
const (
	KindMissingRequired = "missing_required"
	KindLoadRejected    = "load_rejected"
)

// Rejection is a message that produced no row.
type Rejection struct {
	Index     int    `json:"index"`
	NaturalID string `json:"natural_id"`
	Kind      string `json:"kind"`
	Reason    string `json:"reason"`
	Attempts  int    `json:"attempts,omitempty"`
}

// Report is the outcome of a run. Extracted+Rejected+Failed+Skipped always
// equals Processed.
type Report struct {
	RunID        string      `json:"run_id"`
	Name         string      `json:"name"`
	Table        string      `json:"table"`
	OutputDir    string      `json:"output_dir"`
	StartedAt    time.Time   `json:"started_at"`
	FinishedAt   time.Time   `json:"finished_at"`
	Processed    int         `json:"processed"`
	Extracted    int         `json:"extracted"`
	Rejected     int         `json:"rejected"`
	Failed       int         `json:"failed"`
	Skipped      int         `json:"skipped"`
	Degraded     int         `json:"degraded"`
	Inserted     int         `json:"inserted"`
	Updated      int         `json:"updated"`
	LoadRejected int         `json:"load_rejected"`
	Interrupted  bool        `json:"interrupted"`
	DryRun       bool        `json:"dry_run"`
	Error        string      `json:"error,omitempty"`
	Rejections   []Rejection `json:"rejections,omitempty"`
}
