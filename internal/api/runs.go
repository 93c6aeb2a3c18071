package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MikeSquared-Agency/sift/internal/hermes"
	"github.com/MikeSquared-Agency/sift/internal/pipeline"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
)

type RunState string

const (
	StateRunning     RunState = "running"
	StateCompleted   RunState = "completed"
	StateInterrupted RunState = "interrupted"
	StateFailed      RunState = "failed"
)

// ErrInvalidName is returned for run names that cannot be used in file names.
var ErrInvalidName = errors.New("invalid run name")

var nameRe = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)

// Run is a snapshot of a submitted run.
type Run struct {
	ID          string           `json:"id"`
	Name        string           `json:"name"`
	State       RunState         `json:"state"`
	DryRun      bool             `json:"dry_run"`
	SubmittedAt time.Time        `json:"submitted_at"`
	Error       string           `json:"error,omitempty"`
	Report      *pipeline.Report `json:"report,omitempty"`
}

type entry struct {
	run  Run
	done chan struct{}
}

// Registry runs transcripts in the background, each into its own directory
// under root, and keeps their state for the lifetime of the process.
type Registry struct {
	ctx    context.Context
	pipe   *pipeline.Pipeline
	schema *schema.Schema
	root   string
	table  string
	logger *slog.Logger

	mu    sync.RWMutex
	runs  map[string]*entry
	order []string
	wg    sync.WaitGroup
}

// NewRegistry creates a Registry. Runs are interrupted when ctx is
// cancelled. An empty table loads each run into a table named after it.
func NewRegistry(ctx context.Context, p *pipeline.Pipeline, s *schema.Schema, root, table string, logger *slog.Logger) *Registry {
	return &Registry{
		ctx:    ctx,
		pipe:   p,
		schema: s,
		root:   root,
		table:  table,
		logger: logger,
		runs:   make(map[string]*entry),
	}
}

// Submit starts a run and returns immediately.
func (r *Registry) Submit(name, text string, dryRun bool) (Run, error) {
	if !nameRe.MatchString(name) {
		return Run{}, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	id, err := uuid.NewV7()
	if err != nil {
		return Run{}, fmt.Errorf("run id: %w", err)
	}

	opts := r.pipe.Options()
	opts.RunID = id.String()
	opts.Name = name
	opts.Table = r.table
	opts.OutputDir = filepath.Join(r.root, opts.RunID)
	opts.DryRun = dryRun
	p := r.pipe.WithOptions(opts)

	e := &entry{
		run: Run{
			ID:          opts.RunID,
			Name:        name,
			State:       StateRunning,
			DryRun:      dryRun,
			SubmittedAt: time.Now().UTC(),
		},
		done: make(chan struct{}),
	}

	snapshot := e.run

	r.mu.Lock()
	r.runs[snapshot.ID] = e
	r.order = append(r.order, snapshot.ID)
	r.mu.Unlock()

	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		defer close(e.done)

		report, err := p.Run(r.ctx, text, r.schema)

		r.mu.Lock()
		defer r.mu.Unlock()
		e.run.Report = report
		switch {
		case err == nil:
			e.run.State = StateCompleted
		case errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded):
			e.run.State = StateInterrupted
		default:
			e.run.State = StateFailed
			e.run.Error = err.Error()
			r.logger.Error("run failed", "run_id", snapshot.ID, "error", err)
		}
	}()

	r.logger.Info("run submitted", "run_id", snapshot.ID, "name", name, "dry_run", dryRun)
	return snapshot, nil
}

// Get returns the run with the given ID.
func (r *Registry) Get(id string) (Run, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.runs[id]
	if !ok {
		return Run{}, false
	}
	return e.run, true
}

// List returns all runs in submission order.
func (r *Registry) List() []Run {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Run, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.runs[id].run)
	}
	return out
}

// Wait blocks until the run finishes or ctx is done.
func (r *Registry) Wait(ctx context.Context, id string) (Run, error) {
	r.mu.RLock()
	e, ok := r.runs[id]
	r.mu.RUnlock()
	if !ok {
		return Run{}, fmt.Errorf("run %s not found", id)
	}
	select {
	case <-e.done:
	case <-ctx.Done():
		return Run{}, ctx.Err()
	}
	run, _ := r.Get(id)
	return run, nil
}

// Close waits for every submitted run to finish.
func (r *Registry) Close() {
	r.wg.Wait()
}

// HandleRunRequest starts a run for a hermes.RunRequest. It is meant to be
// subscribed to hermes.SubjectRunRequested.
func (r *Registry) HandleRunRequest(subject string, data []byte) {
	req, err := hermes.ParseRunRequest(data)
	if err != nil {
		r.logger.Warn("ignoring run request", "subject", subject, "error", err)
		return
	}
	text, err := transcript.ReadFile(req.TranscriptPath)
	if err != nil {
		r.logger.Error("failed to read transcript", "path", req.TranscriptPath, "error", err)
		return
	}
	name := req.Name
	if name == "" {
		name = nameFromPath(req.TranscriptPath)
	}
	if _, err := r.Submit(name, text, req.DryRun); err != nil {
		r.logger.Error("failed to submit run", "path", req.TranscriptPath, "error", err)
	}
}

// nameFromPath derives a run name from a transcript file name.
func nameFromPath(path string) string {
	base := filepath.Base(path)
	base = base[:len(base)-len(filepath.Ext(base))]
	out := make([]rune, 0, len(base))
	for _, c := range base {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-':
			out = append(out, c)
		default:
			out = append(out, '_')
		}
	}
	if len(out) == 0 || len(out) > 64 {
		return "transcript"
	}
	return string(out)
}
