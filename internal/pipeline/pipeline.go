// Package pipeline runs a transcript through segmentation, extraction,
// normalization, the record writer and the destination table.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/MikeSquared-Agency/sift/internal/extractor"
	"github.com/MikeSquared-Agency/sift/internal/hermes"
	"github.com/MikeSquared-Agency/sift/internal/normalizer"
	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/slack"
	"github.com/MikeSquared-Agency/sift/internal/store"
	"github.com/MikeSquared-Agency/sift/internal/transcript"
	"github.com/MikeSquared-Agency/sift/internal/writer"
)

// ReportFile is written to the output directory at the end of every run.
const ReportFile = "run_report.json"

// notifyTimeout bounds the post-run Slack call.
const notifyTimeout = 30 * time.Second

// Pipeline runs transcripts. It is safe for concurrent use when each run
// writes to its own output directory.
type Pipeline struct {
	deps   Deps
	opts   Options
	seg    *transcript.Segmenter
	logger *slog.Logger
}

func New(deps Deps, opts Options, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		deps:   deps,
		opts:   opts.withDefaults(),
		seg:    transcript.NewSegmenter(logger),
		logger: logger,
	}
}

// WithOptions returns a copy of p configured with opts.
func (p *Pipeline) WithOptions(opts Options) *Pipeline {
	cp := *p
	cp.opts = opts.withDefaults()
	return &cp
}

// Options returns the effective options.
func (p *Pipeline) Options() Options { return p.opts }

type outcome struct {
	done bool
	res  *extractor.Result
	err  error
}

// Run processes one transcript. Per-message failures are recorded in the
// report and never stop the run. Setup, writer and store connectivity
// errors abort it. When ctx is cancelled no new oracle calls start,
// in-flight calls get GracePeriod to finish, everything that completed is
// still written and loaded, and ctx.Err() is returned with the report.
func (p *Pipeline) Run(ctx context.Context, text string, s *schema.Schema) (*Report, error) {
	runID := p.opts.RunID
	if runID == "" {
		id, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("run id: %w", err)
		}
		runID = id.String()
	}
	report := &Report{
		RunID:     runID,
		Name:      p.opts.Name,
		Table:     store.SanitizeTable(p.opts.Table),
		OutputDir: p.opts.OutputDir,
		StartedAt: time.Now().UTC(),
		DryRun:    p.opts.DryRun,
	}
	logger := p.logger.With("run_id", report.RunID, "name", p.opts.Name)

	msgs := p.seg.Segment(text)
	report.Processed = len(msgs)
	logger.Info("transcript segmented", "messages", len(msgs))

	if p.loads() {
		if err := p.deps.Store.EnsureTable(ctx, p.opts.Table, s); err != nil {
			return nil, fmt.Errorf("ensure table: %w", err)
		}
	}

	w, err := writer.Open(p.opts.OutputDir, p.opts.Name, s)
	if err != nil {
		return nil, fmt.Errorf("open writer: %w", err)
	}

	results := p.extractAll(ctx, logger, msgs, s)
	report.Interrupted = ctx.Err() != nil
	if report.Interrupted {
		logger.Info("run interrupted, keeping completed messages")
	}

	for i, msg := range msgs {
		if err := p.record(report, w, msg, results[i], s); err != nil {
			w.Abort()
			return p.fail(report, err)
		}
	}

	ds, err := w.Close()
	if err != nil {
		return p.fail(report, fmt.Errorf("close writer: %w", err))
	}

	if p.loads() && len(ds.Rows) > 0 {
		// Completed work is loaded even when the run was cancelled.
		lr, err := p.deps.Store.Upsert(context.WithoutCancel(ctx), p.opts.Table, s, ds)
		if lr != nil {
			applyLoad(report, lr)
		}
		if err != nil {
			return p.fail(report, fmt.Errorf("load: %w", err))
		}
	}

	p.finish(ctx, logger, report)
	if report.Interrupted {
		return report, ctx.Err()
	}
	return report, nil
}

func (p *Pipeline) loads() bool {
	return p.deps.Store != nil && !p.opts.DryRun
}

// extractAll calls the oracle for every message with at most Workers calls
// in flight. Results are stored by message index.
func (p *Pipeline) extractAll(ctx context.Context, logger *slog.Logger, msgs []transcript.RawMessage, s *schema.Schema) []outcome {
	results := make([]outcome, len(msgs))

	// In-flight calls outlive ctx by the grace period, but no new attempt
	// starts once ctx is done.
	callCtx, cancelCalls := context.WithCancel(context.WithoutCancel(ctx))
	defer cancelCalls()
	callCtx = extractor.StopRetries(callCtx, ctx.Done())
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-ctx.Done():
		case <-stop:
			return
		}
		t := time.NewTimer(p.opts.GracePeriod)
		defer t.Stop()
		select {
		case <-t.C:
			logger.Warn("grace period elapsed, cancelling in-flight extractions")
			cancelCalls()
		case <-stop:
		}
	}()

	g := new(errgroup.Group)
	g.SetLimit(p.opts.Workers)

	for i, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		g.Go(func() error {
			if ctx.Err() != nil {
				return nil
			}
			res, err := p.deps.Extractor.Extract(callCtx, msg, s)
			results[i] = outcome{done: true, res: res, err: err}
			return nil
		})
	}
	g.Wait()
	return results
}

// record writes the outcome of one message.
func (p *Pipeline) record(report *Report, w *writer.Writer, msg transcript.RawMessage, o outcome, s *schema.Schema) error {
	if !o.done {
		report.Skipped++
		return nil
	}

	if o.err != nil {
		kind := string(extractor.KindTransport)
		attempts := 0
		var xerr *extractor.Error
		if errors.As(o.err, &xerr) {
			kind = string(xerr.Kind)
			attempts = xerr.Attempts
		}
		id, err := w.WriteRejected(msg, kind, o.err, attempts)
		if err != nil {
			return err
		}
		report.Failed++
		report.Rejections = append(report.Rejections, Rejection{
			Index: msg.Index, NaturalID: id, Kind: kind, Reason: o.err.Error(), Attempts: attempts,
		})
		p.logger.Warn("extraction failed", "index", msg.Index, "line", msg.Line, "kind", kind, "error", o.err)
		return nil
	}

	rec, err := normalizer.Normalize(o.res.Candidate, s)
	if err != nil {
		id, werr := w.WriteRejected(msg, KindMissingRequired, err, o.res.Attempts)
		if werr != nil {
			return werr
		}
		report.Rejected++
		report.Rejections = append(report.Rejections, Rejection{
			Index: msg.Index, NaturalID: id, Kind: KindMissingRequired, Reason: err.Error(), Attempts: o.res.Attempts,
		})
		p.logger.Info("message rejected", "index", msg.Index, "line", msg.Line, "error", err)
		return nil
	}

	if _, err := w.WriteAccepted(msg, rec); err != nil {
		return err
	}
	report.Extracted++
	report.Degraded += len(rec.Degraded)
	return nil
}

func applyLoad(report *Report, lr *store.LoadReport) {
	report.Inserted += lr.Inserted
	report.Updated += lr.Updated
	report.LoadRejected += lr.Rejected
	for _, re := range lr.Errors {
		reason := ""
		if re.Err != nil {
			reason = re.Err.Error()
		}
		report.Rejections = append(report.Rejections, Rejection{
			Index: -1, NaturalID: re.NaturalID, Kind: KindLoadRejected, Reason: reason,
		})
	}
}

// fail records a fatal error in the report file and returns it.
func (p *Pipeline) fail(report *Report, err error) (*Report, error) {
	report.Error = err.Error()
	report.FinishedAt = time.Now().UTC()
	if werr := p.writeReport(report); werr != nil {
		p.logger.Error("failed to write run report", "error", werr)
	}
	return report, err
}

// finish publishes events, posts the summary and writes the report file.
func (p *Pipeline) finish(ctx context.Context, logger *slog.Logger, report *Report) {
	report.FinishedAt = time.Now().UTC()

	if p.deps.Events != nil {
		for _, r := range report.Rejections {
			ev := hermes.MessageRejected{
				RunID: report.RunID, Index: r.Index, NaturalID: r.NaturalID, Kind: r.Kind, Reason: r.Reason,
			}
			if err := p.deps.Events.Publish(hermes.SubjectMessageRejected, ev); err != nil {
				logger.Warn("failed to publish rejection", "natural_id", r.NaturalID, "error", err)
			}
		}
		if err := p.deps.Events.Publish(hermes.SubjectRunCompleted, runCompleted(report)); err != nil {
			logger.Warn("failed to publish run completion", "error", err)
		}
	}

	if p.deps.Summary != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), notifyTimeout)
		if _, err := p.deps.Summary.PostRunSummary(nctx, summary(report)); err != nil {
			logger.Warn("failed to post run summary", "error", err)
		}
		cancel()
	}

	if err := p.writeReport(report); err != nil {
		logger.Error("failed to write run report", "error", err)
	}

	logger.Info("run complete",
		"processed", report.Processed,
		"extracted", report.Extracted,
		"rejected", report.Rejected,
		"failed", report.Failed,
		"skipped", report.Skipped,
		"degraded", report.Degraded,
		"inserted", report.Inserted,
		"updated", report.Updated,
		"load_rejected", report.LoadRejected,
		"interrupted", report.Interrupted,
		"duration", report.FinishedAt.Sub(report.StartedAt).Round(time.Millisecond),
	)
}

func (p *Pipeline) writeReport(report *Report) error {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return writer.WriteFileAtomic(filepath.Join(report.OutputDir, ReportFile), data)
}

func runCompleted(r *Report) hermes.RunCompleted {
	ev := hermes.RunCompleted{
		RunID:        r.RunID,
		Name:         r.Name,
		Processed:    r.Processed,
		Extracted:    r.Extracted,
		Rejected:     r.Rejected,
		Failed:       r.Failed,
		Degraded:     r.Degraded,
		Inserted:     r.Inserted,
		Updated:      r.Updated,
		LoadRejected: r.LoadRejected,
		Interrupted:  r.Interrupted,
		DryRun:       r.DryRun,
		FinishedAt:   r.FinishedAt,
	}
	if !r.DryRun {
		ev.Table = r.Table
	}
	return ev
}

func summary(r *Report) slack.Summary {
	s := slack.Summary{
		RunID:        r.RunID,
		Name:         r.Name,
		Processed:    r.Processed,
		Extracted:    r.Extracted,
		Rejected:     r.Rejected,
		Failed:       r.Failed,
		Degraded:     r.Degraded,
		Inserted:     r.Inserted,
		Updated:      r.Updated,
		LoadRejected: r.LoadRejected,
		Interrupted:  r.Interrupted,
		DryRun:       r.DryRun,
		Duration:     r.FinishedAt.Sub(r.StartedAt),
	}
	if !r.DryRun {
		s.Table = r.Table
	}
	for _, rj := range r.Rejections {
		s.Rejections = append(s.Rejections, slack.Rejection{Index: rj.Index, Kind: rj.Kind, Reason: rj.Reason})
	}
	return s
}
