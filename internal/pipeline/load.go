package pipeline

import (
	"context"
	"fmt"

	"github.com/MikeSquared-Agency/sift/internal/schema"
	"github.com/MikeSquared-Agency/sift/internal/store"
	"github.com/MikeSquared-Agency/sift/internal/writer"
)

// LoadOutput loads the accepted artifacts of a previous run into the
// destination table without calling the oracle again.
func (p *Pipeline) LoadOutput(ctx context.Context, s *schema.Schema) (*store.LoadReport, error) {
	if p.deps.Store == nil {
		return nil, fmt.Errorf("no destination configured")
	}

	arts, err := writer.ReadArtifacts(p.opts.OutputDir)
	if err != nil {
		return nil, fmt.Errorf("read artifacts: %w", err)
	}
	ds := writer.DatasetFromArtifacts(p.opts.Name, arts, s)
	p.logger.Info("loading previous output",
		"dir", p.opts.OutputDir,
		"artifacts", len(arts),
		"rows", len(ds.Rows),
	)

	if err := p.deps.Store.EnsureTable(ctx, p.opts.Table, s); err != nil {
		return nil, fmt.Errorf("ensure table: %w", err)
	}
	lr, err := p.deps.Store.Upsert(ctx, p.opts.Table, s, ds)
	if err != nil {
		return lr, fmt.Errorf("load: %w", err)
	}
	return lr, nil
}
