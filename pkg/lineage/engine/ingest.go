package engine

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/haivivi/lineage/pkg/lineage"
)

// IngestPrompt stores a prompt handed over by the ingestion pipeline.
func (e *Engine) IngestPrompt(ctx context.Context, rec lineage.PromptRecord) (lineage.NodeID, error) {
	var opts []PromptOption
	if rec.ModelID != "" {
		opts = append(opts, WithModel(rec.ModelID))
	}
	if !rec.TemplateID.IsZero() {
		opts = append(opts, WithTemplate(rec.TemplateID))
	}
	return e.AddPrompt(ctx, rec.SessionID, rec.Text, rec.Metadata, opts...)
}

// IngestResponse stores a response handed over by the ingestion pipeline.
func (e *Engine) IngestResponse(ctx context.Context, rec lineage.ResponseRecord) (lineage.NodeID, error) {
	return e.AddResponse(ctx, rec.PromptID, rec.Text, rec.Usage, rec.Metadata)
}

// IngestResult holds the ids assigned to one ingested interaction.
type IngestResult struct {
	Prompt    lineage.NodeID   `json:"prompt"`
	Responses []lineage.NodeID `json:"responses,omitempty"`
}

// IngestBatch stores interactions and returns their ids, index-aligned
// with the input. Interactions of one session are applied in input order;
// different sessions are ingested concurrently, at most concurrency at a
// time (unbounded if concurrency <= 0). The first failure cancels the
// remaining work; results of interactions stored before it are kept.
func (e *Engine) IngestBatch(ctx context.Context, batch []lineage.Interaction, concurrency int) ([]IngestResult, error) {
	bySession := make(map[lineage.SessionID][]int)
	var order []lineage.SessionID
	for i, it := range batch {
		sid := it.Prompt.SessionID
		if _, ok := bySession[sid]; !ok {
			order = append(order, sid)
		}
		bySession[sid] = append(bySession[sid], i)
	}

	results := make([]IngestResult, len(batch))
	g, ctx := errgroup.WithContext(ctx)
	if concurrency > 0 {
		g.SetLimit(concurrency)
	}
	for _, sid := range order {
		g.Go(func() error {
			for _, i := range bySession[sid] {
				if err := ctx.Err(); err != nil {
					return err
				}
				res, err := e.ingestOne(ctx, batch[i])
				results[i] = res
				if err != nil {
					return fmt.Errorf("interaction %d: %w", i, err)
				}
			}
			return nil
		})
	}
	err := g.Wait()
	e.logger.Debug("batch ingested", "interactions", len(batch), "sessions", len(order), "error", err)
	return results, err
}

func (e *Engine) ingestOne(ctx context.Context, it lineage.Interaction) (IngestResult, error) {
	pid, err := e.IngestPrompt(ctx, it.Prompt)
	if err != nil {
		return IngestResult{}, err
	}
	res := IngestResult{Prompt: pid}
	for _, r := range it.Responses {
		r.PromptID = pid
		rid, err := e.IngestResponse(ctx, r)
		if err != nil {
			return res, err
		}
		res.Responses = append(res.Responses, rid)
	}
	return res, nil
}
