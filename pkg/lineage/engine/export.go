package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"

	"github.com/haivivi/lineage/pkg/lineage"
)

// SessionExport is the plain-record view of one session, as written by
// Export.
type SessionExport struct {
	Session *lineage.Session     `json:"session"`
	Stats   lineage.SessionStats `json:"stats"`
	Nodes   []*lineage.Node      `json:"nodes"`
	Edges   []*lineage.Edge      `json:"edges"`
}

// ExportSession collects the session with its nodes and edges, both in
// creation order. It fails with lineage.ErrNotFound if the session does
// not exist.
func (e *Engine) ExportSession(ctx context.Context, session lineage.SessionID) (*SessionExport, error) {
	s, err := e.GetSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if s == nil {
		return nil, fmt.Errorf("%w: session %s", lineage.ErrNotFound, session)
	}
	stats, err := e.Stats(ctx, session)
	if err != nil {
		return nil, err
	}
	out := &SessionExport{Session: s, Stats: stats, Nodes: []*lineage.Node{}, Edges: []*lineage.Edge{}}
	for id, err := range e.SessionNodes(ctx, session) {
		if err != nil {
			return nil, err
		}
		n, err := e.GetNode(ctx, id)
		if err != nil {
			return nil, err
		}
		if n == nil {
			return nil, lineage.Inconsistent(id, "indexed in session %s but not stored", session)
		}
		out.Nodes = append(out.Nodes, n)
	}
	for id, err := range guard(ctx, e, func(ctx context.Context) iter.Seq2[lineage.EdgeID, error] {
		return e.backend.SessionEdges(ctx, session)
	}) {
		if err != nil {
			return nil, err
		}
		edge, err := e.GetEdge(ctx, id)
		if err != nil {
			return nil, err
		}
		if edge == nil {
			return nil, lineage.Inconsistent(id, "indexed in session %s but not stored", session)
		}
		out.Edges = append(out.Edges, edge)
	}
	return out, nil
}

// Export writes the session as an indented JSON document to w. JSON is an
// export format only; it is never read back by the engine.
func (e *Engine) Export(ctx context.Context, session lineage.SessionID, w io.Writer) error {
	doc, err := e.ExportSession(ctx, session)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(doc)
}
