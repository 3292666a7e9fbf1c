// Package query reads the lineage graph: filtered listing with pagination
// ([Builder]) and traversal ([FindResponses], [ConversationThread],
// [Ancestors], [Walk]).
//
// Everything here works against a [Source], which *engine.Engine
// satisfies. Traversals defend against corrupt data: a Follows or
// RespondsTo cycle, a forked chain or a dangling link fails with
// lineage.ErrInconsistentGraph instead of looping or truncating.
package query

import (
	"context"
	"iter"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/haivivi/lineage/pkg/lineage"
)

// Source is the read access the query subsystem needs.
type Source interface {
	GetNode(ctx context.Context, id lineage.NodeID) (*lineage.Node, error)
	Nodes(ctx context.Context) iter.Seq2[*lineage.Node, error]
	SessionNodes(ctx context.Context, session lineage.SessionID) iter.Seq2[lineage.NodeID, error]
	Outgoing(ctx context.Context, from lineage.NodeID, kind lineage.EdgeKind) iter.Seq2[lineage.Link, error]
	Incoming(ctx context.Context, to lineage.NodeID, kind lineage.EdgeKind) iter.Seq2[lineage.Link, error]
	Stats(ctx context.Context, session lineage.SessionID) (lineage.SessionStats, error)
}

const tracerName = "github.com/haivivi/lineage/pkg/lineage/query"

func startSpan(ctx context.Context, name string, opts ...trace.SpanStartOption) (context.Context, trace.Span) {
	return otel.Tracer(tracerName).Start(ctx, name, opts...)
}

// endSpan records err on span, if any, and ends it.
func endSpan(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, lineage.KindOf(err).String())
	}
	span.End()
}

// node loads id and treats a missing record as a graph inconsistency, since
// callers only load ids reached through an index or a link.
func node(ctx context.Context, src Source, id lineage.NodeID, via string) (*lineage.Node, error) {
	n, err := src.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if n == nil {
		return nil, lineage.Inconsistent(id, "referenced by %s but not stored", via)
	}
	return n, nil
}
