package query

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"slices"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haivivi/lineage/pkg/lineage"
)

// ErrConsumed is yielded when the result of Execute is ranged a second time.
var ErrConsumed = fmt.Errorf("%w: query result already consumed", lineage.ErrInvalidArgument)

// Builder accumulates conjunctive constraints on nodes. The zero value
// matches every node. Setters return the builder for chaining; an invalid
// argument is reported by Execute.
type Builder struct {
	session    lineage.SessionID
	hasSession bool
	kinds      []lineage.NodeKind
	since      time.Time
	until      time.Time
	template   lineage.TemplateID
	where      lineage.Metadata
	limit      int
	offset     int
	errs       []error
}

// New returns an empty builder.
func New() *Builder { return &Builder{} }

// Session restricts results to the prompts and responses of session.
func (b *Builder) Session(id lineage.SessionID) *Builder {
	b.session, b.hasSession = id, true
	return b
}

// Kind restricts results to the given node kinds. Repeated calls add kinds.
func (b *Builder) Kind(kinds ...lineage.NodeKind) *Builder {
	for _, k := range kinds {
		if k < lineage.KindPrompt || k > lineage.KindSession {
			b.errs = append(b.errs, fmt.Errorf("%w: unknown node kind %d", lineage.ErrInvalidArgument, k))
			continue
		}
		b.kinds = append(b.kinds, k)
	}
	return b
}

// Since keeps nodes created at or after t.
func (b *Builder) Since(t time.Time) *Builder {
	b.since = t
	return b
}

// Until keeps nodes created strictly before t.
func (b *Builder) Until(t time.Time) *Builder {
	b.until = t
	return b
}

// Template keeps prompts rendered from template id.
func (b *Builder) Template(id lineage.TemplateID) *Builder {
	b.template = id
	return b
}

// Where keeps nodes whose metadata maps key to value. Repeated calls must
// all match.
func (b *Builder) Where(key, value string) *Builder {
	if b.where == nil {
		b.where = lineage.Metadata{}
	}
	b.where[key] = value
	return b
}

// Limit caps the number of results. Zero means no cap.
func (b *Builder) Limit(n int) *Builder {
	if n < 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: negative limit %d", lineage.ErrInvalidArgument, n))
	}
	b.limit = n
	return b
}

// Offset skips the first n matches.
func (b *Builder) Offset(n int) *Builder {
	if n < 0 {
		b.errs = append(b.errs, fmt.Errorf("%w: negative offset %d", lineage.ErrInvalidArgument, n))
	}
	b.offset = n
	return b
}

// Validate reports the invalid constraints, if any.
func (b *Builder) Validate() error {
	if err := errors.Join(b.errs...); err != nil {
		return err
	}
	if !b.since.IsZero() && !b.until.IsZero() && b.until.Before(b.since) {
		return fmt.Errorf("%w: until %s is before since %s", lineage.ErrInvalidArgument,
			b.until.Format(time.RFC3339Nano), b.since.Format(time.RFC3339Nano))
	}
	return nil
}

// Match reports whether n satisfies every constraint except session,
// limit and offset.
func (b *Builder) Match(n *lineage.Node) bool {
	if len(b.kinds) > 0 && !slices.Contains(b.kinds, n.Kind()) {
		return false
	}
	if !b.since.IsZero() && n.CreatedAt.Before(b.since) {
		return false
	}
	if !b.until.IsZero() && !n.CreatedAt.Before(b.until) {
		return false
	}
	if !b.template.IsZero() {
		p, ok := n.Body.(*lineage.Prompt)
		if !ok || p.Template != b.template {
			return false
		}
	}
	for k, v := range b.where {
		if got, ok := n.Metadata[k]; !ok || got != v {
			return false
		}
	}
	return true
}

// Execute yields the matching nodes in creation order. The sequence is
// single-use: ranging it again yields ErrConsumed. Later changes to the
// builder do not affect a sequence already returned.
func (b *Builder) Execute(ctx context.Context, src Source) iter.Seq2[*lineage.Node, error] {
	q := b.clone()
	var used atomic.Bool
	return func(yield func(*lineage.Node, error) bool) {
		if !used.CompareAndSwap(false, true) {
			yield(nil, ErrConsumed)
			return
		}
		ctx, span := startSpan(ctx, "query.Execute", trace.WithAttributes(
			attribute.Bool("session", q.hasSession),
			attribute.Int("limit", q.limit),
			attribute.Int("offset", q.offset),
		))
		var err error
		defer func() { endSpan(span, err) }()

		if err = q.Validate(); err != nil {
			yield(nil, err)
			return
		}
		skipped, emitted := 0, 0
		for n, e := range q.candidates(ctx, src) {
			if e != nil {
				err = e
				yield(nil, err)
				return
			}
			if !q.Match(n) {
				continue
			}
			if skipped < q.offset {
				skipped++
				continue
			}
			emitted++
			if !yield(n, nil) {
				break
			}
			if q.limit > 0 && emitted >= q.limit {
				break
			}
		}
		span.SetAttributes(attribute.Int("results", emitted))
	}
}

// Collect runs the query and returns the matches as a slice.
func (b *Builder) Collect(ctx context.Context, src Source) ([]*lineage.Node, error) {
	out := []*lineage.Node{}
	for n, err := range b.Execute(ctx, src) {
		if err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, nil
}

// candidates yields the nodes to filter: the session's members when a
// session is set, otherwise every node.
func (b *Builder) candidates(ctx context.Context, src Source) iter.Seq2[*lineage.Node, error] {
	if !b.hasSession {
		return src.Nodes(ctx)
	}
	return func(yield func(*lineage.Node, error) bool) {
		for id, err := range src.SessionNodes(ctx, b.session) {
			if err != nil {
				yield(nil, err)
				return
			}
			n, err := node(ctx, src, id, "session index")
			if !yield(n, err) || err != nil {
				return
			}
		}
	}
}

func (b *Builder) clone() *Builder {
	cp := *b
	cp.kinds = slices.Clone(b.kinds)
	cp.where = b.where.Clone()
	cp.errs = slices.Clone(b.errs)
	return &cp
}
