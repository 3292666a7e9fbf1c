package query

import (
	"context"
	"fmt"
	"slices"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haivivi/lineage/pkg/lineage"
)

// FindResponses returns the responses linked to prompt, in creation order.
// The slice is empty, not nil, when there are none. It fails with
// lineage.ErrNotFound if the prompt does not exist and with
// lineage.ErrInvalidArgument if the id is not a prompt.
func FindResponses(ctx context.Context, src Source, prompt lineage.NodeID) (_ []*lineage.Node, err error) {
	ctx, span := startSpan(ctx, "query.FindResponses", trace.WithAttributes(attribute.Stringer("prompt", prompt)))
	defer func() { endSpan(span, err) }()

	p, err := src.GetNode(ctx, prompt)
	if err != nil {
		return nil, err
	}
	if p == nil {
		return nil, fmt.Errorf("%w: prompt %s", lineage.ErrNotFound, prompt)
	}
	if p.Kind() != lineage.KindPrompt {
		return nil, fmt.Errorf("%w: node %s is a %s, not a prompt", lineage.ErrInvalidArgument, prompt, p.Kind())
	}

	out := []*lineage.Node{}
	for l, err := range src.Incoming(ctx, prompt, lineage.RespondsTo) {
		if err != nil {
			return nil, err
		}
		r, err := node(ctx, src, l.From, "responds_to edge "+l.Edge.String())
		if err != nil {
			return nil, err
		}
		if r.Kind() != lineage.KindResponse {
			return nil, lineage.Inconsistent(l.Edge, "responds_to edge starts at a %s", r.Kind())
		}
		out = append(out, r)
	}
	return out, nil
}

// ConversationThread returns the prompts and responses of session in order,
// following Follows edges from the first node to the tail. A gap, fork or
// cycle in the chain, or a chain that disagrees with the session
// aggregate, fails with lineage.ErrInconsistentGraph rather than returning
// a truncated thread. A missing session fails with lineage.ErrNotFound.
func ConversationThread(ctx context.Context, src Source, session lineage.SessionID) (_ []*lineage.Node, err error) {
	ctx, span := startSpan(ctx, "query.ConversationThread", trace.WithAttributes(attribute.Stringer("session", session)))
	defer func() { endSpan(span, err) }()

	st, err := src.Stats(ctx, session)
	if err != nil {
		return nil, err
	}
	thread := []*lineage.Node{}
	if st.Head.IsZero() {
		if st.NodeCount != 0 {
			return nil, lineage.Inconsistent(session, "%d nodes but no head", st.NodeCount)
		}
		return thread, nil
	}

	visited := make(map[lineage.NodeID]bool)
	for cur := st.Head; ; {
		if visited[cur] {
			return nil, lineage.Inconsistent(cur, "follows cycle in session %s", session)
		}
		visited[cur] = true
		if int64(len(thread)) >= st.NodeCount {
			return nil, lineage.Inconsistent(session, "follows chain is longer than the %d recorded nodes", st.NodeCount)
		}
		n, err := node(ctx, src, cur, "follows chain of session "+session.String())
		if err != nil {
			return nil, err
		}
		thread = append(thread, n)

		next, err := follower(ctx, src, cur)
		if err != nil {
			return nil, err
		}
		if next.IsZero() {
			break
		}
		cur = next
	}

	last := thread[len(thread)-1].ID
	if last != st.Tail {
		return nil, lineage.Inconsistent(session, "follows chain ends at %s, tail is %s", last, st.Tail)
	}
	if int64(len(thread)) != st.NodeCount {
		return nil, lineage.Inconsistent(session, "follows chain has %d nodes, session records %d", len(thread), st.NodeCount)
	}
	span.SetAttributes(attribute.Int("nodes", len(thread)))
	return thread, nil
}

// follower returns the node following id, or the zero id at the tail.
func follower(ctx context.Context, src Source, id lineage.NodeID) (lineage.NodeID, error) {
	var next lineage.NodeID
	for l, err := range src.Outgoing(ctx, id, lineage.Follows) {
		if err != nil {
			return lineage.NodeID{}, err
		}
		if !next.IsZero() {
			return lineage.NodeID{}, lineage.Inconsistent(id, "follows chain forks to %s and %s", next, l.To)
		}
		next = l.To
	}
	return next, nil
}

// Ancestors returns the nodes that led to id through the Follows chain,
// oldest first, excluding id itself. It fails with lineage.ErrNotFound if
// the node does not exist.
func Ancestors(ctx context.Context, src Source, id lineage.NodeID) (_ []*lineage.Node, err error) {
	ctx, span := startSpan(ctx, "query.Ancestors", trace.WithAttributes(attribute.Stringer("node", id)))
	defer func() { endSpan(span, err) }()

	start, err := src.GetNode(ctx, id)
	if err != nil {
		return nil, err
	}
	if start == nil {
		return nil, fmt.Errorf("%w: node %s", lineage.ErrNotFound, id)
	}

	var chain []*lineage.Node
	visited := map[lineage.NodeID]bool{id: true}
	for cur := id; ; {
		var prev lineage.NodeID
		for l, err := range src.Incoming(ctx, cur, lineage.Follows) {
			if err != nil {
				return nil, err
			}
			if !prev.IsZero() {
				return nil, lineage.Inconsistent(cur, "followed by both %s and %s", prev, l.From)
			}
			prev = l.From
		}
		if prev.IsZero() {
			break
		}
		if visited[prev] {
			return nil, lineage.Inconsistent(prev, "follows cycle through %s", id)
		}
		visited[prev] = true
		n, err := node(ctx, src, prev, "follows edge to "+cur.String())
		if err != nil {
			return nil, err
		}
		chain = append(chain, n)
		cur = prev
	}
	slices.Reverse(chain)
	return chain, nil
}

// Direction selects which links a walk follows.
type Direction int

const (
	// Forward follows outgoing links.
	Forward Direction = iota
	// Backward follows incoming links.
	Backward
	// Both follows links in either direction.
	Both
)

func (d Direction) String() string {
	switch d {
	case Forward:
		return "forward"
	case Backward:
		return "backward"
	case Both:
		return "both"
	default:
		return fmt.Sprintf("Direction(%d)", int(d))
	}
}

// ParseDirection parses a name as returned by [Direction.String].
func ParseDirection(s string) (Direction, error) {
	for _, d := range []Direction{Forward, Backward, Both} {
		if d.String() == s {
			return d, nil
		}
	}
	return 0, fmt.Errorf("%w: unknown direction %q", lineage.ErrInvalidArgument, s)
}

// Order selects the visiting order of a walk.
type Order int

const (
	BreadthFirst Order = iota
	DepthFirst
)

// Unlimited as WalkOptions.MaxDepth walks the whole reachable graph.
const Unlimited = -1

// WalkOptions control Walk.
type WalkOptions struct {
	// Kinds restricts the followed edge kinds. Empty follows all kinds.
	// PartOf matches HandledBy.
	Kinds []lineage.EdgeKind

	Direction Direction

	// MaxDepth bounds the number of hops from the start node. Zero returns
	// only the start node; Unlimited removes the bound.
	MaxDepth int

	Order Order
}

// Step is one node reached by Walk.
type Step struct {
	Node  *lineage.Node `json:"node"`
	Depth int           `json:"depth"`

	// Via is the link the node was reached through. Zero for the start.
	Via lineage.Link `json:"via,omitzero"`
}

// Walk visits the nodes reachable from start and returns them in visiting
// order, each node once. Nodes already visited are skipped, except that a
// revisit reaching a Follows or RespondsTo cycle fails with
// lineage.ErrInconsistentGraph: such cycles cannot be created through the
// engine. A missing start fails with lineage.ErrNotFound.
//
// BreadthFirst reports each node at its shortest distance from start.
// DepthFirst reports the depth-first tree: a node is visited when it is
// taken off the stack, so Depth and Via follow the path that reached it
// first in depth-first order. With a MaxDepth bound, DepthFirst expands a
// node only from that first visit.
func Walk(ctx context.Context, src Source, start lineage.NodeID, opts WalkOptions) (_ []Step, err error) {
	ctx, span := startSpan(ctx, "query.Walk", trace.WithAttributes(
		attribute.Stringer("start", start),
		attribute.Stringer("direction", opts.Direction),
		attribute.Int("max_depth", opts.MaxDepth),
	))
	defer func() { endSpan(span, err) }()

	if opts.MaxDepth < Unlimited {
		return nil, fmt.Errorf("%w: negative max depth %d", lineage.ErrInvalidArgument, opts.MaxDepth)
	}
	if opts.Direction < Forward || opts.Direction > Both {
		return nil, fmt.Errorf("%w: unknown direction %d", lineage.ErrInvalidArgument, int(opts.Direction))
	}
	kinds := []lineage.EdgeKind{""}
	if len(opts.Kinds) > 0 {
		kinds = kinds[:0]
		for _, k := range opts.Kinds {
			if err := k.Validate(); err != nil {
				return nil, err
			}
			if k = k.Canonical(); !slices.Contains(kinds, k) {
				kinds = append(kinds, k)
			}
		}
	}

	root, err := src.GetNode(ctx, start)
	if err != nil {
		return nil, err
	}
	if root == nil {
		return nil, fmt.Errorf("%w: node %s", lineage.ErrNotFound, start)
	}

	dfs := opts.Order == DepthFirst
	w := &walker{
		src:     src,
		kinds:   kinds,
		dir:     opts.Direction,
		dfs:     dfs,
		visited: map[lineage.NodeID]bool{},
		acyclic: map[lineage.EdgeKind]map[lineage.NodeID]bool{},
	}
	if !dfs {
		w.visited[start] = true
	}
	pending := []Step{{Node: root}}
	var out []Step
	for len(pending) > 0 {
		var s Step
		if dfs {
			s, pending = pending[len(pending)-1], pending[:len(pending)-1]
			if w.visited[s.Node.ID] {
				continue
			}
			w.visited[s.Node.ID] = true
		} else {
			s, pending = pending[0], pending[1:]
		}
		out = append(out, s)
		if opts.MaxDepth != Unlimited && s.Depth >= opts.MaxDepth {
			continue
		}
		next, err := w.expand(ctx, s)
		if err != nil {
			return nil, err
		}
		if dfs {
			// The first neighbour is visited first.
			slices.Reverse(next)
		}
		pending = append(pending, next...)
	}
	span.SetAttributes(attribute.Int("nodes", len(out)))
	return out, nil
}

type walker struct {
	src     Source
	kinds   []lineage.EdgeKind
	dir     Direction
	dfs     bool
	visited map[lineage.NodeID]bool

	// acyclic holds, per kind, the nodes from which no cycle of that kind
	// is reachable.
	acyclic map[lineage.EdgeKind]map[lineage.NodeID]bool
}

// expand returns the unvisited neighbours of s. Breadth-first walks mark
// them visited here; depth-first walks mark them when they are taken off
// the stack.
func (w *walker) expand(ctx context.Context, s Step) ([]Step, error) {
	id := s.Node.ID
	var next []Step
	visit := func(l lineage.Link) error {
		peer := l.Peer(id)
		if w.visited[peer] {
			if l.Kind == lineage.Follows || l.Kind == lineage.RespondsTo {
				cyclic, err := w.closesCycle(ctx, l)
				if err != nil {
					return err
				}
				if cyclic {
					return lineage.Inconsistent(l.Edge, "%s cycle through %s", l.Kind, peer)
				}
			}
			return nil
		}
		if !w.dfs {
			w.visited[peer] = true
		}
		n, err := node(ctx, w.src, peer, "edge "+l.Edge.String())
		if err != nil {
			return err
		}
		next = append(next, Step{Node: n, Depth: s.Depth + 1, Via: l})
		return nil
	}
	for _, kind := range w.kinds {
		if w.dir == Forward || w.dir == Both {
			for l, err := range w.src.Outgoing(ctx, id, kind) {
				if err == nil {
					err = visit(l)
				}
				if err != nil {
					return nil, err
				}
			}
		}
		if w.dir == Backward || w.dir == Both {
			for l, err := range w.src.Incoming(ctx, id, kind) {
				if err == nil {
					err = visit(l)
				}
				if err != nil {
					return nil, err
				}
			}
		}
	}
	return next, nil
}

// closesCycle reports whether a cycle made only of edges of l's kind is
// reachable from l.To. When l itself lies on such a cycle, l.From is
// reachable from l.To and the cycle is found. Mixed-kind loops, like a
// prompt that is followed by its own response, are legitimate and not
// reported.
//
// Nodes proven free of cycles are remembered per kind, so each node's
// outgoing edges are listed at most once per kind over the whole walk.
func (w *walker) closesCycle(ctx context.Context, l lineage.Link) (bool, error) {
	done := w.acyclic[l.Kind]
	if done == nil {
		done = map[lineage.NodeID]bool{}
		w.acyclic[l.Kind] = done
	}
	if done[l.To] {
		return false, nil
	}

	type frame struct {
		id    lineage.NodeID
		peers []lineage.NodeID
	}
	onStack := map[lineage.NodeID]bool{}
	push := func(id lineage.NodeID) (frame, error) {
		f := frame{id: id}
		for next, err := range w.src.Outgoing(ctx, id, l.Kind) {
			if err != nil {
				return f, err
			}
			f.peers = append(f.peers, next.To)
		}
		onStack[id] = true
		return f, nil
	}

	f, err := push(l.To)
	if err != nil {
		return false, err
	}
	stack := []frame{f}
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		if len(top.peers) == 0 {
			delete(onStack, top.id)
			done[top.id] = true
			stack = stack[:len(stack)-1]
			continue
		}
		peer := top.peers[0]
		top.peers = top.peers[1:]
		switch {
		case onStack[peer]:
			return true, nil
		case done[peer]:
			continue
		}
		f, err := push(peer)
		if err != nil {
			return false, err
		}
		stack = append(stack, f)
	}
	return false, nil
}
