package engine

import (
	"context"
	"fmt"
	"time"

	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/store"
)

// PromptOption sets optional prompt fields.
type PromptOption func(*lineage.Prompt)

// WithModel records the model the prompt was sent to.
func WithModel(id string) PromptOption {
	return func(p *lineage.Prompt) { p.ModelID = id }
}

// WithTemplate records the template the prompt was rendered from.
func WithTemplate(id lineage.TemplateID) PromptOption {
	return func(p *lineage.Prompt) { p.Template = id }
}

// AddPrompt appends a prompt to session and returns its id. In one atomic
// write it stores the prompt, its session link, the Follows edge from the
// previous tail and the updated session aggregate. It fails with
// lineage.ErrNotFound, persisting nothing, if the session does not exist.
func (e *Engine) AddPrompt(ctx context.Context, session lineage.SessionID, text string, metadata lineage.Metadata, opts ...PromptOption) (_ lineage.NodeID, err error) {
	if err := e.check(); err != nil {
		return lineage.NodeID{}, err
	}
	defer e.metrics.observe("add_prompt", time.Now(), &err)

	body := &lineage.Prompt{Text: text}
	for _, opt := range opts {
		opt(body)
	}
	node := &lineage.Node{
		ID:       lineage.NewNodeID(),
		Metadata: normalize(metadata),
		Body:     body,
	}
	if err := e.appendNode(ctx, session, node, nil); err != nil {
		return lineage.NodeID{}, err
	}
	e.logger.Debug("prompt added", "session", session, "node", node.ID, "seq", node.Seq)
	return node.ID, nil
}

// AddResponse appends a response to the session of prompt and links it to
// the prompt. It fails with lineage.ErrNotFound if the prompt does not
// exist and with lineage.ErrInvalidArgument if the id is not a prompt. A
// prompt may have any number of responses.
func (e *Engine) AddResponse(ctx context.Context, prompt lineage.NodeID, text string, usage lineage.TokenUsage, metadata lineage.Metadata) (_ lineage.NodeID, err error) {
	if err := e.check(); err != nil {
		return lineage.NodeID{}, err
	}
	defer e.metrics.observe("add_response", time.Now(), &err)

	session, err := e.promptSession(ctx, prompt)
	if err != nil {
		return lineage.NodeID{}, err
	}
	node := &lineage.Node{
		ID:       lineage.NewNodeID(),
		Metadata: normalize(metadata),
		Body:     &lineage.Response{Text: text, Usage: usage},
	}
	respondsTo := &lineage.Edge{ID: lineage.NewEdgeID(), From: node.ID, To: prompt, Kind: lineage.RespondsTo}
	if err := e.appendNode(ctx, session, node, respondsTo); err != nil {
		return lineage.NodeID{}, err
	}
	e.logger.Debug("response added", "session", session, "prompt", prompt, "node", node.ID, "seq", node.Seq)
	return node.ID, nil
}

func (e *Engine) promptSession(ctx context.Context, prompt lineage.NodeID) (lineage.SessionID, error) {
	ctx, cancel := e.timeout(ctx)
	defer cancel()
	p, err := e.backend.GetNode(ctx, prompt)
	if err != nil {
		return lineage.SessionID{}, err
	}
	if p == nil {
		return lineage.SessionID{}, fmt.Errorf("%w: prompt %s", lineage.ErrNotFound, prompt)
	}
	if p.Kind() != lineage.KindPrompt {
		return lineage.SessionID{}, fmt.Errorf("%w: node %s is a %s, not a prompt", lineage.ErrInvalidArgument, prompt, p.Kind())
	}
	return e.sessionOf(ctx, p)
}

// appendNode stores node as the new tail of session together with its
// HandledBy edge, the Follows edge from the old tail, the optional extra
// edge and the updated aggregate. node.Seq and node.CreatedAt are assigned
// here.
func (e *Engine) appendNode(ctx context.Context, session lineage.SessionID, node *lineage.Node, extra *lineage.Edge) error {
	e.admin.RLock()
	defer e.admin.RUnlock()
	unlock := e.locks.lock(session)
	defer unlock()

	ctx, cancel := e.timeout(ctx)
	defer cancel()

	st, err := e.backend.GetSessionState(ctx, session)
	if err != nil {
		return err
	}
	if st == nil {
		return fmt.Errorf("%w: session %s", lineage.ErrNotFound, session)
	}

	now := lineage.Now()
	var edges []*lineage.Edge
	if extra != nil {
		edges = append(edges, extra)
	}
	edges = append(edges, &lineage.Edge{ID: lineage.NewEdgeID(), From: node.ID, To: session.Node(), Kind: lineage.HandledBy})
	if !st.Tail.IsZero() {
		edges = append(edges, &lineage.Edge{ID: lineage.NewEdgeID(), From: st.Tail, To: node.ID, Kind: lineage.Follows})
	}

	// Sequence numbers are taken under the session lock, so creation order
	// within a session matches commit order.
	if node.Seq, err = e.backend.NextSeq(ctx); err != nil {
		return err
	}
	node.CreatedAt = now
	for _, edge := range edges {
		if edge.Seq, err = e.backend.NextSeq(ctx); err != nil {
			return err
		}
		edge.CreatedAt = now
	}

	next := &store.SessionState{
		Head:      st.Head,
		Tail:      node.ID,
		NodeCount: st.NodeCount + 1,
		EdgeCount: st.EdgeCount + int64(len(edges)),
	}
	if next.Head.IsZero() {
		next.Head = node.ID
	}
	err = e.backend.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutNode(node); err != nil {
			return err
		}
		if err := tx.PutSessionIndex(session, node.ID, node.Seq); err != nil {
			return err
		}
		for _, edge := range edges {
			if err := tx.PutEdge(edge); err != nil {
				return err
			}
			if err := tx.PutSessionEdge(session, edge.ID, edge.Seq); err != nil {
				return err
			}
		}
		return tx.PutSessionState(session, next)
	})
	if err != nil {
		return err
	}
	e.refresh(session, next)
	return nil
}

// AddCustomEdge links from to to with a caller-defined kind and returns the
// edge id. The edge is accounted to the session that owns from. It fails
// with lineage.ErrInvalidArgument for a self-loop or a kind not created
// with lineage.Custom, and with lineage.ErrNotFound if an endpoint is
// missing.
func (e *Engine) AddCustomEdge(ctx context.Context, from, to lineage.NodeID, kind lineage.EdgeKind) (_ lineage.EdgeID, err error) {
	if err := e.check(); err != nil {
		return lineage.EdgeID{}, err
	}
	defer e.metrics.observe("add_custom_edge", time.Now(), &err)

	if from == to {
		return lineage.EdgeID{}, fmt.Errorf("%w: self-loop on node %s", lineage.ErrInvalidArgument, from)
	}
	if err := kind.Validate(); err != nil {
		return lineage.EdgeID{}, err
	}
	if !kind.IsCustom() {
		return lineage.EdgeID{}, fmt.Errorf("%w: %q is maintained by the engine", lineage.ErrInvalidArgument, string(kind))
	}

	session, err := e.edgeSession(ctx, from, to)
	if err != nil {
		return lineage.EdgeID{}, err
	}

	e.admin.RLock()
	defer e.admin.RUnlock()
	unlock := e.locks.lock(session)
	defer unlock()

	ctx, cancel := e.timeout(ctx)
	defer cancel()

	st, err := e.backend.GetSessionState(ctx, session)
	if err != nil {
		return lineage.EdgeID{}, err
	}
	if st == nil {
		return lineage.EdgeID{}, lineage.Inconsistent(session, "session has no aggregate record")
	}
	seq, err := e.backend.NextSeq(ctx)
	if err != nil {
		return lineage.EdgeID{}, err
	}
	edge := &lineage.Edge{
		ID:        lineage.NewEdgeID(),
		From:      from,
		To:        to,
		Kind:      kind,
		Seq:       seq,
		CreatedAt: lineage.Now(),
	}
	next := *st
	next.EdgeCount++
	err = e.backend.Update(ctx, func(tx store.Tx) error {
		if err := tx.PutEdge(edge); err != nil {
			return err
		}
		if err := tx.PutSessionEdge(session, edge.ID, edge.Seq); err != nil {
			return err
		}
		return tx.PutSessionState(session, &next)
	})
	if err != nil {
		return lineage.EdgeID{}, err
	}
	e.refresh(session, &next)
	e.logger.Debug("custom edge added", "session", session, "edge", edge.ID, "kind", kind)
	return edge.ID, nil
}

// edgeSession checks that both endpoints exist and returns the session
// owning from.
func (e *Engine) edgeSession(ctx context.Context, from, to lineage.NodeID) (lineage.SessionID, error) {
	ctx, cancel := e.timeout(ctx)
	defer cancel()
	var src *lineage.Node
	for _, id := range []lineage.NodeID{from, to} {
		n, err := e.backend.GetNode(ctx, id)
		if err != nil {
			return lineage.SessionID{}, err
		}
		if n == nil {
			return lineage.SessionID{}, fmt.Errorf("%w: node %s", lineage.ErrNotFound, id)
		}
		if id == from {
			src = n
		}
	}
	return e.sessionOf(ctx, src)
}

// refresh updates the cached view of session after a committed write. The
// caller holds the session lock.
func (e *Engine) refresh(session lineage.SessionID, st *store.SessionState) {
	s, ok := e.cache.get(session)
	if !ok {
		return
	}
	s.NodeCount = st.NodeCount
	s.EdgeCount = st.EdgeCount
	e.cache.put(s)
}
