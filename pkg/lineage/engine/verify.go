package engine

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"time"

	"github.com/haivivi/lineage/pkg/lineage"
	"github.com/haivivi/lineage/pkg/lineage/store"
)

// DiscrepancyKind classifies a verification finding.
type DiscrepancyKind string

const (
	SelfLoop             DiscrepancyKind = "self_loop"
	DanglingEdge         DiscrepancyKind = "dangling_edge"
	MissingSessionLink   DiscrepancyKind = "missing_session_link"
	MultipleSessionLinks DiscrepancyKind = "multiple_session_links"
	MissingPromptLink    DiscrepancyKind = "missing_prompt_link"
	MultiplePromptLinks  DiscrepancyKind = "multiple_prompt_links"
	MissingState         DiscrepancyKind = "missing_state"
	OrphanState          DiscrepancyKind = "orphan_state"
	CountMismatch        DiscrepancyKind = "count_mismatch"
	SessionIndex         DiscrepancyKind = "session_index"
	EdgeIndex            DiscrepancyKind = "edge_index"
	CreationIndex        DiscrepancyKind = "creation_index"
	BrokenChain          DiscrepancyKind = "broken_chain"
)

// Discrepancy is one invariant violation found by Verify.
type Discrepancy struct {
	Kind    DiscrepancyKind `json:"kind"`
	Subject string          `json:"subject"`
	Detail  string          `json:"detail"`
}

// Report is the outcome of Verify.
type Report struct {
	Sessions      int           `json:"sessions"`
	Nodes         int           `json:"nodes"`
	Edges         int           `json:"edges"`
	Discrepancies []Discrepancy `json:"discrepancies,omitempty"`
}

// OK reports whether no discrepancy was found.
func (r *Report) OK() bool { return len(r.Discrepancies) == 0 }

func (r *Report) add(kind DiscrepancyKind, subject fmt.Stringer, format string, args ...any) {
	r.Discrepancies = append(r.Discrepancies, Discrepancy{
		Kind:    kind,
		Subject: subject.String(),
		Detail:  fmt.Sprintf(format, args...),
	})
}

// derivation is what the primary node and edge records imply about
// sessions, independent of any index or aggregate.
type derivation struct {
	nodes    map[lineage.NodeID]*lineage.Node
	edges    []*lineage.Edge
	sessions []lineage.SessionID

	// members are the prompts and responses of each session, by Seq.
	members map[lineage.SessionID][]*lineage.Node

	// owned are the edges accounted to each session, by Seq.
	owned map[lineage.SessionID][]*lineage.Edge
}

// derive scans the primary records and recomputes session membership and
// edge ownership. Structural problems found on the way go to r.
func derive(ctx context.Context, b store.Reader, r *Report) (*derivation, error) {
	d := &derivation{
		nodes:   make(map[lineage.NodeID]*lineage.Node),
		members: make(map[lineage.SessionID][]*lineage.Node),
		owned:   make(map[lineage.SessionID][]*lineage.Edge),
	}
	for n, err := range b.ScanNodes(ctx) {
		if err != nil {
			return nil, err
		}
		d.nodes[n.ID] = n
		if n.Kind() == lineage.KindSession {
			d.sessions = append(d.sessions, n.ID.Session())
		}
	}
	for e, err := range b.Edges(ctx) {
		if err != nil {
			return nil, err
		}
		d.edges = append(d.edges, e)
	}
	slices.SortFunc(d.edges, func(a, b *lineage.Edge) int { return cmp.Compare(a.Seq, b.Seq) })

	// Session membership via HandledBy, and the RespondsTo count per
	// response.
	sessionOf := make(map[lineage.NodeID][]lineage.SessionID)
	respondsTo := make(map[lineage.NodeID]int)
	for _, e := range d.edges {
		if e.From == e.To {
			r.add(SelfLoop, e.ID, "%s edge loops on %s", e.Kind, e.From)
			continue
		}
		from, to := d.nodes[e.From], d.nodes[e.To]
		if from == nil || to == nil {
			r.add(DanglingEdge, e.ID, "%s edge %s -> %s references a missing node", e.Kind, e.From, e.To)
			continue
		}
		switch e.Kind {
		case lineage.HandledBy:
			if to.Kind() != lineage.KindSession {
				r.add(DanglingEdge, e.ID, "session link of %s points at a %s", e.From, to.Kind())
				continue
			}
			sessionOf[e.From] = append(sessionOf[e.From], to.ID.Session())
		case lineage.RespondsTo:
			if from.Kind() != lineage.KindResponse || to.Kind() != lineage.KindPrompt {
				r.add(DanglingEdge, e.ID, "responds_to edge links a %s to a %s", from.Kind(), to.Kind())
				continue
			}
			respondsTo[e.From]++
		}
	}

	home := func(id lineage.NodeID) (lineage.SessionID, bool) {
		n := d.nodes[id]
		if n == nil {
			return lineage.SessionID{}, false
		}
		if n.Kind() == lineage.KindSession {
			return id.Session(), true
		}
		if s := sessionOf[id]; len(s) == 1 {
			return s[0], true
		}
		return lineage.SessionID{}, false
	}

	for _, n := range d.nodes {
		if n.Kind() == lineage.KindSession {
			continue
		}
		switch s := sessionOf[n.ID]; len(s) {
		case 0:
			r.add(MissingSessionLink, n.ID, "%s has no session link", n.Kind())
		case 1:
			d.members[s[0]] = append(d.members[s[0]], n)
		default:
			r.add(MultipleSessionLinks, n.ID, "%s is linked to %d sessions", n.Kind(), len(s))
		}
		if n.Kind() == lineage.KindResponse {
			switch c := respondsTo[n.ID]; {
			case c == 0:
				r.add(MissingPromptLink, n.ID, "response is not linked to a prompt")
			case c > 1:
				r.add(MultiplePromptLinks, n.ID, "response is linked to %d prompts", c)
			}
		}
	}
	for sid := range d.members {
		slices.SortFunc(d.members[sid], func(a, b *lineage.Node) int { return cmp.Compare(a.Seq, b.Seq) })
	}
	for _, e := range d.edges {
		if e.From == e.To || d.nodes[e.From] == nil || d.nodes[e.To] == nil {
			continue
		}
		if sid, ok := home(e.From); ok {
			d.owned[sid] = append(d.owned[sid], e)
		}
	}
	slices.SortFunc(d.sessions, func(a, b lineage.SessionID) int {
		return cmp.Compare(d.nodes[a.Node()].Seq, d.nodes[b.Node()].Seq)
	})
	r.Sessions, r.Nodes, r.Edges = len(d.sessions), len(d.nodes), len(d.edges)
	return d, nil
}

// Verify re-derives session membership, aggregates, index completeness and
// Follows-chain integrity from the primary records and reports every
// discrepancy. It never modifies data; see Repair.
func (e *Engine) Verify(ctx context.Context) (_ *Report, err error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	defer e.metrics.observe("verify", time.Now(), &err)

	r := &Report{}
	d, err := derive(ctx, e.backend, r)
	if err != nil {
		return nil, err
	}
	if err := e.verifyIndexes(ctx, d, r); err != nil {
		return nil, err
	}
	for _, sid := range d.sessions {
		if err := e.verifySession(ctx, d, sid, r); err != nil {
			return nil, err
		}
	}
	known := make(map[lineage.SessionID]bool, len(d.sessions))
	for _, sid := range d.sessions {
		known[sid] = true
	}
	for sid, err := range e.backend.Sessions(ctx) {
		if err != nil {
			return nil, err
		}
		if !known[sid] {
			r.add(OrphanState, sid, "aggregate record without session root")
		}
	}

	for _, disc := range r.Discrepancies {
		e.logger.Warn("verify: discrepancy", "kind", disc.Kind, "subject", disc.Subject, "detail", disc.Detail)
	}
	e.logger.Info("verify finished", "sessions", r.Sessions, "nodes", r.Nodes, "edges", r.Edges, "discrepancies", len(r.Discrepancies))
	return r, nil
}

// verifyIndexes checks the creation index and the link indices against
// the primary records.
func (e *Engine) verifyIndexes(ctx context.Context, d *derivation, r *Report) error {
	indexed := make(map[lineage.NodeID]bool, len(d.nodes))
	var last uint64
	for n, err := range e.backend.Nodes(ctx) {
		if err != nil {
			if lineage.KindOf(err) == lineage.ErrorInconsistentGraph {
				r.add(CreationIndex, stringer(err.Error()), "dangling creation index entry")
				continue
			}
			return err
		}
		if n.Seq <= last {
			r.add(CreationIndex, n.ID, "indexed out of order (seq %d after %d)", n.Seq, last)
		}
		last = n.Seq
		indexed[n.ID] = true
	}
	for id := range d.nodes {
		if !indexed[id] {
			r.add(CreationIndex, id, "node missing from creation index")
		}
	}

	out := make(map[lineage.NodeID]map[lineage.EdgeID]bool)
	in := make(map[lineage.NodeID]map[lineage.EdgeID]bool)
	load := func(m map[lineage.NodeID]map[lineage.EdgeID]bool, id lineage.NodeID, outgoing bool) (map[lineage.EdgeID]bool, error) {
		if set, ok := m[id]; ok {
			return set, nil
		}
		links := e.backend.Incoming(ctx, id, "")
		if outgoing {
			links = e.backend.Outgoing(ctx, id, "")
		}
		set := make(map[lineage.EdgeID]bool)
		for l, err := range links {
			if err != nil {
				return nil, err
			}
			set[l.Edge] = true
		}
		m[id] = set
		return set, nil
	}
	for _, edge := range d.edges {
		outSet, err := load(out, edge.From, true)
		if err != nil {
			return err
		}
		if !outSet[edge.ID] {
			r.add(EdgeIndex, edge.ID, "missing from outgoing index of %s", edge.From)
		}
		inSet, err := load(in, edge.To, false)
		if err != nil {
			return err
		}
		if !inSet[edge.ID] {
			r.add(EdgeIndex, edge.ID, "missing from incoming index of %s", edge.To)
		}
	}
	return nil
}

// verifySession checks one session's aggregate, session indices and
// Follows chain.
func (e *Engine) verifySession(ctx context.Context, d *derivation, sid lineage.SessionID, r *Report) error {
	members := d.members[sid]
	owned := d.owned[sid]

	st, err := e.backend.GetSessionState(ctx, sid)
	if err != nil {
		return err
	}
	if st == nil {
		r.add(MissingState, sid, "session has no aggregate record")
	} else {
		if st.NodeCount != int64(len(members)) {
			r.add(CountMismatch, sid, "node count %d, stored nodes %d", st.NodeCount, len(members))
		}
		if st.EdgeCount != int64(len(owned)) {
			r.add(CountMismatch, sid, "edge count %d, stored edges %d", st.EdgeCount, len(owned))
		}
		var head, tail lineage.NodeID
		if len(members) > 0 {
			head, tail = members[0].ID, members[len(members)-1].ID
		}
		if st.Head != head || st.Tail != tail {
			r.add(BrokenChain, sid, "aggregate head/tail %s/%s, want %s/%s", st.Head, st.Tail, head, tail)
		}
	}

	var indexed []lineage.NodeID
	for id, err := range e.backend.SessionNodes(ctx, sid) {
		if err != nil {
			return err
		}
		indexed = append(indexed, id)
	}
	want := make([]lineage.NodeID, len(members))
	for i, n := range members {
		want[i] = n.ID
	}
	if !slices.Equal(indexed, want) {
		r.add(SessionIndex, sid, "session node index holds %d entries, want %d in creation order", len(indexed), len(want))
	}

	edgeSet := make(map[lineage.EdgeID]bool, len(owned))
	for id, err := range e.backend.SessionEdges(ctx, sid) {
		if err != nil {
			return err
		}
		edgeSet[id] = true
	}
	for _, edge := range owned {
		if !edgeSet[edge.ID] {
			r.add(SessionIndex, edge.ID, "edge missing from session edge index of %s", sid)
		}
	}
	if len(edgeSet) != len(owned) {
		r.add(SessionIndex, sid, "session edge index holds %d entries, want %d", len(edgeSet), len(owned))
	}

	// Each member must be followed by exactly the next one.
	next := make(map[lineage.NodeID][]lineage.NodeID)
	for _, edge := range owned {
		if edge.Kind == lineage.Follows {
			next[edge.From] = append(next[edge.From], edge.To)
		}
	}
	for i, n := range members {
		got := next[n.ID]
		switch {
		case i == len(members)-1 && len(got) != 0:
			r.add(BrokenChain, n.ID, "tail has %d follows edges", len(got))
		case i < len(members)-1 && (len(got) != 1 || got[0] != members[i+1].ID):
			r.add(BrokenChain, n.ID, "follows %v, want %s", got, members[i+1].ID)
		}
	}
	return nil
}

// Repair drops every index and aggregate and rebuilds them from the
// primary node and edge records, then clears the session cache and returns
// a fresh verification report. Writers are blocked for the duration.
// Nodes without a session link cannot be placed and remain reported.
func (e *Engine) Repair(ctx context.Context) (_ *Report, err error) {
	if err := e.check(); err != nil {
		return nil, err
	}
	defer e.metrics.observe("repair", time.Now(), &err)

	e.admin.Lock()
	e.logger.Info("repair started")
	err = e.rebuild(ctx)
	e.cache.clear()
	e.admin.Unlock()
	if err != nil {
		e.logger.Error("repair failed", "error", err)
		return nil, err
	}
	e.logger.Info("repair finished")
	return e.Verify(ctx)
}

// rebuildChunk bounds the writes per transaction during repair.
const rebuildChunk = 256

func (e *Engine) rebuild(ctx context.Context) error {
	d, err := derive(ctx, e.backend, &Report{})
	if err != nil {
		return err
	}
	if err := e.backend.DropIndexes(ctx); err != nil {
		return err
	}

	var ops []func(store.Tx) error
	for _, n := range d.nodes {
		ops = append(ops, func(tx store.Tx) error { return tx.IndexNode(n) })
	}
	for _, edge := range d.edges {
		ops = append(ops, func(tx store.Tx) error { return tx.IndexEdge(edge) })
	}
	for _, sid := range d.sessions {
		members, owned := d.members[sid], d.owned[sid]
		st := &store.SessionState{NodeCount: int64(len(members)), EdgeCount: int64(len(owned))}
		if len(members) > 0 {
			st.Head, st.Tail = members[0].ID, members[len(members)-1].ID
		}
		ops = append(ops, func(tx store.Tx) error { return tx.PutSessionState(sid, st) })
		for _, n := range members {
			ops = append(ops, func(tx store.Tx) error { return tx.PutSessionIndex(sid, n.ID, n.Seq) })
		}
		for _, edge := range owned {
			ops = append(ops, func(tx store.Tx) error { return tx.PutSessionEdge(sid, edge.ID, edge.Seq) })
		}
	}
	for chunk := range slices.Chunk(ops, rebuildChunk) {
		err := e.backend.Update(ctx, func(tx store.Tx) error {
			for _, op := range chunk {
				if err := op(tx); err != nil {
					return err
				}
			}
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

type stringer string

func (s stringer) String() string { return string(s) }
