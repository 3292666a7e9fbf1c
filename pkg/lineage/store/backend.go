// Package store persists the lineage graph: node and edge records, the
// outgoing, incoming and per-session secondary indices, and per-session
// aggregates.
//
// [Backend] is the capability the engine depends on; [KV] implements it on
// any kv.Store (BadgerDB in production, kv.Memory in tests). Records are
// msgpack bodies framed with a version byte and an xxhash64 checksum, and
// every read verifies the frame, so corruption surfaces as
// lineage.ErrCorrupt rather than as garbage values.
//
// Primary records (nodes and edges) are the source of truth. Indices and
// aggregates are derived and can be dropped and rebuilt; see
// [Backend.DropIndexes], [Tx.IndexNode] and [Tx.IndexEdge].
package store

import (
	"context"
	"iter"

	"github.com/haivivi/lineage/pkg/lineage"
)

// SessionState is the aggregate record the engine keeps per session.
type SessionState struct {
	// Head is the first node appended to the session. Zero if empty.
	Head lineage.NodeID

	// Tail is the last node appended to the session. Zero if empty.
	Tail lineage.NodeID

	NodeCount int64
	EdgeCount int64
}

// Reader is the read half of a Backend. Iterators are finite and
// restartable: every range re-reads the stored data.
type Reader interface {
	// GetNode returns the node with id, or nil, nil if there is none.
	GetNode(ctx context.Context, id lineage.NodeID) (*lineage.Node, error)

	// GetEdge returns the edge with id, or nil, nil if there is none.
	GetEdge(ctx context.Context, id lineage.EdgeID) (*lineage.Edge, error)

	// GetSessionState returns the aggregate of session, or nil, nil if
	// there is none.
	GetSessionState(ctx context.Context, session lineage.SessionID) (*SessionState, error)

	// Nodes yields all indexed nodes in creation order.
	Nodes(ctx context.Context) iter.Seq2[*lineage.Node, error]

	// ScanNodes yields every node record in key order, whether indexed or
	// not.
	ScanNodes(ctx context.Context) iter.Seq2[*lineage.Node, error]

	// Edges yields every edge record in key order.
	Edges(ctx context.Context) iter.Seq2[*lineage.Edge, error]

	// Sessions yields the ids of all sessions that have an aggregate.
	Sessions(ctx context.Context) iter.Seq2[lineage.SessionID, error]

	// SessionNodes yields the prompt and response ids of session in
	// creation order.
	SessionNodes(ctx context.Context, session lineage.SessionID) iter.Seq2[lineage.NodeID, error]

	// SessionEdges yields the ids of the edges accounted to session in
	// creation order.
	SessionEdges(ctx context.Context, session lineage.SessionID) iter.Seq2[lineage.EdgeID, error]

	// Outgoing yields links leaving from, in creation order within each
	// kind. An empty kind yields all kinds.
	Outgoing(ctx context.Context, from lineage.NodeID, kind lineage.EdgeKind) iter.Seq2[lineage.Link, error]

	// Incoming yields links arriving at to. An empty kind yields all kinds.
	Incoming(ctx context.Context, to lineage.NodeID, kind lineage.EdgeKind) iter.Seq2[lineage.Link, error]
}

// Tx is the write view inside Backend.Update. Reads observe writes staged
// earlier in the same transaction.
type Tx interface {
	GetNode(id lineage.NodeID) (*lineage.Node, error)
	GetSessionState(session lineage.SessionID) (*SessionState, error)

	// PutNode writes node and its creation index entry. It fails with
	// lineage.ErrConflict if the id exists.
	PutNode(node *lineage.Node) error

	// PutEdge writes edge and its outgoing and incoming index entries. It
	// fails with lineage.ErrInvalidArgument for a self-loop and
	// lineage.ErrConflict if the id exists.
	PutEdge(edge *lineage.Edge) error

	PutSessionIndex(session lineage.SessionID, node lineage.NodeID, seq uint64) error
	PutSessionEdge(session lineage.SessionID, edge lineage.EdgeID, seq uint64) error
	PutSessionState(session lineage.SessionID, state *SessionState) error

	// IndexNode writes only the creation index entry of an existing node.
	IndexNode(node *lineage.Node) error

	// IndexEdge writes only the outgoing and incoming entries of an
	// existing edge.
	IndexEdge(edge *lineage.Edge) error
}

// Backend is the storage capability behind the engine.
type Backend interface {
	Reader

	PutNode(ctx context.Context, node *lineage.Node) error
	PutEdge(ctx context.Context, edge *lineage.Edge) error
	PutSessionIndex(ctx context.Context, session lineage.SessionID, node lineage.NodeID, seq uint64) error
	PutSessionEdge(ctx context.Context, session lineage.SessionID, edge lineage.EdgeID, seq uint64) error
	PutSessionState(ctx context.Context, session lineage.SessionID, state *SessionState) error

	// Update runs fn in one atomic unit: every write staged by fn applies,
	// or none does. fn's error is returned unchanged.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// NextSeq returns the next insertion sequence number. Numbers increase
	// strictly across calls and restarts; gaps are allowed.
	NextSeq(ctx context.Context) (uint64, error)

	// DropIndexes deletes every derived entry: creation, link and session
	// indices and session aggregates. Primary records are untouched.
	DropIndexes(ctx context.Context) error

	// Flush forces buffered writes to durable storage.
	Flush(ctx context.Context) error

	// Compact reclaims space from overwritten and deleted entries without
	// ever losing a live one.
	Compact(ctx context.Context) error

	Close() error
}
