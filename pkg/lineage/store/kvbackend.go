package store

import (
	"context"
	"errors"
	"fmt"
	"iter"

	"github.com/google/uuid"

	"github.com/haivivi/lineage/pkg/kv"
	"github.com/haivivi/lineage/pkg/lineage"
)

// Format header values. A store written by another version, or with
// another codec, is refused on open.
const (
	formatMagic   = "lineage"
	formatVersion = 1
)

// deleteBatch bounds how many keys DropIndexes deletes per batch.
const deleteBatch = 1000

// KV is a Backend over a kv.Store.
type KV struct {
	store kv.Store
}

var _ Backend = (*KV)(nil)

// Open returns a Backend over s, which must have been created with
// [KVOptions]. An empty store is stamped with the format header; a store
// with a missing or different header fails with lineage.ErrIncompatibleFormat.
// The backend takes ownership of s and closes it on Close.
func Open(ctx context.Context, s kv.Store) (*KV, error) {
	b := &KV{store: s}
	if err := b.checkHeader(ctx); err != nil {
		return nil, err
	}
	return b, nil
}

func incompatible(format string, args ...any) error {
	return &lineage.StorageError{
		Op:  "open",
		Err: fmt.Errorf("%w: %s", lineage.ErrIncompatibleFormat, fmt.Sprintf(format, args...)),
	}
}

func (b *KV) checkHeader(ctx context.Context) error {
	data, err := b.store.Get(ctx, headerKey)
	if errors.Is(err, kv.ErrNotFound) {
		for _, err := range b.store.List(ctx, nil) {
			if err != nil {
				return lineage.Storage("open", err)
			}
			return incompatible("store holds data but has no format header")
		}
		hdr, err := encodeRecord(&headerRecord{
			Magic:   formatMagic,
			Version: formatVersion,
			Codec:   string(lineage.FormatMsgpack),
		})
		if err != nil {
			return lineage.Storage("open", err)
		}
		return lineage.Storage("write format header", b.store.Set(ctx, headerKey, hdr))
	}
	if err != nil {
		return lineage.Storage("open", err)
	}
	var hdr headerRecord
	if err := decodeRecord(data, &hdr); err != nil {
		return incompatible("unreadable format header: %v", err)
	}
	switch {
	case hdr.Magic != formatMagic:
		return incompatible("not a lineage store (magic %q)", hdr.Magic)
	case hdr.Version != formatVersion:
		return incompatible("format version %d, want %d", hdr.Version, formatVersion)
	case hdr.Codec != string(lineage.FormatMsgpack):
		return incompatible("codec %q, want %q", hdr.Codec, lineage.FormatMsgpack)
	}
	return nil
}

// --- writes ---

func (b *KV) Update(ctx context.Context, fn func(tx Tx) error) error {
	var fnErr error
	err := b.store.Update(ctx, func(txn kv.Txn) error {
		fnErr = fn(&kvTx{txn: txn})
		return fnErr
	})
	if err != nil && err == fnErr {
		return err
	}
	return lineage.Storage("commit", err)
}

func (b *KV) PutNode(ctx context.Context, node *lineage.Node) error {
	return b.Update(ctx, func(tx Tx) error { return tx.PutNode(node) })
}

func (b *KV) PutEdge(ctx context.Context, edge *lineage.Edge) error {
	return b.Update(ctx, func(tx Tx) error { return tx.PutEdge(edge) })
}

func (b *KV) PutSessionIndex(ctx context.Context, session lineage.SessionID, node lineage.NodeID, seq uint64) error {
	return b.Update(ctx, func(tx Tx) error { return tx.PutSessionIndex(session, node, seq) })
}

func (b *KV) PutSessionEdge(ctx context.Context, session lineage.SessionID, edge lineage.EdgeID, seq uint64) error {
	return b.Update(ctx, func(tx Tx) error { return tx.PutSessionEdge(session, edge, seq) })
}

func (b *KV) PutSessionState(ctx context.Context, session lineage.SessionID, state *SessionState) error {
	return b.Update(ctx, func(tx Tx) error { return tx.PutSessionState(session, state) })
}

func (b *KV) NextSeq(ctx context.Context) (uint64, error) {
	n, err := b.store.Sequence(ctx, sequenceKey)
	if err != nil {
		return 0, lineage.Storage("next seq", err)
	}
	return n, nil
}

// DropIndexes deletes derived entries prefix by prefix, in batches. It is
// not atomic; an interrupted drop leaves indices that verify reports and a
// later repair rebuilds.
func (b *KV) DropIndexes(ctx context.Context) error {
	for _, pfx := range derivedPrefixes {
		var keys []kv.Key
		for entry, err := range b.store.List(ctx, kv.Key{pfx}) {
			if err != nil {
				return lineage.Storage("drop indexes", err)
			}
			keys = append(keys, entry.Key)
		}
		for len(keys) > 0 {
			n := min(len(keys), deleteBatch)
			if err := b.store.BatchDelete(ctx, keys[:n]); err != nil {
				return lineage.Storage("drop indexes", err)
			}
			keys = keys[n:]
		}
	}
	return nil
}

func (b *KV) Flush(ctx context.Context) error {
	if s, ok := b.store.(kv.Syncer); ok {
		return lineage.Storage("flush", s.Sync(ctx))
	}
	return nil
}

func (b *KV) Compact(ctx context.Context) error {
	if c, ok := b.store.(kv.Compactor); ok {
		return lineage.Storage("compact", c.Compact(ctx))
	}
	return nil
}

func (b *KV) Close() error {
	return lineage.Storage("close", b.store.Close())
}

// --- reads ---

func (b *KV) GetNode(ctx context.Context, id lineage.NodeID) (*lineage.Node, error) {
	data, err := b.store.Get(ctx, nodeKey(id))
	return nodeFrom(id, data, err)
}

func (b *KV) GetEdge(ctx context.Context, id lineage.EdgeID) (*lineage.Edge, error) {
	data, err := b.store.Get(ctx, edgeKey(id))
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, lineage.Storage("get edge", err)
	}
	e, err := decodeEdge(data)
	if err != nil {
		return nil, lineage.Storage("get edge "+id.String(), err)
	}
	if e.ID != id {
		return nil, lineage.Storage("get edge "+id.String(), fmt.Errorf("%w: record holds edge %s", lineage.ErrCorrupt, e.ID))
	}
	return e, nil
}

func (b *KV) GetSessionState(ctx context.Context, session lineage.SessionID) (*SessionState, error) {
	data, err := b.store.Get(ctx, sessionStateKey(session))
	return stateFrom(session, data, err)
}

func (b *KV) Nodes(ctx context.Context) iter.Seq2[*lineage.Node, error] {
	return func(yield func(*lineage.Node, error) bool) {
		for entry, err := range b.store.List(ctx, kv.Key{pfxSeq}) {
			if err != nil {
				yield(nil, lineage.Storage("list nodes", err))
				return
			}
			u, err := decodeID(entry.Value)
			if err != nil {
				yield(nil, lineage.Storage("list nodes", err))
				return
			}
			id := lineage.NodeID(u)
			n, err := b.GetNode(ctx, id)
			if err == nil && n == nil {
				err = lineage.Inconsistent(id, "creation index entry %s has no node record", entry.Key[len(entry.Key)-1])
			}
			if !yield(n, err) || err != nil {
				return
			}
		}
	}
}

func (b *KV) ScanNodes(ctx context.Context) iter.Seq2[*lineage.Node, error] {
	return func(yield func(*lineage.Node, error) bool) {
		for entry, err := range b.store.List(ctx, kv.Key{pfxNode}) {
			if err != nil {
				yield(nil, lineage.Storage("scan nodes", err))
				return
			}
			n, err := decodeNode(entry.Value)
			if err != nil {
				yield(nil, lineage.Storage("scan nodes", err))
				return
			}
			if !yield(n, nil) {
				return
			}
		}
	}
}

func (b *KV) Edges(ctx context.Context) iter.Seq2[*lineage.Edge, error] {
	return func(yield func(*lineage.Edge, error) bool) {
		for entry, err := range b.store.List(ctx, kv.Key{pfxEdge}) {
			if err != nil {
				yield(nil, lineage.Storage("scan edges", err))
				return
			}
			e, err := decodeEdge(entry.Value)
			if err != nil {
				yield(nil, lineage.Storage("scan edges", err))
				return
			}
			if !yield(e, nil) {
				return
			}
		}
	}
}

func (b *KV) Sessions(ctx context.Context) iter.Seq2[lineage.SessionID, error] {
	return func(yield func(lineage.SessionID, error) bool) {
		for entry, err := range b.store.List(ctx, kv.Key{pfxSessionState}) {
			if err != nil {
				yield(lineage.SessionID{}, lineage.Storage("list sessions", err))
				return
			}
			id, err := lineage.ParseSessionID(entry.Key[len(entry.Key)-1])
			if err != nil {
				yield(lineage.SessionID{}, lineage.Storage("list sessions", fmt.Errorf("%w: %v", lineage.ErrCorrupt, err)))
				return
			}
			if !yield(id, nil) {
				return
			}
		}
	}
}

func (b *KV) SessionNodes(ctx context.Context, session lineage.SessionID) iter.Seq2[lineage.NodeID, error] {
	return func(yield func(lineage.NodeID, error) bool) {
		for u, err := range b.listIDs(ctx, "list session nodes", kv.Key{pfxSessionNodes, session.String()}) {
			if !yield(lineage.NodeID(u), err) || err != nil {
				return
			}
		}
	}
}

func (b *KV) SessionEdges(ctx context.Context, session lineage.SessionID) iter.Seq2[lineage.EdgeID, error] {
	return func(yield func(lineage.EdgeID, error) bool) {
		for u, err := range b.listIDs(ctx, "list session edges", kv.Key{pfxSessionEdges, session.String()}) {
			if !yield(lineage.EdgeID(u), err) || err != nil {
				return
			}
		}
	}
}

func (b *KV) listIDs(ctx context.Context, op string, prefix kv.Key) iter.Seq2[uuid.UUID, error] {
	return func(yield func(uuid.UUID, error) bool) {
		for entry, err := range b.store.List(ctx, prefix) {
			if err != nil {
				yield(uuid.UUID{}, lineage.Storage(op, err))
				return
			}
			u, err := decodeID(entry.Value)
			if err != nil {
				yield(uuid.UUID{}, lineage.Storage(op, err))
				return
			}
			if !yield(u, nil) {
				return
			}
		}
	}
}

func (b *KV) Outgoing(ctx context.Context, from lineage.NodeID, kind lineage.EdgeKind) iter.Seq2[lineage.Link, error] {
	return b.links(ctx, "list outgoing", linkPrefix(pfxOut, from, kind))
}

func (b *KV) Incoming(ctx context.Context, to lineage.NodeID, kind lineage.EdgeKind) iter.Seq2[lineage.Link, error] {
	return b.links(ctx, "list incoming", linkPrefix(pfxIn, to, kind))
}

func (b *KV) links(ctx context.Context, op string, prefix kv.Key) iter.Seq2[lineage.Link, error] {
	return func(yield func(lineage.Link, error) bool) {
		for entry, err := range b.store.List(ctx, prefix) {
			if err != nil {
				yield(lineage.Link{}, lineage.Storage(op, err))
				return
			}
			l, err := decodeLink(entry.Value)
			if err != nil {
				yield(lineage.Link{}, lineage.Storage(op, err))
				return
			}
			if !yield(l, nil) {
				return
			}
		}
	}
}

// nodeFrom decodes the result of a node lookup.
func nodeFrom(id lineage.NodeID, data []byte, err error) (*lineage.Node, error) {
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, lineage.Storage("get node", err)
	}
	n, err := decodeNode(data)
	if err != nil {
		return nil, lineage.Storage("get node "+id.String(), err)
	}
	if n.ID != id {
		return nil, lineage.Storage("get node "+id.String(), fmt.Errorf("%w: record holds node %s", lineage.ErrCorrupt, n.ID))
	}
	return n, nil
}

func stateFrom(session lineage.SessionID, data []byte, err error) (*SessionState, error) {
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, lineage.Storage("get session state", err)
	}
	s, err := decodeState(data)
	if err != nil {
		return nil, lineage.Storage("get session state "+session.String(), err)
	}
	return s, nil
}

// kvTx implements Tx over a kv transaction.
type kvTx struct {
	txn kv.Txn
}

func (t *kvTx) GetNode(id lineage.NodeID) (*lineage.Node, error) {
	data, err := t.txn.Get(nodeKey(id))
	return nodeFrom(id, data, err)
}

func (t *kvTx) GetSessionState(session lineage.SessionID) (*SessionState, error) {
	data, err := t.txn.Get(sessionStateKey(session))
	return stateFrom(session, data, err)
}

// absent returns ErrConflict if key exists.
func (t *kvTx) absent(key kv.Key, what string, id fmt.Stringer) error {
	_, err := t.txn.Get(key)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s %s exists", lineage.ErrConflict, what, id)
	case errors.Is(err, kv.ErrNotFound):
		return nil
	default:
		return lineage.Storage("put "+what, err)
	}
}

func (t *kvTx) set(op string, key kv.Key, data []byte, err error) error {
	if err != nil {
		return lineage.Storage(op, err)
	}
	return lineage.Storage(op, t.txn.Set(key, data))
}

func (t *kvTx) PutNode(node *lineage.Node) error {
	if err := node.Validate(); err != nil {
		return err
	}
	if node.Seq == 0 {
		return fmt.Errorf("%w: node %s has no sequence number", lineage.ErrInvalidArgument, node.ID)
	}
	if err := t.absent(nodeKey(node.ID), "node", node.ID); err != nil {
		return err
	}
	data, err := encodeNode(node)
	if err := t.set("put node", nodeKey(node.ID), data, err); err != nil {
		return err
	}
	return t.IndexNode(node)
}

func (t *kvTx) IndexNode(node *lineage.Node) error {
	data, err := encodeID(uuid.UUID(node.ID))
	return t.set("index node", seqKey(node.Seq), data, err)
}

func (t *kvTx) PutEdge(edge *lineage.Edge) error {
	if err := edge.Validate(); err != nil {
		return err
	}
	e := *edge
	e.Kind = e.Kind.Canonical()
	if err := t.absent(edgeKey(e.ID), "edge", e.ID); err != nil {
		return err
	}
	data, err := encodeEdge(&e)
	if err := t.set("put edge", edgeKey(e.ID), data, err); err != nil {
		return err
	}
	return t.IndexEdge(&e)
}

func (t *kvTx) IndexEdge(edge *lineage.Edge) error {
	l := edge.Link()
	l.Kind = l.Kind.Canonical()
	data, err := encodeLink(l)
	if err := t.set("index edge", outKey(l), data, err); err != nil {
		return err
	}
	return t.set("index edge", inKey(l), data, nil)
}

func (t *kvTx) PutSessionIndex(session lineage.SessionID, node lineage.NodeID, seq uint64) error {
	data, err := encodeID(uuid.UUID(node))
	return t.set("put session index", sessionNodeKey(session, seq), data, err)
}

func (t *kvTx) PutSessionEdge(session lineage.SessionID, edge lineage.EdgeID, seq uint64) error {
	data, err := encodeID(uuid.UUID(edge))
	return t.set("put session edge", sessionEdgeKey(session, seq), data, err)
}

func (t *kvTx) PutSessionState(session lineage.SessionID, state *SessionState) error {
	data, err := encodeState(state)
	return t.set("put session state", sessionStateKey(session), data, err)
}
