package store

import (
	"fmt"

	"github.com/haivivi/lineage/pkg/kv"
	"github.com/haivivi/lineage/pkg/lineage"
)

// KV key layout. Segments are joined with Separator, so custom edge kinds
// may contain ':' freely.
//
//	meta format                    → format header
//	meta seq                       → badger sequence lease (managed by kv)
//	n    {node}                    → node record
//	e    {edge}                    → edge record
//	seq  {seq:016x}                → node id (global creation index)
//	out  {from} {kind} {seq:016x}  → link (outgoing index)
//	in   {to} {kind} {seq:016x}    → link (incoming index)
//	sn   {session} {seq:016x}      → node id (session node index)
//	se   {session} {seq:016x}      → edge id (session edge index)
//	ss   {session}                 → session aggregate state
//
// Everything except meta, n and e is derived data and can be rebuilt by
// repair.

// Separator joins key segments. It is a control character, which edge
// kinds and ids can never contain.
const Separator byte = 0x1F

// KVOptions returns the kv options every store handed to [Open] must use.
func KVOptions() *kv.Options {
	return &kv.Options{Separator: Separator}
}

const (
	pfxMeta         = "meta"
	pfxNode         = "n"
	pfxEdge         = "e"
	pfxSeq          = "seq"
	pfxOut          = "out"
	pfxIn           = "in"
	pfxSessionNodes = "sn"
	pfxSessionEdges = "se"
	pfxSessionState = "ss"
)

// derivedPrefixes are dropped by DropIndexes.
var derivedPrefixes = []string{pfxSeq, pfxOut, pfxIn, pfxSessionNodes, pfxSessionEdges, pfxSessionState}

var (
	headerKey   = kv.Key{pfxMeta, "format"}
	sequenceKey = kv.Key{pfxMeta, "seq"}
)

// seqSegment renders seq so that lexicographic key order is numeric order.
func seqSegment(seq uint64) string {
	return fmt.Sprintf("%016x", seq)
}

func nodeKey(id lineage.NodeID) kv.Key { return kv.Key{pfxNode, id.String()} }
func edgeKey(id lineage.EdgeID) kv.Key { return kv.Key{pfxEdge, id.String()} }

func seqKey(seq uint64) kv.Key { return kv.Key{pfxSeq, seqSegment(seq)} }

func outKey(l lineage.Link) kv.Key {
	return kv.Key{pfxOut, l.From.String(), string(l.Kind), seqSegment(l.Seq)}
}

func inKey(l lineage.Link) kv.Key {
	return kv.Key{pfxIn, l.To.String(), string(l.Kind), seqSegment(l.Seq)}
}

// linkPrefix returns the listing prefix for links of node, optionally
// narrowed to kind.
func linkPrefix(pfx string, node lineage.NodeID, kind lineage.EdgeKind) kv.Key {
	if kind == "" {
		return kv.Key{pfx, node.String()}
	}
	return kv.Key{pfx, node.String(), string(kind.Canonical())}
}

func sessionNodeKey(s lineage.SessionID, seq uint64) kv.Key {
	return kv.Key{pfxSessionNodes, s.String(), seqSegment(seq)}
}

func sessionEdgeKey(s lineage.SessionID, seq uint64) kv.Key {
	return kv.Key{pfxSessionEdges, s.String(), seqSegment(seq)}
}

func sessionStateKey(s lineage.SessionID) kv.Key { return kv.Key{pfxSessionState, s.String()} }
