package store

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/cespare/xxhash/v2"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/haivivi/lineage/pkg/lineage"
)

// Record framing: one version byte, the msgpack body, then an 8-byte
// big-endian xxhash64 of everything before it.
const (
	recordVersion = 1
	checksumSize  = 8
)

func encodeRecord(v any) ([]byte, error) {
	body, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 1+len(body)+checksumSize)
	buf = append(buf, recordVersion)
	buf = append(buf, body...)
	return binary.BigEndian.AppendUint64(buf, xxhash.Sum64(buf)), nil
}

// decodeRecord verifies the frame of data and decodes its body into v.
// Every failure wraps lineage.ErrCorrupt.
func decodeRecord(data []byte, v any) error {
	if len(data) < 1+checksumSize {
		return fmt.Errorf("%w: record of %d bytes is truncated", lineage.ErrCorrupt, len(data))
	}
	n := len(data) - checksumSize
	if want, got := binary.BigEndian.Uint64(data[n:]), xxhash.Sum64(data[:n]); want != got {
		return fmt.Errorf("%w: checksum %016x, want %016x", lineage.ErrCorrupt, got, want)
	}
	if data[0] != recordVersion {
		return fmt.Errorf("%w: record version %d", lineage.ErrCorrupt, data[0])
	}
	if err := msgpack.Unmarshal(data[1:n], v); err != nil {
		return fmt.Errorf("%w: %v", lineage.ErrCorrupt, err)
	}
	return nil
}

// Wire records. Ids travel as raw 16-byte slices and times as Unix
// nanoseconds so that decoding reproduces an equal value. The zero time has
// no nanosecond form and is omitted; empty metadata is stored as none.

type nodeRecord struct {
	ID        []byte            `msgpack:"id"`
	Kind      uint8             `msgpack:"k"`
	Seq       uint64            `msgpack:"seq"`
	CreatedAt *int64            `msgpack:"ts,omitempty"`
	Metadata  map[string]string `msgpack:"md,omitempty"`

	Text             string `msgpack:"text,omitempty"`
	ModelID          string `msgpack:"model,omitempty"`
	Template         []byte `msgpack:"tpl,omitempty"`
	PromptTokens     int64  `msgpack:"ptok,omitempty"`
	CompletionTokens int64  `msgpack:"ctok,omitempty"`
}

type edgeRecord struct {
	ID        []byte `msgpack:"id"`
	From      []byte `msgpack:"from"`
	To        []byte `msgpack:"to"`
	Kind      string `msgpack:"k"`
	Seq       uint64 `msgpack:"seq"`
	CreatedAt *int64 `msgpack:"ts,omitempty"`
}

type linkRecord struct {
	Edge []byte `msgpack:"e"`
	Kind string `msgpack:"k"`
	From []byte `msgpack:"from"`
	To   []byte `msgpack:"to"`
	Seq  uint64 `msgpack:"seq"`
}

type stateRecord struct {
	Head      []byte `msgpack:"head,omitempty"`
	Tail      []byte `msgpack:"tail,omitempty"`
	NodeCount int64  `msgpack:"nodes"`
	EdgeCount int64  `msgpack:"edges"`
}

type headerRecord struct {
	Magic   string `msgpack:"magic"`
	Version int    `msgpack:"version"`
	Codec   string `msgpack:"codec"`
}

func idBytes(u uuid.UUID) []byte {
	b := make([]byte, len(u))
	copy(b, u[:])
	return b
}

// optionalID returns nil for the zero id so that omitempty drops it.
func optionalID(u uuid.UUID) []byte {
	if u == (uuid.UUID{}) {
		return nil
	}
	return idBytes(u)
}

func parseID(b []byte) (uuid.UUID, error) {
	if len(b) == 0 {
		return uuid.UUID{}, nil
	}
	u, err := uuid.FromBytes(b)
	if err != nil {
		return uuid.UUID{}, fmt.Errorf("%w: %v", lineage.ErrCorrupt, err)
	}
	return u, nil
}

func toNanos(t time.Time) *int64 {
	if t.IsZero() {
		return nil
	}
	ns := t.UnixNano()
	return &ns
}

func fromNanos(ns *int64) time.Time {
	if ns == nil {
		return time.Time{}
	}
	return time.Unix(0, *ns).UTC()
}

func encodeNode(n *lineage.Node) ([]byte, error) {
	rec := nodeRecord{
		ID:        idBytes(uuid.UUID(n.ID)),
		Seq:       n.Seq,
		CreatedAt: toNanos(n.CreatedAt),
	}
	if len(n.Metadata) > 0 {
		rec.Metadata = n.Metadata
	}
	switch b := n.Body.(type) {
	case *lineage.Prompt:
		rec.Kind = uint8(lineage.KindPrompt)
		rec.Text = b.Text
		rec.ModelID = b.ModelID
		rec.Template = optionalID(uuid.UUID(b.Template))
	case *lineage.Response:
		rec.Kind = uint8(lineage.KindResponse)
		rec.Text = b.Text
		rec.PromptTokens = b.Usage.PromptTokens
		rec.CompletionTokens = b.Usage.CompletionTokens
	case *lineage.SessionRoot:
		rec.Kind = uint8(lineage.KindSession)
	default:
		return nil, fmt.Errorf("%w: node %s has unknown body %T", lineage.ErrInvalidArgument, n.ID, n.Body)
	}
	return encodeRecord(&rec)
}

func decodeNode(data []byte) (*lineage.Node, error) {
	var rec nodeRecord
	if err := decodeRecord(data, &rec); err != nil {
		return nil, err
	}
	id, err := parseID(rec.ID)
	if err != nil {
		return nil, err
	}
	n := &lineage.Node{
		ID:        lineage.NodeID(id),
		Seq:       rec.Seq,
		CreatedAt: fromNanos(rec.CreatedAt),
	}
	if len(rec.Metadata) > 0 {
		n.Metadata = rec.Metadata
	}
	switch lineage.NodeKind(rec.Kind) {
	case lineage.KindPrompt:
		tpl, err := parseID(rec.Template)
		if err != nil {
			return nil, err
		}
		n.Body = &lineage.Prompt{Text: rec.Text, ModelID: rec.ModelID, Template: lineage.TemplateID(tpl)}
	case lineage.KindResponse:
		n.Body = &lineage.Response{
			Text: rec.Text,
			Usage: lineage.TokenUsage{
				PromptTokens:     rec.PromptTokens,
				CompletionTokens: rec.CompletionTokens,
			},
		}
	case lineage.KindSession:
		n.Body = &lineage.SessionRoot{}
	default:
		return nil, fmt.Errorf("%w: unknown node kind %d", lineage.ErrCorrupt, rec.Kind)
	}
	return n, nil
}

func encodeEdge(e *lineage.Edge) ([]byte, error) {
	return encodeRecord(&edgeRecord{
		ID:        idBytes(uuid.UUID(e.ID)),
		From:      idBytes(uuid.UUID(e.From)),
		To:        idBytes(uuid.UUID(e.To)),
		Kind:      string(e.Kind),
		Seq:       e.Seq,
		CreatedAt: toNanos(e.CreatedAt),
	})
}

func decodeEdge(data []byte) (*lineage.Edge, error) {
	var rec edgeRecord
	if err := decodeRecord(data, &rec); err != nil {
		return nil, err
	}
	id, err := parseID(rec.ID)
	if err != nil {
		return nil, err
	}
	from, err := parseID(rec.From)
	if err != nil {
		return nil, err
	}
	to, err := parseID(rec.To)
	if err != nil {
		return nil, err
	}
	return &lineage.Edge{
		ID:        lineage.EdgeID(id),
		From:      lineage.NodeID(from),
		To:        lineage.NodeID(to),
		Kind:      lineage.EdgeKind(rec.Kind),
		Seq:       rec.Seq,
		CreatedAt: fromNanos(rec.CreatedAt),
	}, nil
}

func encodeLink(l lineage.Link) ([]byte, error) {
	return encodeRecord(&linkRecord{
		Edge: idBytes(uuid.UUID(l.Edge)),
		Kind: string(l.Kind),
		From: idBytes(uuid.UUID(l.From)),
		To:   idBytes(uuid.UUID(l.To)),
		Seq:  l.Seq,
	})
}

func decodeLink(data []byte) (lineage.Link, error) {
	var rec linkRecord
	if err := decodeRecord(data, &rec); err != nil {
		return lineage.Link{}, err
	}
	var ids [3]uuid.UUID
	for i, b := range [][]byte{rec.Edge, rec.From, rec.To} {
		u, err := parseID(b)
		if err != nil {
			return lineage.Link{}, err
		}
		ids[i] = u
	}
	return lineage.Link{
		Edge: lineage.EdgeID(ids[0]),
		Kind: lineage.EdgeKind(rec.Kind),
		From: lineage.NodeID(ids[1]),
		To:   lineage.NodeID(ids[2]),
		Seq:  rec.Seq,
	}, nil
}

func encodeState(s *SessionState) ([]byte, error) {
	return encodeRecord(&stateRecord{
		Head:      optionalID(uuid.UUID(s.Head)),
		Tail:      optionalID(uuid.UUID(s.Tail)),
		NodeCount: s.NodeCount,
		EdgeCount: s.EdgeCount,
	})
}

func decodeState(data []byte) (*SessionState, error) {
	var rec stateRecord
	if err := decodeRecord(data, &rec); err != nil {
		return nil, err
	}
	head, err := parseID(rec.Head)
	if err != nil {
		return nil, err
	}
	tail, err := parseID(rec.Tail)
	if err != nil {
		return nil, err
	}
	return &SessionState{
		Head:      lineage.NodeID(head),
		Tail:      lineage.NodeID(tail),
		NodeCount: rec.NodeCount,
		EdgeCount: rec.EdgeCount,
	}, nil
}

// encodeID stores a bare id as an index value. Index values are framed
// like records so that a torn write is detected.
func encodeID(u uuid.UUID) ([]byte, error) {
	return encodeRecord(idBytes(u))
}

func decodeID(data []byte) (uuid.UUID, error) {
	var b []byte
	if err := decodeRecord(data, &b); err != nil {
		return uuid.UUID{}, err
	}
	return parseID(b)
}
