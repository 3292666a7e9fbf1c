package store

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/haivivi/lineage/pkg/kv"
	"github.com/haivivi/lineage/pkg/lineage"
)

func TestNodeCodecRoundTrip(t *testing.T) {
	ts := time.Date(2026, 5, 4, 3, 2, 1, 123456789, time.UTC)
	nodes := []*lineage.Node{
		{
			ID: lineage.NewNodeID(), Seq: 1, CreatedAt: ts,
			Metadata: lineage.Metadata{"user": "u1", "lang": "en"},
			Body:     &lineage.Prompt{Text: "What is Rust?", ModelID: "gpt-x", Template: lineage.NewTemplateID()},
		},
		{
			ID: lineage.NewNodeID(), Seq: 2, CreatedAt: ts,
			Body: &lineage.Prompt{Text: "no template"},
		},
		{
			ID: lineage.NewNodeID(), Seq: 3, CreatedAt: ts,
			Body: &lineage.Response{Text: "A systems language", Usage: lineage.TokenUsage{PromptTokens: 5, CompletionTokens: 20}},
		},
		{ID: lineage.NewNodeID(), Seq: 4, CreatedAt: ts, Body: &lineage.SessionRoot{}},
	}
	for _, n := range nodes {
		data, err := encodeNode(n)
		if err != nil {
			t.Fatalf("encodeNode: %v", err)
		}
		got, err := decodeNode(data)
		if err != nil {
			t.Fatalf("decodeNode: %v", err)
		}
		if diff := cmp.Diff(n, got); diff != "" {
			t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestNodeCodecNormalizes(t *testing.T) {
	epoch := time.Unix(0, 0).UTC()
	tests := []struct {
		name string
		in   *lineage.Node
		want *lineage.Node
	}{
		{
			name: "empty metadata",
			in:   &lineage.Node{ID: lineage.NewNodeID(), Seq: 1, CreatedAt: epoch, Metadata: lineage.Metadata{}, Body: &lineage.SessionRoot{}},
			want: &lineage.Node{Seq: 1, CreatedAt: epoch, Body: &lineage.SessionRoot{}},
		},
		{
			name: "zero time",
			in:   &lineage.Node{ID: lineage.NewNodeID(), Seq: 2, Body: &lineage.Prompt{Text: "q"}},
			want: &lineage.Node{Seq: 2, Body: &lineage.Prompt{Text: "q"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.want.ID = tt.in.ID
			data, err := encodeNode(tt.in)
			if err != nil {
				t.Fatalf("encodeNode: %v", err)
			}
			got, err := decodeNode(data)
			if err != nil {
				t.Fatalf("decodeNode: %v", err)
			}
			if diff := cmp.Diff(tt.want, got); diff != "" {
				t.Fatalf("decoded node mismatch (-want +got):\n%s", diff)
			}
			if got.Metadata != nil {
				t.Fatalf("Metadata = %#v, want nil", got.Metadata)
			}
		})
	}
}

func TestEdgeCodecZeroTime(t *testing.T) {
	e := &lineage.Edge{ID: lineage.NewEdgeID(), From: lineage.NewNodeID(), To: lineage.NewNodeID(), Kind: lineage.Follows, Seq: 7}
	data, err := encodeEdge(e)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeEdge(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.CreatedAt.IsZero() {
		t.Fatalf("CreatedAt = %v, want zero", got.CreatedAt)
	}
}

func TestEdgeCodecRoundTrip(t *testing.T) {
	e := &lineage.Edge{
		ID:        lineage.NewEdgeID(),
		From:      lineage.NewNodeID(),
		To:        lineage.NewNodeID(),
		Kind:      lineage.Custom("derived:from"),
		Seq:       42,
		CreatedAt: lineage.Now(),
	}
	data, err := encodeEdge(e)
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeEdge(data)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(e, got); diff != "" {
		t.Fatalf("round trip mismatch (-want +got):\n%s", diff)
	}

	l, err := decodeLink(mustEncodeLink(t, e.Link()))
	if err != nil {
		t.Fatal(err)
	}
	if l != e.Link() {
		t.Fatalf("link = %+v, want %+v", l, e.Link())
	}
}

func mustEncodeLink(t *testing.T, l lineage.Link) []byte {
	t.Helper()
	data, err := encodeLink(l)
	if err != nil {
		t.Fatal(err)
	}
	return data
}

func TestStateCodecEmptyIDs(t *testing.T) {
	data, err := encodeState(&SessionState{NodeCount: 0, EdgeCount: 0})
	if err != nil {
		t.Fatal(err)
	}
	got, err := decodeState(data)
	if err != nil {
		t.Fatal(err)
	}
	if !got.Head.IsZero() || !got.Tail.IsZero() {
		t.Fatalf("empty state decoded with head %s tail %s", got.Head, got.Tail)
	}
}

func TestDecodeRecordDetectsCorruption(t *testing.T) {
	n := &lineage.Node{ID: lineage.NewNodeID(), Seq: 1, CreatedAt: lineage.Now(), Body: &lineage.Prompt{Text: "hello"}}
	data, err := encodeNode(n)
	if err != nil {
		t.Fatal(err)
	}

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)/2] ^= 0xff
	if _, err := decodeNode(flipped); !errors.Is(err, lineage.ErrCorrupt) {
		t.Fatalf("flipped byte: expected ErrCorrupt, got %v", err)
	}

	if _, err := decodeNode(data[:5]); !errors.Is(err, lineage.ErrCorrupt) {
		t.Fatalf("truncated: expected ErrCorrupt, got %v", err)
	}
}

func TestOpenRejectsForeignHeader(t *testing.T) {
	ctx := context.Background()
	tests := []struct {
		name string
		hdr  headerRecord
	}{
		{"magic", headerRecord{Magic: "other", Version: formatVersion, Codec: "msgpack"}},
		{"version", headerRecord{Magic: formatMagic, Version: formatVersion + 1, Codec: "msgpack"}},
		{"codec", headerRecord{Magic: formatMagic, Version: formatVersion, Codec: "json"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := kv.NewMemory(KVOptions())
			data, err := encodeRecord(&tt.hdr)
			if err != nil {
				t.Fatal(err)
			}
			if err := s.Set(ctx, headerKey, data); err != nil {
				t.Fatal(err)
			}
			_, err = Open(ctx, s)
			if !errors.Is(err, lineage.ErrIncompatibleFormat) {
				t.Fatalf("expected ErrIncompatibleFormat, got %v", err)
			}
			if !errors.Is(err, lineage.ErrStorage) {
				t.Fatalf("expected a StorageError, got %T", err)
			}
		})
	}
}

func TestSeqSegmentOrder(t *testing.T) {
	if seqSegment(9) >= seqSegment(10) || seqSegment(255) >= seqSegment(256) {
		t.Fatal("sequence segments do not sort numerically")
	}
	if got := seqSegment(1 << 40); got != "0000010000000000" {
		t.Fatalf("seqSegment = %q", got)
	}
}
