package lineage_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/haivivi/lineage/pkg/lineage"
)

// --- ID tests ---

func TestParseNodeID(t *testing.T) {
	id := lineage.NewNodeID()
	got, err := lineage.ParseNodeID(id.String())
	if err != nil {
		t.Fatalf("ParseNodeID: %v", err)
	}
	if got != id {
		t.Fatalf("ParseNodeID = %s, want %s", got, id)
	}

	_, err = lineage.ParseNodeID("not-a-uuid")
	if !errors.Is(err, lineage.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestSessionNodeIdentity(t *testing.T) {
	sid := lineage.NewSessionID()
	if sid.Node().Session() != sid {
		t.Fatal("session id does not survive the root node round trip")
	}
	if sid.Node().String() != sid.String() {
		t.Fatalf("root node %s, session %s", sid.Node(), sid)
	}
}

func TestIDTextEncoding(t *testing.T) {
	type doc struct {
		Node    lineage.NodeID    `json:"node"`
		Session lineage.SessionID `json:"session"`
	}
	in := doc{Node: lineage.NewNodeID(), Session: lineage.NewSessionID()}
	data, err := json.Marshal(in)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(string(data), in.Node.String()) {
		t.Fatalf("json %s does not contain %s", data, in.Node)
	}
	var out doc
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatal(err)
	}
	if out != in {
		t.Fatalf("decoded %+v, want %+v", out, in)
	}
}

func TestZeroIDs(t *testing.T) {
	var n lineage.NodeID
	if !n.IsZero() {
		t.Fatal("zero NodeID is not zero")
	}
	if lineage.NewNodeID().IsZero() {
		t.Fatal("fresh NodeID is zero")
	}
}

// --- Edge kind tests ---

func TestCustomKindsNeverCollide(t *testing.T) {
	for _, builtin := range []lineage.EdgeKind{lineage.Follows, lineage.RespondsTo, lineage.HandledBy, lineage.PartOf} {
		c := lineage.Custom(string(builtin))
		if c == builtin {
			t.Fatalf("Custom(%q) collides with the built-in kind", builtin)
		}
		if !c.IsCustom() {
			t.Fatalf("Custom(%q).IsCustom() = false", builtin)
		}
		if c.CustomName() != string(builtin) {
			t.Fatalf("CustomName = %q, want %q", c.CustomName(), builtin)
		}
	}
}

func TestEdgeKindValidate(t *testing.T) {
	tests := []struct {
		kind lineage.EdgeKind
		ok   bool
	}{
		{lineage.Follows, true},
		{lineage.PartOf, true},
		{lineage.Custom("cites"), true},
		{lineage.Custom("a:b c"), true},
		{lineage.Custom(""), false},
		{lineage.Custom("bad\x1fname"), false},
		{lineage.EdgeKind("mystery"), false},
	}
	for _, tt := range tests {
		err := tt.kind.Validate()
		if tt.ok && err != nil {
			t.Errorf("%q: unexpected error %v", tt.kind, err)
		}
		if !tt.ok && !errors.Is(err, lineage.ErrInvalidArgument) {
			t.Errorf("%q: expected ErrInvalidArgument, got %v", tt.kind, err)
		}
	}
}

func TestParseEdgeKind(t *testing.T) {
	tests := []struct {
		in   string
		want lineage.EdgeKind
	}{
		{"follows", lineage.Follows},
		{"part_of", lineage.PartOf},
		{"cites", lineage.Custom("cites")},
		{"x:cites", lineage.Custom("cites")},
	}
	for _, tt := range tests {
		got, err := lineage.ParseEdgeKind(tt.in)
		if err != nil {
			t.Fatalf("ParseEdgeKind(%q): %v", tt.in, err)
		}
		if got != tt.want {
			t.Errorf("ParseEdgeKind(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
	if lineage.PartOf.Canonical() != lineage.HandledBy {
		t.Fatal("PartOf does not canonicalize to HandledBy")
	}
}

func TestEdgeValidateSelfLoop(t *testing.T) {
	n := lineage.NewNodeID()
	e := &lineage.Edge{ID: lineage.NewEdgeID(), From: n, To: n, Kind: lineage.Custom("self")}
	if err := e.Validate(); !errors.Is(err, lineage.ErrInvalidArgument) {
		t.Fatalf("expected ErrInvalidArgument, got %v", err)
	}
}

func TestLinkPeer(t *testing.T) {
	a, b := lineage.NewNodeID(), lineage.NewNodeID()
	l := lineage.Link{From: a, To: b}
	if l.Peer(a) != b || l.Peer(b) != a {
		t.Fatal("Peer returned the wrong endpoint")
	}
}

// --- Node tests ---

func TestNodeCloneIsDeep(t *testing.T) {
	n := &lineage.Node{
		ID:       lineage.NewNodeID(),
		Metadata: lineage.Metadata{"user": "u1"},
		Body:     &lineage.Prompt{Text: "hello"},
	}
	cp := n.Clone()
	cp.Metadata["user"] = "u2"
	cp.Body.(*lineage.Prompt).Text = "changed"

	if n.Metadata["user"] != "u1" {
		t.Fatalf("metadata leaked through clone: %v", n.Metadata)
	}
	if n.Text() != "hello" {
		t.Fatalf("body leaked through clone: %q", n.Text())
	}
}

func TestNodeValidate(t *testing.T) {
	if err := (&lineage.Node{Body: &lineage.Prompt{}}).Validate(); !errors.Is(err, lineage.ErrInvalidArgument) {
		t.Fatalf("zero id: expected ErrInvalidArgument, got %v", err)
	}
	if err := (&lineage.Node{ID: lineage.NewNodeID()}).Validate(); !errors.Is(err, lineage.ErrInvalidArgument) {
		t.Fatalf("nil body: expected ErrInvalidArgument, got %v", err)
	}
	ok := &lineage.Node{ID: lineage.NewNodeID(), Body: &lineage.Response{Text: "hi"}}
	if err := ok.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	if ok.Kind() != lineage.KindResponse {
		t.Fatalf("Kind = %v, want response", ok.Kind())
	}
}

func TestNodeJSON(t *testing.T) {
	created := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	nodes := []*lineage.Node{
		{
			ID: lineage.NewNodeID(), Seq: 3, CreatedAt: created,
			Metadata: lineage.Metadata{"user": "u1"},
			Body:     &lineage.Prompt{Text: "Hello", ModelID: "m1", Template: lineage.NewTemplateID()},
		},
		{
			ID: lineage.NewNodeID(), Seq: 4, CreatedAt: created,
			Body: &lineage.Response{Text: "Hi", Usage: lineage.TokenUsage{PromptTokens: 3, CompletionTokens: 5}},
		},
		{ID: lineage.NewNodeID(), Seq: 1, CreatedAt: created, Body: &lineage.SessionRoot{}},
	}
	for _, n := range nodes {
		data, err := json.Marshal(n)
		if err != nil {
			t.Fatalf("Marshal %v: %v", n.Kind(), err)
		}
		if !strings.Contains(string(data), fmt.Sprintf(`"kind":%q`, n.Kind())) {
			t.Fatalf("json %s lacks the kind discriminator", data)
		}
		var got lineage.Node
		if err := json.Unmarshal(data, &got); err != nil {
			t.Fatalf("Unmarshal: %v", err)
		}
		if diff := cmp.Diff(n, &got); diff != "" {
			t.Fatalf("node mismatch (-want +got):\n%s", diff)
		}
	}
}

func TestTokenUsageTotal(t *testing.T) {
	u := lineage.TokenUsage{PromptTokens: 10, CompletionTokens: 32}
	if u.Total() != 42 {
		t.Fatalf("Total = %d, want 42", u.Total())
	}
}

// --- Config tests ---

func TestConfigDefaults(t *testing.T) {
	cfg, err := lineage.NewConfig(t.TempDir()).Build()
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if cfg.CacheSize != lineage.DefaultCacheSize {
		t.Fatalf("CacheSize = %d, want %d", cfg.CacheSize, lineage.DefaultCacheSize)
	}
	if cfg.Format != lineage.FormatMsgpack {
		t.Fatalf("Format = %q, want msgpack", cfg.Format)
	}
	if cfg.SyncWrites || cfg.InMemory || cfg.Timeout != 0 {
		t.Fatalf("unexpected non-default fields: %+v", cfg)
	}
}

func TestConfigInvalid(t *testing.T) {
	file := filepath.Join(t.TempDir(), "plain")
	if err := os.WriteFile(file, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
	tests := []struct {
		name string
		b    *lineage.ConfigBuilder
	}{
		{"empty path", lineage.NewConfig("")},
		{"path is a file", lineage.NewConfig(file)},
		{"negative cache", lineage.NewConfig(t.TempDir()).WithCacheSize(-1)},
		{"json format", lineage.NewConfig(t.TempDir()).WithFormat(lineage.FormatJSON)},
		{"unknown format", lineage.NewConfig(t.TempDir()).WithFormat("protobuf")},
		{"negative timeout", lineage.NewConfig(t.TempDir()).WithTimeout(-time.Second)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := tt.b.Build()
			if !errors.Is(err, lineage.ErrConfig) {
				t.Fatalf("expected ErrConfig, got %v", err)
			}
			if lineage.KindOf(err) != lineage.ErrorConfig {
				t.Fatalf("KindOf = %v, want config", lineage.KindOf(err))
			}
		})
	}
}

func TestConfigInMemoryIgnoresPath(t *testing.T) {
	if _, err := lineage.NewConfig("").WithInMemory(true).Build(); err != nil {
		t.Fatalf("Build: %v", err)
	}
}

func TestParseConfig(t *testing.T) {
	dir := t.TempDir()
	doc := fmt.Sprintf("path: %s\ncache_size: 50\nsync_writes: true\ntimeout: 2s\n", dir)
	cfg, err := lineage.ParseConfig([]byte(doc))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	want := lineage.Config{
		Path:       dir,
		CacheSize:  50,
		Format:     lineage.FormatMsgpack,
		SyncWrites: true,
		Timeout:    2 * time.Second,
	}
	if diff := cmp.Diff(want, cfg); diff != "" {
		t.Fatalf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestParseConfigRejects(t *testing.T) {
	for _, doc := range []string{
		"in_memory: true\nunknown_field: 1\n",
		"in_memory: true\ntimeout: soon\n",
		"in_memory: true\nformat: json\n",
	} {
		if _, err := lineage.ParseConfig([]byte(doc)); !errors.Is(err, lineage.ErrConfig) {
			t.Errorf("%q: expected ErrConfig, got %v", doc, err)
		}
	}
}

func TestLoadConfig(t *testing.T) {
	file := filepath.Join(t.TempDir(), "lineage.yaml")
	if err := os.WriteFile(file, []byte("in_memory: true\ncache_size: 10\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := lineage.LoadConfig(file)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.InMemory || cfg.CacheSize != 10 {
		t.Fatalf("LoadConfig = %+v", cfg)
	}

	_, err = lineage.LoadConfig(filepath.Join(t.TempDir(), "missing.yaml"))
	if !errors.Is(err, lineage.ErrConfig) {
		t.Fatalf("expected ErrConfig, got %v", err)
	}
}

// --- Error tests ---

func TestStorageWrapping(t *testing.T) {
	err := lineage.Storage("put node", errors.New("disk full"))
	if !errors.Is(err, lineage.ErrStorage) {
		t.Fatalf("expected ErrStorage, got %v", err)
	}
	var se *lineage.StorageError
	if !errors.As(err, &se) || se.Op != "put node" {
		t.Fatalf("errors.As = %v, op %q", se, se.Op)
	}

	if got := lineage.Storage("get", lineage.ErrNotFound); got != lineage.ErrNotFound {
		t.Fatalf("taxonomy error was rewrapped: %v", got)
	}
	if lineage.Storage("noop", nil) != nil {
		t.Fatal("Storage(nil) != nil")
	}
}

func TestStorageTimeout(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	err := lineage.Storage("get node", ctx.Err())
	if !errors.Is(err, lineage.ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("deadline lost: %v", err)
	}
	if lineage.KindOf(err) != lineage.ErrorStorage {
		t.Fatalf("KindOf = %v, want storage", lineage.KindOf(err))
	}
}

func TestKindOf(t *testing.T) {
	sid := lineage.NewSessionID()
	tests := []struct {
		err  error
		want lineage.ErrorKind
	}{
		{nil, lineage.ErrorUnknown},
		{errors.New("other"), lineage.ErrorUnknown},
		{fmt.Errorf("get: %w", lineage.ErrNotFound), lineage.ErrorNotFound},
		{lineage.ErrConflict, lineage.ErrorConflict},
		{lineage.ErrInvalidArgument, lineage.ErrorInvalidArgument},
		{&lineage.StorageError{Op: "x", Err: lineage.ErrCorrupt}, lineage.ErrorStorage},
		{lineage.Inconsistent(sid, "gap at %d", 3), lineage.ErrorInconsistentGraph},
	}
	for _, tt := range tests {
		if got := lineage.KindOf(tt.err); got != tt.want {
			t.Errorf("KindOf(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
