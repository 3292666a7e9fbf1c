package commands

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// setupTestEnv points the CLI at a fresh data directory and home.
func setupTestEnv(t *testing.T) string {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	return filepath.Join(t.TempDir(), "data")
}

func runCmd(t *testing.T, args ...string) (stdout, stderr string, exitCode int) {
	t.Helper()

	resetFlags(rootCmd)

	var outBuf, errBuf bytes.Buffer
	rootCmd.SetOut(&outBuf)
	rootCmd.SetErr(&errBuf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	rootCmd.SetOut(nil)
	rootCmd.SetErr(nil)

	stdout = outBuf.String()
	stderr = errBuf.String()
	if err != nil {
		stderr += err.Error()
		return stdout, stderr, 1
	}
	return stdout, stderr, 0
}

// resetFlags restores every flag of cmd and its children to its default,
// so one test's flags do not leak into the next.
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			sv.Replace(nil)
		} else {
			f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// runJSON runs a command with -o json and decodes its output into v.
func runJSON(t *testing.T, v any, args ...string) {
	t.Helper()
	stdout, stderr, code := runCmd(t, append(args, "-o", "json")...)
	if code != 0 {
		t.Fatalf("%v: exit %d: %s", args, code, stderr)
	}
	if err := json.Unmarshal([]byte(stdout), v); err != nil {
		t.Fatalf("%v: decode %q: %v", args, stdout, err)
	}
}

type idResult struct {
	ID string `json:"id"`
}

func createSession(t *testing.T, data string, meta ...string) string {
	t.Helper()
	args := []string{"session", "create", "--data", data}
	for _, m := range meta {
		args = append(args, "--meta", m)
	}
	var r idResult
	runJSON(t, &r, args...)
	if r.ID == "" {
		t.Fatal("session create returned no id")
	}
	return r.ID
}

func addPrompt(t *testing.T, data, session, text string, extra ...string) string {
	t.Helper()
	var r idResult
	runJSON(t, &r, append([]string{"prompt", session, text, "--data", data}, extra...)...)
	return r.ID
}

func addResponse(t *testing.T, data, prompt, text string) string {
	t.Helper()
	var r idResult
	runJSON(t, &r, "response", prompt, text, "--data", data, "--completion-tokens", "3")
	return r.ID
}

// --- version tests ---

func TestVersion(t *testing.T) {
	setupTestEnv(t)

	stdout, _, code := runCmd(t, "version")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.HasPrefix(stdout, "lineage ") {
		t.Fatalf("expected 'lineage', got: %s", stdout)
	}
}

func TestVersionJSON(t *testing.T) {
	setupTestEnv(t)

	stdout, _, code := runCmd(t, "version", "-o", "json")
	if code != 0 {
		t.Fatalf("exit %d", code)
	}
	if !strings.Contains(stdout, `"version"`) {
		t.Fatalf("expected JSON, got: %s", stdout)
	}
}

// --- session tests ---

func TestSessionCreateGet(t *testing.T) {
	data := setupTestEnv(t)
	id := createSession(t, data, "user=alice")

	var got struct {
		ID        string            `json:"id"`
		Metadata  map[string]string `json:"metadata"`
		NodeCount int64             `json:"node_count"`
	}
	runJSON(t, &got, "session", "get", id, "--data", data)
	if got.ID != id {
		t.Fatalf("ID = %q, want %q", got.ID, id)
	}
	if got.Metadata["user"] != "alice" {
		t.Fatalf("Metadata = %v, want user=alice", got.Metadata)
	}
	if got.NodeCount != 0 {
		t.Fatalf("NodeCount = %d, want 0", got.NodeCount)
	}
}

func TestSessionGetMissing(t *testing.T) {
	data := setupTestEnv(t)

	_, stderr, code := runCmd(t, "session", "get", "00000000-0000-0000-0000-000000000001", "--data", data)
	if code == 0 {
		t.Fatal("expected failure")
	}
	if !strings.Contains(stderr, "not found") {
		t.Fatalf("stderr = %q, want not found", stderr)
	}
}

func TestSessionCreateBadMeta(t *testing.T) {
	data := setupTestEnv(t)

	_, _, code := runCmd(t, "session", "create", "--data", data, "--meta", "novalue")
	if code == 0 {
		t.Fatal("expected failure")
	}
}

func TestSessionListTable(t *testing.T) {
	data := setupTestEnv(t)
	a := createSession(t, data)
	b := createSession(t, data)

	stdout, stderr, code := runCmd(t, "session", "list", "--data", data, "-o", "table")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	for _, id := range []string{a, b, "2 session(s)"} {
		if !strings.Contains(stdout, id) {
			t.Fatalf("list missing %q:\n%s", id, stdout)
		}
	}
}

// --- conversation tests ---

func TestConversationFlow(t *testing.T) {
	data := setupTestEnv(t)
	session := createSession(t, data)
	p1 := addPrompt(t, data, session, "What is Rust?", "--model", "m1")
	r1 := addResponse(t, data, p1, "A systems language.")
	p2 := addPrompt(t, data, session, "Is it fast?")

	var thread []struct {
		ID string `json:"id"`
	}
	runJSON(t, &thread, "thread", session, "--data", data)
	var got []string
	for _, n := range thread {
		got = append(got, n.ID)
	}
	want := []string{p1, r1, p2}
	if strings.Join(got, ",") != strings.Join(want, ",") {
		t.Fatalf("thread = %v, want %v", got, want)
	}

	var stats struct {
		NodeCount int64  `json:"node_count"`
		EdgeCount int64  `json:"edge_count"`
		Head      string `json:"head"`
		Tail      string `json:"tail"`
	}
	runJSON(t, &stats, "session", "stats", session, "--data", data)
	if stats.NodeCount != 3 || stats.EdgeCount != 5 {
		t.Fatalf("stats = %+v, want 3 nodes, 5 edges", stats)
	}
	if stats.Head != p1 || stats.Tail != p2 {
		t.Fatalf("head, tail = %s, %s, want %s, %s", stats.Head, stats.Tail, p1, p2)
	}

	var responses []struct {
		ID string `json:"id"`
	}
	runJSON(t, &responses, "responses", p1, "--data", data)
	if len(responses) != 1 || responses[0].ID != r1 {
		t.Fatalf("responses = %v, want [%s]", responses, r1)
	}

	var ancestors []struct {
		ID string `json:"id"`
	}
	runJSON(t, &ancestors, "ancestors", p2, "--data", data)
	if len(ancestors) != 2 || ancestors[0].ID != p1 || ancestors[1].ID != r1 {
		t.Fatalf("ancestors = %v, want [%s %s]", ancestors, p1, r1)
	}

	stdout, stderr, code := runCmd(t, "thread", session, "--data", data, "-o", "table")
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	if !strings.Contains(stdout, "What is Rust?") || !strings.Contains(stdout, "3 node(s)") {
		t.Fatalf("table output:\n%s", stdout)
	}
}

func TestResponseUnknownPrompt(t *testing.T) {
	data := setupTestEnv(t)

	_, _, code := runCmd(t, "response", "00000000-0000-0000-0000-000000000002", "hi", "--data", data)
	if code == 0 {
		t.Fatal("expected failure")
	}
}

func TestPromptInvalidSessionID(t *testing.T) {
	data := setupTestEnv(t)

	_, _, code := runCmd(t, "prompt", "not-a-uuid", "hi", "--data", data)
	if code == 0 {
		t.Fatal("expected failure")
	}
}

func TestCustomEdgeAndWalk(t *testing.T) {
	data := setupTestEnv(t)
	session := createSession(t, data)
	p1 := addPrompt(t, data, session, "first")
	p2 := addPrompt(t, data, session, "second")

	var edge idResult
	runJSON(t, &edge, "edge", p2, p1, "cites", "--data", data)
	if edge.ID == "" {
		t.Fatal("edge returned no id")
	}

	var steps []struct {
		Node struct {
			ID string `json:"id"`
		} `json:"node"`
		Depth int `json:"depth"`
	}
	runJSON(t, &steps, "walk", p2, "--kind", "cites", "--data", data)
	if len(steps) != 2 || steps[0].Node.ID != p2 || steps[1].Node.ID != p1 || steps[1].Depth != 1 {
		t.Fatalf("walk = %+v, want [%s %s]", steps, p2, p1)
	}

	_, _, code := runCmd(t, "walk", p2, "--direction", "sideways", "--data", data)
	if code == 0 {
		t.Fatal("expected failure for unknown direction")
	}
}

// --- query tests ---

func TestQueryFilters(t *testing.T) {
	data := setupTestEnv(t)
	session := createSession(t, data)
	p1 := addPrompt(t, data, session, "one", "--meta", "topic=rust")
	addResponse(t, data, p1, "uno")
	addPrompt(t, data, session, "two", "--meta", "topic=go")

	var nodes []struct {
		ID string `json:"id"`
	}
	runJSON(t, &nodes, "query", "--data", data, "--session", session, "--kind", "prompt", "--where", "topic=rust")
	if len(nodes) != 1 || nodes[0].ID != p1 {
		t.Fatalf("query = %v, want [%s]", nodes, p1)
	}

	nodes = nil
	runJSON(t, &nodes, "query", "--data", data, "--kind", "prompt,response", "--limit", "2")
	if len(nodes) != 2 {
		t.Fatalf("len = %d, want 2", len(nodes))
	}
}

func TestQueryInvalidRange(t *testing.T) {
	data := setupTestEnv(t)

	_, _, code := runCmd(t, "query", "--data", data,
		"--since", "2026-02-01T00:00:00Z", "--until", "2026-01-01T00:00:00Z")
	if code == 0 {
		t.Fatal("expected failure")
	}
	_, _, code = runCmd(t, "query", "--data", data, "--since", "yesterday")
	if code == 0 {
		t.Fatal("expected failure for malformed time")
	}
}

// --- admin tests ---

func TestVerifyRepairClean(t *testing.T) {
	data := setupTestEnv(t)
	session := createSession(t, data)
	p := addPrompt(t, data, session, "hello")
	addResponse(t, data, p, "hi")

	var rep struct {
		Sessions      int   `json:"sessions"`
		Nodes         int   `json:"nodes"`
		Edges         int   `json:"edges"`
		Discrepancies []any `json:"discrepancies"`
	}
	runJSON(t, &rep, "verify", "--data", data)
	if rep.Sessions != 1 || rep.Nodes != 3 || rep.Edges != 4 || len(rep.Discrepancies) != 0 {
		t.Fatalf("verify = %+v", rep)
	}

	rep.Discrepancies = nil
	runJSON(t, &rep, "repair", "--data", data)
	if len(rep.Discrepancies) != 0 {
		t.Fatalf("repair left %v", rep.Discrepancies)
	}

	_, stderr, code := runCmd(t, "compact", "--data", data)
	if code != 0 {
		t.Fatalf("compact: exit %d: %s", code, stderr)
	}
}

func TestExportToFile(t *testing.T) {
	data := setupTestEnv(t)
	session := createSession(t, data)
	addPrompt(t, data, session, "hello")

	out := filepath.Join(t.TempDir(), "session.json")
	_, stderr, code := runCmd(t, "export", session, "--data", data, "-f", out)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
	raw, err := os.ReadFile(out)
	if err != nil {
		t.Fatal(err)
	}
	var doc struct {
		Session struct {
			ID string `json:"id"`
		} `json:"session"`
		Nodes []any `json:"nodes"`
		Edges []any `json:"edges"`
	}
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatal(err)
	}
	if doc.Session.ID != session || len(doc.Nodes) != 1 || len(doc.Edges) != 1 {
		t.Fatalf("export = %+v", doc)
	}
}

func TestIngestJSONLines(t *testing.T) {
	data := setupTestEnv(t)
	session := createSession(t, data)

	file := filepath.Join(t.TempDir(), "batch.jsonl")
	lines := `{"prompt": {"session_id": "` + session + `", "text": "a"}, "responses": [{"text": "b"}, {"text": "c"}]}

{"prompt": {"session_id": "` + session + `", "text": "d"}}
`
	if err := os.WriteFile(file, []byte(lines), 0o644); err != nil {
		t.Fatal(err)
	}

	var results []struct {
		Prompt    string   `json:"prompt"`
		Responses []string `json:"responses"`
	}
	runJSON(t, &results, "ingest", file, "--data", data)
	if len(results) != 2 || len(results[0].Responses) != 2 || len(results[1].Responses) != 0 {
		t.Fatalf("results = %+v", results)
	}

	var stats struct {
		NodeCount int64 `json:"node_count"`
	}
	runJSON(t, &stats, "session", "stats", session, "--data", data)
	if stats.NodeCount != 5 {
		t.Fatalf("NodeCount = %d, want 5", stats.NodeCount)
	}
}

func TestIngestYAML(t *testing.T) {
	data := setupTestEnv(t)
	session := createSession(t, data)

	file := filepath.Join(t.TempDir(), "batch.yaml")
	doc := "- prompt:\n    session_id: " + session + "\n    text: hello\n  responses:\n    - text: hi\n"
	if err := os.WriteFile(file, []byte(doc), 0o644); err != nil {
		t.Fatal(err)
	}

	_, stderr, code := runCmd(t, "ingest", file, "--data", data)
	if code != 0 {
		t.Fatalf("exit %d: %s", code, stderr)
	}
}

func TestIngestMalformedLine(t *testing.T) {
	data := setupTestEnv(t)

	file := filepath.Join(t.TempDir(), "bad.jsonl")
	if err := os.WriteFile(file, []byte("{not json}\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, stderr, code := runCmd(t, "ingest", file, "--data", data)
	if code == 0 {
		t.Fatal("expected failure")
	}
	if !strings.Contains(stderr, "line 1") {
		t.Fatalf("stderr = %q, want line number", stderr)
	}
}

// --- helper tests ---

func TestParseMeta(t *testing.T) {
	md, err := parseMeta([]string{"a=1", "b=x=y"})
	if err != nil {
		t.Fatal(err)
	}
	if md["a"] != "1" || md["b"] != "x=y" {
		t.Fatalf("parseMeta = %v", md)
	}
	if md, _ := parseMeta(nil); md != nil {
		t.Fatalf("parseMeta(nil) = %v, want nil", md)
	}
	if _, err := parseMeta([]string{"=v"}); err == nil {
		t.Fatal("expected error for empty key")
	}
}

func TestLoadConfigDataOverride(t *testing.T) {
	data := setupTestEnv(t)

	resetFlags(rootCmd)
	dataDir = data
	defer func() { dataDir = "" }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != data {
		t.Fatalf("Path = %q, want %q", cfg.Path, data)
	}
}

func TestLoadConfigFile(t *testing.T) {
	setupTestEnv(t)
	file := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(file, []byte("path: /tmp/lineage-from-config\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	resetFlags(rootCmd)
	configFile = file
	defer func() { configFile = "" }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Path != "/tmp/lineage-from-config" {
		t.Fatalf("Path = %q", cfg.Path)
	}
}
