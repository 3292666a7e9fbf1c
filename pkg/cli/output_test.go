package cli

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestOutput_JSON(t *testing.T) {
	var buf bytes.Buffer

	data := map[string]any{
		"name":  "test",
		"value": 123,
	}

	err := Output(data, OutputOptions{
		Format: FormatJSON,
		Writer: &buf,
	})
	if err != nil {
		t.Fatalf("Output error: %v", err)
	}

	var result map[string]any
	if err := json.Unmarshal(buf.Bytes(), &result); err != nil {
		t.Fatalf("Invalid JSON output: %v", err)
	}

	if result["name"] != "test" {
		t.Errorf("name = %v, want %q", result["name"], "test")
	}
}

func TestOutput_YAML(t *testing.T) {
	var buf bytes.Buffer

	data := map[string]any{
		"name":  "test",
		"value": 123,
	}

	err := Output(data, OutputOptions{
		Format: FormatYAML,
		Writer: &buf,
	})
	if err != nil {
		t.Fatalf("Output error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "name: test") {
		t.Errorf("Output should contain 'name: test', got: %s", output)
	}
}

func TestOutput_DefaultFormat(t *testing.T) {
	var buf bytes.Buffer

	data := map[string]string{"key": "value"}

	// Empty format should default to YAML
	err := Output(data, OutputOptions{
		Format: "",
		Writer: &buf,
	})
	if err != nil {
		t.Fatalf("Output error: %v", err)
	}

	output := buf.String()
	if !strings.Contains(output, "key: value") {
		t.Errorf("Default format should be YAML, got: %s", output)
	}
}

type custom struct{ v string }

func (c custom) MarshalJSON() ([]byte, error) {
	return json.Marshal(map[string]string{"shape": c.v})
}

func TestOutput_YAMLUsesJSONMarshaler(t *testing.T) {
	var buf bytes.Buffer

	err := Output(custom{v: "flat"}, OutputOptions{Writer: &buf})
	if err != nil {
		t.Fatalf("Output error: %v", err)
	}
	if !strings.Contains(buf.String(), "shape: flat") {
		t.Errorf("Output should use MarshalJSON, got: %s", buf.String())
	}
}

type rows []string

func (r rows) Table() *Table {
	t := &Table{Headers: []string{"N", "VALUE"}}
	for i, v := range r {
		t.Append(strings.Repeat("#", i+1), v)
	}
	return t
}

func TestOutput_Table(t *testing.T) {
	var buf bytes.Buffer

	err := Output(rows{"alpha", "beta"}, OutputOptions{
		Format: FormatTable,
		Writer: &buf,
	})
	if err != nil {
		t.Fatalf("Output error: %v", err)
	}

	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4:\n%s", len(lines), buf.String())
	}
	if !strings.Contains(lines[0], "VALUE") || !strings.Contains(lines[3], "beta") {
		t.Errorf("unexpected table:\n%s", buf.String())
	}
}

func TestOutput_TableFallsBackToYAML(t *testing.T) {
	var buf bytes.Buffer

	err := Output(map[string]int{"count": 42}, OutputOptions{
		Format: FormatTable,
		Writer: &buf,
	})
	if err != nil {
		t.Fatalf("Output error: %v", err)
	}
	if !strings.Contains(buf.String(), "count: 42") {
		t.Errorf("Output should contain YAML, got: %s", buf.String())
	}
}

func TestOutput_UnsupportedFormat(t *testing.T) {
	var buf bytes.Buffer

	err := Output("data", OutputOptions{
		Format: "invalid",
		Writer: &buf,
	})
	if err == nil {
		t.Error("Output should fail for unsupported format")
	}
}

func TestOutput_ToFile(t *testing.T) {
	tmpDir := t.TempDir()
	filePath := filepath.Join(tmpDir, "output.json")

	data := map[string]string{"key": "value"}

	err := Output(data, OutputOptions{
		Format: FormatJSON,
		File:   filePath,
	})
	if err != nil {
		t.Fatalf("Output error: %v", err)
	}

	content, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("ReadFile error: %v", err)
	}

	var result map[string]string
	if err := json.Unmarshal(content, &result); err != nil {
		t.Fatalf("Invalid JSON in file: %v", err)
	}

	if result["key"] != "value" {
		t.Errorf("key = %q, want %q", result["key"], "value")
	}
}

func TestParseOutputFormat(t *testing.T) {
	tests := []struct {
		in      string
		want    OutputFormat
		wantErr bool
	}{
		{"", FormatYAML, false},
		{"yaml", FormatYAML, false},
		{"json", FormatJSON, false},
		{"table", FormatTable, false},
		{"xml", "", true},
	}
	for _, tt := range tests {
		got, err := ParseOutputFormat(tt.in)
		if (err != nil) != tt.wantErr || got != tt.want {
			t.Errorf("ParseOutputFormat(%q) = %q, %v", tt.in, got, err)
		}
	}
}

// --- Table tests ---

func TestTable_AlignsColumns(t *testing.T) {
	tbl := &Table{Headers: []string{"ID", "TEXT"}}
	tbl.Append("1", "short")
	tbl.Append("22", "longer text")

	lines := strings.Split(tbl.Render(DefaultStyles()), "\n")
	if len(lines) != 4 {
		t.Fatalf("lines = %d, want 4", len(lines))
	}
	col := strings.Index(lines[0], "TEXT")
	if strings.Index(lines[2], "short") != col || strings.Index(lines[3], "longer") != col {
		t.Errorf("columns not aligned:\n%s", strings.Join(lines, "\n"))
	}
}

func TestTable_TruncatesAndFooter(t *testing.T) {
	tbl := &Table{Headers: []string{"TEXT"}, MaxWidth: 5, Footer: "1 row"}
	tbl.Append("abcdefgh")

	out := tbl.Render(DefaultStyles())
	if !strings.Contains(out, "abcd…") {
		t.Errorf("cell not truncated: %s", out)
	}
	if !strings.HasSuffix(out, "1 row") {
		t.Errorf("footer missing: %s", out)
	}
}

func TestTable_ShortRows(t *testing.T) {
	tbl := &Table{Headers: []string{"A", "B"}}
	tbl.Append("only")
	if out := tbl.Render(DefaultStyles()); !strings.Contains(out, "only") {
		t.Errorf("Render = %q", out)
	}
}
