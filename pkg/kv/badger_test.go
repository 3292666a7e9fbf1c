package kv_test

import (
	"context"
	"strings"
	"testing"

	"github.com/haivivi/lineage/pkg/kv"
)

func openBadgerDir(t *testing.T, dir string) *kv.Badger {
	t.Helper()
	s, err := kv.NewBadger(kv.BadgerOptions{Dir: dir})
	if err != nil {
		t.Fatalf("NewBadger(%s): %v", dir, err)
	}
	return s
}

func TestBadgerDirRequired(t *testing.T) {
	_, err := kv.NewBadger(kv.BadgerOptions{
		Dir:      "",
		InMemory: false,
	})
	if err == nil {
		t.Fatal("expected error for empty Dir in on-disk mode")
	}
	if !strings.Contains(err.Error(), "Dir is required") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestBadgerReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s := openBadgerDir(t, dir)
	if err := s.Set(ctx, kv.Key{"k"}, []byte("v")); err != nil {
		t.Fatalf("Set: %v", err)
	}
	first, err := s.Sequence(ctx, kv.Key{"seq"})
	if err != nil {
		t.Fatalf("Sequence: %v", err)
	}
	if err := s.Sync(ctx); err != nil {
		t.Fatalf("Sync: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	s = openBadgerDir(t, dir)
	defer s.Close()
	got, err := s.Get(ctx, kv.Key{"k"})
	if err != nil {
		t.Fatalf("Get after reopen: %v", err)
	}
	if string(got) != "v" {
		t.Fatalf("Get after reopen = %q, want v", got)
	}
	next, err := s.Sequence(ctx, kv.Key{"seq"})
	if err != nil {
		t.Fatalf("Sequence after reopen: %v", err)
	}
	if next <= first {
		t.Fatalf("Sequence after reopen = %d, want > %d", next, first)
	}
}

func TestBadgerCompactKeepsLiveEntries(t *testing.T) {
	ctx := context.Background()
	s := openBadgerDir(t, t.TempDir())
	defer s.Close()

	for i := 0; i < 100; i++ {
		if err := s.Set(ctx, kv.Key{"k"}, []byte(strings.Repeat("x", i))); err != nil {
			t.Fatal(err)
		}
	}
	if err := s.Set(ctx, kv.Key{"live"}, []byte("yes")); err != nil {
		t.Fatal(err)
	}
	if err := s.Compact(ctx); err != nil {
		t.Fatalf("Compact: %v", err)
	}
	got, err := s.Get(ctx, kv.Key{"live"})
	if err != nil || string(got) != "yes" {
		t.Fatalf("Get live = %q, %v; want yes", got, err)
	}
	got, err = s.Get(ctx, kv.Key{"k"})
	if err != nil || len(got) != 99 {
		t.Fatalf("Get k len = %d, %v; want 99", len(got), err)
	}
}
