package logring

import (
	"fmt"
	"strings"
	"testing"
)

func TestAppendOrderAndLevels(t *testing.T) {
	t.Parallel()

	r := New(10)
	r.Infof("starting %s", "backup")
	r.Warnf("slow device")
	r.Errorf("read failure at %d", 4096)

	entries := r.Snapshot()
	if len(entries) != 3 {
		t.Fatalf("got %d entries, want 3", len(entries))
	}
	if entries[0].Level != LevelInfo || entries[0].Message != "starting backup" {
		t.Fatalf("unexpected first entry: %+v", entries[0])
	}
	if entries[2].Level != LevelError {
		t.Fatalf("last entry level = %v, want error", entries[2].Level)
	}
}

func TestRetentionEvictsOldest(t *testing.T) {
	t.Parallel()

	r := New(5)
	for i := 0; i < 12; i++ {
		r.Infof("entry %d", i)
	}
	if r.Len() != 5 {
		t.Fatalf("len = %d, want 5", r.Len())
	}
	entries := r.Snapshot()
	if entries[0].Message != "entry 7" {
		t.Fatalf("oldest retained = %q, want entry 7", entries[0].Message)
	}
	if entries[4].Message != "entry 11" {
		t.Fatalf("newest retained = %q, want entry 11", entries[4].Message)
	}
}

func TestAppendCollapsesNewlinesAndSkipsEmpty(t *testing.T) {
	t.Parallel()

	r := New(10)
	r.Append(LevelInfo, "line one\nline two")
	r.Append(LevelInfo, "   ")
	r.Append(LevelInfo, "")

	if r.Len() != 1 {
		t.Fatalf("len = %d, want 1", r.Len())
	}
	if got := r.Snapshot()[0].Message; got != "line one line two" {
		t.Fatalf("message = %q", got)
	}
}

func TestDumpOneLinePerEntry(t *testing.T) {
	t.Parallel()

	r := New(10)
	r.Infof("first")
	r.Errorf("second")

	dump := r.Dump()
	lines := strings.Split(dump, "\n")
	if len(lines) != 2 {
		t.Fatalf("dump has %d lines, want 2: %q", len(lines), dump)
	}
	if !strings.Contains(lines[0], "INFO") || !strings.HasSuffix(lines[0], "first") {
		t.Fatalf("unexpected dump line: %q", lines[0])
	}
	if !strings.Contains(lines[1], "ERROR") {
		t.Fatalf("unexpected dump line: %q", lines[1])
	}
}

func TestConcurrentAppends(t *testing.T) {
	t.Parallel()

	r := New(100)
	done := make(chan struct{})
	for g := 0; g < 8; g++ {
		go func(g int) {
			defer func() { done <- struct{}{} }()
			for i := 0; i < 50; i++ {
				r.Infof("goroutine %d entry %d", g, i)
			}
		}(g)
	}
	for g := 0; g < 8; g++ {
		<-done
	}
	if r.Len() != 100 {
		t.Fatalf("len = %d, want retention cap 100", r.Len())
	}
}

func TestZeroRetentionUsesDefault(t *testing.T) {
	t.Parallel()

	r := New(0)
	for i := 0; i < DefaultRetention+50; i++ {
		r.Append(LevelInfo, fmt.Sprintf("entry %d", i))
	}
	if r.Len() != DefaultRetention {
		t.Fatalf("len = %d, want %d", r.Len(), DefaultRetention)
	}
}
