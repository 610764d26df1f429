package segmap

import (
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/offheapdb/segmap/segment"
)

func openTestMap(t *testing.T) *Map[string, string] {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "test.segmap")
	m, err := Open[string, string](path, StringCodec{}, StringCodec{},
		WithChunkSize(16),
		WithChunksPerSegment(256),
		WithEntriesPerSegment(64),
		WithActualSegments(4),
	)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	t.Cleanup(func() { _ = m.Close() })
	return m
}

func TestOpenCreatesFileOfExpectedSize(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sized.segmap")
	m, err := Open[string, string](path, StringCodec{}, StringCodec{}, WithActualSegments(2))
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer m.Close()

	info, err := os.Stat(path)
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != m.layout.TotalSize() {
		t.Fatalf("file size = %d, want %d", info.Size(), m.layout.TotalSize())
	}
}

func TestPutGetRemoveAcrossSegments(t *testing.T) {
	m := openTestMap(t)

	keys := []string{"alpha", "bravo", "charlie", "delta", "echo", "foxtrot"}
	for _, k := range keys {
		if err := m.Put(k, k+"-value"); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}
	if got := m.Size(); got != int64(len(keys)) {
		t.Fatalf("size = %d, want %d", got, len(keys))
	}
	for _, k := range keys {
		v, found, err := m.Get(k)
		if err != nil || !found || v != k+"-value" {
			t.Fatalf("get %s: v=%q found=%v err=%v", k, v, found, err)
		}
	}
	for _, k := range keys[:3] {
		if removed, err := m.Remove(k); err != nil || !removed {
			t.Fatalf("remove %s: removed=%v err=%v", k, removed, err)
		}
	}
	if got := m.Size(); got != int64(len(keys)-3) {
		t.Fatalf("size after removes = %d, want %d", got, len(keys)-3)
	}
}

func TestReopenPreservesData(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "persist.segmap")
	opts := []Option{WithChunkSize(16), WithChunksPerSegment(256), WithEntriesPerSegment(64), WithActualSegments(4)}

	m1, err := Open[string, string](path, StringCodec{}, StringCodec{}, opts...)
	if err != nil {
		t.Fatalf("first open: %v", err)
	}
	if err := m1.Put("k", "v"); err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := m1.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	m2, err := Open[string, string](path, StringCodec{}, StringCodec{}, opts...)
	if err != nil {
		t.Fatalf("second open: %v", err)
	}
	defer m2.Close()

	v, found, err := m2.Get("k")
	if err != nil || !found || v != "v" {
		t.Fatalf("get after reopen: v=%q found=%v err=%v", v, found, err)
	}
}

func TestGetOrLoadCoalescesConcurrentMisses(t *testing.T) {
	m := openTestMap(t)

	var calls int
	loaded := make(chan struct{})
	release := make(chan struct{})

	go func() {
		v, err := m.GetOrLoad("k", func() (string, error) {
			calls++
			close(loaded)
			<-release
			return "computed", nil
		})
		if err != nil || v != "computed" {
			t.Errorf("goroutine GetOrLoad: v=%q err=%v", v, err)
		}
	}()

	<-loaded
	close(release)

	v, err := m.GetOrLoad("k", func() (string, error) {
		t.Fatalf("load should not run twice for a coalesced miss")
		return "", nil
	})
	if err != nil {
		t.Fatalf("second GetOrLoad: %v", err)
	}
	if v != "computed" {
		t.Fatalf("second GetOrLoad value = %q, want computed", v)
	}
}

func TestForEachRemovingRemovesMatching(t *testing.T) {
	m := openTestMap(t)
	for i := 0; i < 10; i++ {
		k := string(rune('a' + i))
		if err := m.Put(k, k); err != nil {
			t.Fatalf("put %s: %v", k, err)
		}
	}

	removed := 0
	err := m.ForEachRemoving(func(v *segment.View[string, string]) bool {
		k, err := v.Key()
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		if k == "a" || k == "c" || k == "e" {
			if err := v.Remove(); err != nil {
				t.Fatalf("remove: %v", err)
			}
			removed++
		}
		return true
	})
	if err != nil {
		t.Fatalf("forEachRemoving: %v", err)
	}
	if removed != 3 {
		t.Fatalf("removed = %d, want 3", removed)
	}
	if got := m.Size(); got != 7 {
		t.Fatalf("size after removal = %d, want 7", got)
	}

	var remaining []string
	err = m.ForEachRemoving(func(v *segment.View[string, string]) bool {
		k, err := v.Key()
		if err != nil {
			t.Fatalf("key: %v", err)
		}
		remaining = append(remaining, k)
		return true
	})
	if err != nil {
		t.Fatalf("forEachRemoving (collect): %v", err)
	}
	sort.Strings(remaining)

	want := []string{"b", "d", "f", "g", "h", "i", "j"}
	if diff := cmp.Diff(want, remaining); diff != "" {
		t.Fatalf("remaining keys mismatch (-want +got):\n%s", diff)
	}
}
