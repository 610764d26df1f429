package mmapfile

import (
	"path/filepath"
	"testing"
)

func TestOpenGrowsAndMaps(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.map")

	mf, err := Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer mf.Close()

	b := mf.Bytes()
	if len(b) != 4096 {
		t.Fatalf("len(Bytes()) = %d, want 4096", len(b))
	}
	b[0] = 0x42
	if err := mf.Sync(); err != nil {
		t.Fatal(err)
	}
}

func TestReopenPreservesContent(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.map")

	mf1, err := Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	mf1.Bytes()[10] = 0x7a
	if err := mf1.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := mf1.Close(); err != nil {
		t.Fatal(err)
	}

	mf2, err := Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer mf2.Close()
	if got := mf2.Bytes()[10]; got != 0x7a {
		t.Fatalf("Bytes()[10] = %#x, want 0x7a", got)
	}
}

func TestOpenDoesNotShrinkLargerExistingFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "data.map")

	mf1, err := Open(path, 8192)
	if err != nil {
		t.Fatal(err)
	}
	if err := mf1.Close(); err != nil {
		t.Fatal(err)
	}

	mf2, err := Open(path, 4096)
	if err != nil {
		t.Fatal(err)
	}
	defer mf2.Close()
	if len(mf2.Bytes()) != 4096 {
		t.Fatalf("len(Bytes()) = %d, want 4096 (the requested mapping size)", len(mf2.Bytes()))
	}
}
