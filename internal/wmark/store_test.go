//go:build linux

package wmark

import (
	"errors"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestCreateRejectsExisting(t *testing.T) {
	dir := t.TempDir()
	s, err := Create(dir, "store", participants(0, 1), DefaultCorridors)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	s.Table().Sign()
	if err := s.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := Create(dir, "store", participants(0, 1), DefaultCorridors); !errors.Is(err, ErrAlreadyExists) {
		t.Fatalf("expected ErrAlreadyExists, got %v", err)
	}
}

func TestEnsureResizePreservesEntries(t *testing.T) {
	dir := t.TempDir()
	s, created, err := Ensure(dir, "store", participants(0, 1, 2), DefaultCorridors)
	if err != nil || !created {
		t.Fatalf("Ensure: created=%v err=%v", created, err)
	}
	custom := Corridor{Upper: 0.05, Lower: 0.15}
	if err := s.Table().SetBlock(2, custom); err != nil {
		t.Fatalf("SetBlock: %v", err)
	}
	s.Table().Sign()
	s.Close()

	// branch 1 leaves, branches 3 and 4 arrive
	s, changed, err := Ensure(dir, "store", participants(0, 2, 3, 4), DefaultCorridors)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	if !changed {
		t.Fatalf("expected change after branch set changed")
	}
	tbl := s.Table()
	if tbl.Len() != 4 {
		t.Fatalf("len = %d, want 4", tbl.Len())
	}
	e, ok := tbl.Search(2)
	if !ok || e.Block != custom {
		t.Fatalf("branch 2 lost its corridor: %+v ok=%v", e, ok)
	}
	if _, ok := tbl.Search(1); ok {
		t.Fatalf("departed branch still present")
	}
	if e, _ := tbl.Search(3); e.Block != custom {
		t.Fatalf("branch 3 should be seeded from branch 2, got %+v", e.Block)
	}
	tbl.Sign()
	s.Close()

	info, err := os.Stat(Path(dir, "store"))
	if err != nil {
		t.Fatalf("stat: %v", err)
	}
	if info.Size() != int64(Size(4)) {
		t.Fatalf("backing size %d, want %d", info.Size(), Size(4))
	}

	loaded, err := Load(dir, "store")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.Len() != 4 {
		t.Fatalf("loaded len %d", loaded.Len())
	}
}

func TestEnsureUnchanged(t *testing.T) {
	dir := t.TempDir()
	s, _, err := Ensure(dir, "store", participants(0, 1), DefaultCorridors)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	s.Table().Sign()
	s.Close()

	s, changed, err := Ensure(dir, "store", participants(0, 1), DefaultCorridors)
	if err != nil {
		t.Fatalf("Ensure: %v", err)
	}
	defer s.Close()
	if changed {
		t.Fatalf("expected no change")
	}
	if err := s.Table().Verify(); err != nil {
		t.Fatalf("signature lost on unchanged resize: %v", err)
	}
}

func TestEnsureRefusesCorruptStore(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(Path(dir, "store"), []byte("garbage"), 0o600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if _, err := Load(dir, "store"); !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("expected corrupt store, got %v", err)
	}
	if _, _, err := Ensure(dir, "store", participants(0, 1), DefaultCorridors); !errors.Is(err, ErrCorruptStore) {
		t.Fatalf("expected Ensure to refuse a corrupt store, got %v", err)
	}
	if err := Unlink(dir, "store"); err != nil {
		t.Fatalf("Unlink: %v", err)
	}
	s, changed, err := Ensure(dir, "store", participants(0, 1), DefaultCorridors)
	if err != nil {
		t.Fatalf("Ensure after unlink: %v", err)
	}
	defer s.Close()
	if !changed || s.Table().Len() != 2 {
		t.Fatalf("store not recreated: changed=%v len=%d", changed, s.Table().Len())
	}
}

func TestLoadMissing(t *testing.T) {
	if _, err := Load(t.TempDir(), "nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if err := Unlink(t.TempDir(), "nope"); err != nil {
		t.Fatalf("Unlink missing: %v", err)
	}
}

func TestName(t *testing.T) {
	dev := unix.Mkdev(8, 17)
	if got := Name(dev, 42); got != "aufhsm-00080011-42" {
		t.Fatalf("Name = %q", got)
	}
}
