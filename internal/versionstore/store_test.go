package versionstore

import (
	"bytes"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOpenEmptyWithoutSeed(t *testing.T) {
	t.Parallel()

	s, err := Open(Options{Dir: t.TempDir(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Current(); !errors.Is(err, ErrNoCatalog) {
		t.Fatalf("Current error = %v, want ErrNoCatalog", err)
	}
	if _, _, err := s.ReadCurrent(); !errors.Is(err, ErrNoCatalog) {
		t.Fatalf("ReadCurrent error = %v, want ErrNoCatalog", err)
	}
}

func TestOpenPromotesSeed(t *testing.T) {
	t.Parallel()

	seed := []byte("card_name,category,rate,activation\nA,fuel,3,yes\n")
	s, err := Open(Options{Dir: t.TempDir(), Seed: seed, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v, content, err := s.ReadCurrent()
	if err != nil {
		t.Fatalf("ReadCurrent: %v", err)
	}
	if !bytes.Equal(content, seed) {
		t.Fatalf("seed content mismatch")
	}
	if !strings.HasPrefix(v.ID, "catalog-") || !strings.HasSuffix(v.ID, ".csv") {
		t.Fatalf("version ID %q does not embed a timestamp", v.ID)
	}
	if s.BackupCount() != 0 {
		t.Fatalf("backup count = %d after seed, want 0", s.BackupCount())
	}
}

func TestPromoteRotatesAndEvicts(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, MaxBackups: 3, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	var ids []string
	for i := 0; i < 6; i++ {
		v, err := s.Promote([]byte{'v', byte('0' + i)})
		if err != nil {
			t.Fatalf("Promote %d: %v", i, err)
		}
		ids = append(ids, v.ID)
	}

	if got := s.BackupCount(); got != 3 {
		t.Fatalf("backup count = %d, want 3", got)
	}
	backups := s.Backups()
	for i, want := range ids[2:5] {
		if backups[i].ID != want {
			t.Fatalf("backup[%d] = %q, want %q", i, backups[i].ID, want)
		}
	}

	v, content, err := s.ReadCurrent()
	if err != nil {
		t.Fatalf("ReadCurrent: %v", err)
	}
	if v.ID != ids[5] || string(content) != "v5" {
		t.Fatalf("current = %q/%q, want %q/v5", v.ID, content, ids[5])
	}

	// Exactly one current file in the data dir, evicted backups gone.
	ents, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	files := 0
	for _, ent := range ents {
		if !ent.IsDir() {
			files++
			if strings.HasSuffix(ent.Name(), ".tmp") {
				t.Fatalf("temp file %q left behind", ent.Name())
			}
		}
	}
	if files != 1 {
		t.Fatalf("data dir holds %d files, want 1", files)
	}
	if _, err := os.Stat(filepath.Join(dir, "backups", ids[0])); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("oldest backup %q not evicted: %v", ids[0], err)
	}
}

func TestPromoteRejectsEmpty(t *testing.T) {
	t.Parallel()

	s, err := Open(Options{Dir: t.TempDir(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Promote(nil); err == nil {
		t.Fatalf("Promote accepted empty content")
	}
}

func TestOpenAdoptsExistingState(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	s, err := Open(Options{Dir: dir, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Promote([]byte("one")); err != nil {
		t.Fatalf("Promote: %v", err)
	}
	want, err := s.Promote([]byte("two"))
	if err != nil {
		t.Fatalf("Promote: %v", err)
	}

	// A fresh store over the same dir sees the same state.
	s2, err := Open(Options{Dir: dir, Logger: testLogger()})
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	v, content, err := s2.ReadCurrent()
	if err != nil {
		t.Fatalf("ReadCurrent: %v", err)
	}
	if v.ID != want.ID || string(content) != "two" {
		t.Fatalf("reopened current = %q/%q, want %q/two", v.ID, content, want.ID)
	}
	if s2.BackupCount() != 1 {
		t.Fatalf("reopened backup count = %d, want 1", s2.BackupCount())
	}
}

func TestOpenDemotesStrayCurrents(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	// Two current-looking files, as a crash between rename steps leaves.
	if err := os.WriteFile(filepath.Join(dir, "catalog-1000.csv"), []byte("old"), 0o600); err != nil {
		t.Fatalf("seed stray: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "catalog-2000.csv"), []byte("new"), 0o600); err != nil {
		t.Fatalf("seed stray: %v", err)
	}

	s, err := Open(Options{Dir: dir, Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	v, content, err := s.ReadCurrent()
	if err != nil {
		t.Fatalf("ReadCurrent: %v", err)
	}
	if v.ID != "catalog-2000.csv" || string(content) != "new" {
		t.Fatalf("current = %q/%q, want catalog-2000.csv/new", v.ID, content)
	}
	if s.BackupCount() != 1 {
		t.Fatalf("backup count = %d, want 1 (demoted stray)", s.BackupCount())
	}
	if _, err := os.Stat(filepath.Join(dir, "backups", "catalog-1000.csv")); err != nil {
		t.Fatalf("stray not demoted: %v", err)
	}
}

func TestVersionIDsStrictlyIncrease(t *testing.T) {
	t.Parallel()

	s, err := Open(Options{Dir: t.TempDir(), Logger: testLogger()})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	prev := ""
	for i := 0; i < 5; i++ {
		v, err := s.Promote([]byte("x"))
		if err != nil {
			t.Fatalf("Promote: %v", err)
		}
		if v.ID <= prev {
			t.Fatalf("version ID %q not greater than %q", v.ID, prev)
		}
		prev = v.ID
	}
}
