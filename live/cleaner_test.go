package live

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCleanerScanClassification(t *testing.T) {
	dir := t.TempDir()
	store := &RecoveryStore{Folder: dir}

	unknown := writeFile(t, filepath.Join(dir, "notes.txt"), "x")
	damaged := writeFile(t, filepath.Join(dir, "1_20240101_000000.flv"), "x")
	unrecovered := writeFile(t, filepath.Join(dir, "1_merged_20240101_010000.flv"), "x")
	left := writeFile(t, filepath.Join(dir, "1_merged_20240202_020000.flv"), "x")

	if err := store.Save("deadbeef", RecoveryRecord{
		Type:         RecordTypeUploadFailure,
		RoomID:       1,
		ArtifactPath: unrecovered,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c := &Cleaner{Folder: dir, Store: store}
	cls, err := c.Scan()
	if err != nil {
		t.Fatalf("Scan: %v", err)
	}

	check := func(name string, got []string, want string) {
		t.Helper()
		if len(got) != 1 || got[0] != want {
			t.Fatalf("%s = %v, want [%s]", name, got, want)
		}
	}
	check("Unknown", cls.Unknown, unknown)
	check("Damaged", cls.Damaged, damaged)
	check("Unrecovered", cls.Unrecovered, unrecovered)
	check("ExceptionallyLeft", cls.ExceptionallyLeft, left)

	// Every file appears exactly once across categories.
	total := len(cls.Unknown) + len(cls.Damaged) + len(cls.Unrecovered) + len(cls.ExceptionallyLeft)
	if total != 4 {
		t.Fatalf("classified %d files, want 4", total)
	}
}

func TestCleanerCleanRespectsExclusionsAndRecovery(t *testing.T) {
	dir := t.TempDir()
	store := &RecoveryStore{Folder: dir}

	active := writeFile(t, filepath.Join(dir, "1_20240101_000000.flv"), "x")
	stale := writeFile(t, filepath.Join(dir, "1_20230101_000000.flv"), "x")
	unrecovered := writeFile(t, filepath.Join(dir, "1_merged_20240101_010000.flv"), "x")
	left := writeFile(t, filepath.Join(dir, "1_merged_20240202_020000.flv"), "x")
	unknown := writeFile(t, filepath.Join(dir, "keep.mp4.part"), "x")

	if err := store.Save("deadbeef", RecoveryRecord{
		Type:         RecordTypeUploadFailure,
		RoomID:       1,
		ArtifactPath: unrecovered,
	}); err != nil {
		t.Fatalf("Save: %v", err)
	}

	c := &Cleaner{Folder: dir, Store: store}
	stats, errs := c.Clean([]string{active})
	if len(errs) != 0 {
		t.Fatalf("Clean errors: %v", errs)
	}
	if stats.Damaged != 1 || stats.ExceptionallyLeft != 1 {
		t.Fatalf("stats = %+v", stats)
	}

	for _, p := range []string{active, unrecovered, unknown} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("%s should have survived: %v", p, err)
		}
	}
	for _, p := range []string{stale, left} {
		if _, err := os.Stat(p); !os.IsNotExist(err) {
			t.Fatalf("%s should have been deleted", p)
		}
	}

	// The recovery journal itself is never swept.
	if _, ok, err := store.Load("deadbeef"); err != nil || !ok {
		t.Fatalf("recovery record touched by clean: ok=%v err=%v", ok, err)
	}
}

func TestCleanerEmptyFolder(t *testing.T) {
	c := &Cleaner{Folder: filepath.Join(t.TempDir(), "nope")}
	cls, err := c.Scan()
	if err != nil {
		t.Fatalf("Scan on missing folder: %v", err)
	}
	if len(cls.Damaged)+len(cls.Unknown)+len(cls.Unrecovered)+len(cls.ExceptionallyLeft) != 0 {
		t.Fatalf("unexpected classification: %+v", cls)
	}
	if _, errs := c.Clean(nil); len(errs) != 0 {
		t.Fatalf("Clean on missing folder: %v", errs)
	}
}
