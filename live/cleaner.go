package live

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/koyukia/live-tender/db"
	"github.com/koyukia/live-tender/telemetry"
)

// Classification buckets every regular file in the record folder into
// exactly one category. The categories are exhaustive and mutually
// exclusive; a file is never listed twice.
type Classification struct {
	// Unknown: not a capture container at all. Never deleted.
	Unknown []string
	// Damaged: raw capture segments left behind by a crashed or abandoned
	// session. Reclaimable.
	Damaged []string
	// Unrecovered: merge artifacts still referenced by a recovery record.
	// Awaiting manual or replayed publish; never deleted.
	Unrecovered []string
	// ExceptionallyLeft: merge artifacts with no recovery record. The
	// pipeline lost track of them; reclaimable.
	ExceptionallyLeft []string
}

// CleanStats counts reclaimed files per category.
type CleanStats struct {
	Damaged           int
	ExceptionallyLeft int
}

// Cleaner scans the record folder and reclaims disk from files no live
// session will ever use again. The recovery subdirectory is never touched.
type Cleaner struct {
	Folder string
	Store  *RecoveryStore
}

// Scan classifies every regular file directly under the record folder.
func (c *Cleaner) Scan() (Classification, error) {
	var cls Classification
	entries, err := os.ReadDir(c.Folder)
	if err != nil {
		if os.IsNotExist(err) {
			return cls, nil
		}
		return cls, err
	}

	referenced := c.referencedArtifacts()
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		path := filepath.Join(c.Folder, e.Name())
		switch {
		case !strings.HasSuffix(e.Name(), recordExt):
			cls.Unknown = append(cls.Unknown, path)
		case !isMergedName(e.Name()):
			cls.Damaged = append(cls.Damaged, path)
		case referenced[e.Name()]:
			cls.Unrecovered = append(cls.Unrecovered, path)
		default:
			cls.ExceptionallyLeft = append(cls.ExceptionallyLeft, path)
		}
	}
	return cls, nil
}

// referencedArtifacts is the set of artifact base names any recovery record
// still points at.
func (c *Cleaner) referencedArtifacts() map[string]bool {
	out := make(map[string]bool)
	if c.Store == nil {
		return out
	}
	records, err := c.Store.List()
	if err != nil {
		slog.Warn("failed to list recovery records", slog.Any("err", err))
		return out
	}
	for _, rec := range records {
		if rec.ArtifactPath != "" {
			out[filepath.Base(rec.ArtifactPath)] = true
		}
	}
	return out
}

// Clean deletes damaged and exceptionally-left files, skipping any whose
// base name appears in excluded (the active session's open segments).
// Deletion errors are collected per file and do not abort the sweep.
func (c *Cleaner) Clean(excluded []string) (CleanStats, []error) {
	var stats CleanStats
	var errs []error

	cls, err := c.Scan()
	if err != nil {
		return stats, []error{err}
	}

	skip := make(map[string]bool, len(excluded))
	for _, p := range excluded {
		skip[filepath.Base(p)] = true
	}

	remove := func(paths []string, counter *int) {
		for _, p := range paths {
			if skip[filepath.Base(p)] {
				continue
			}
			if err := os.Remove(p); err != nil {
				errs = append(errs, err)
				continue
			}
			*counter++
			telemetry.Inc(telemetry.FilesCleaned)
		}
	}
	remove(cls.Damaged, &stats.Damaged)
	remove(cls.ExceptionallyLeft, &stats.ExceptionallyLeft)

	if stats.Damaged+stats.ExceptionallyLeft > 0 {
		slog.Info("record folder cleaned",
			slog.String("folder", c.Folder),
			slog.Int("damaged", stats.Damaged),
			slog.Int("exceptionally_left", stats.ExceptionallyLeft),
			slog.Int("errors", len(errs)))
	}
	return stats, errs
}

// StartCleanupJob sweeps the record folder on a fixed interval, excluding
// the segments active returns. The first sweep runs immediately.
func StartCleanupJob(ctx context.Context, dbx *sql.DB, c *Cleaner, interval time.Duration, active func() []string) {
	if interval <= 0 {
		interval = time.Hour
	}
	run := func() {
		var excluded []string
		if active != nil {
			excluded = active()
		}
		if _, errs := c.Clean(excluded); len(errs) > 0 {
			for _, err := range errs {
				slog.Warn("cleanup error", slog.Any("err", err))
			}
		}
		if dbx != nil {
			db.TouchJobHeartbeat(ctx, dbx, "cleanup")
		}
	}
	run()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			run()
		}
	}
}
