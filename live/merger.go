package live

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/koyukia/live-tender/telemetry"
)

// concatCommand runs the external concat over a manifest. Indirection so
// tests can substitute the subprocess.
var concatCommand = func(ctx context.Context, ffmpegPath, listPath, outPath string) error {
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner",
		"-loglevel", "warning",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		"-y", outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("concat: %w: %s", err, tail(out, 512))
	}
	return nil
}

// Merger combines a session's segments into one artifact via the concat
// demuxer in stream-copy mode.
type Merger struct {
	FFmpegPath string
	Folder     string
}

func (m *Merger) bin() string {
	if m.FFmpegPath != "" {
		return m.FFmpegPath
	}
	return "ffmpeg"
}

// CleanNullSegments drops segments that no longer exist and deletes
// zero-length ones, returning the surviving list in order. Idempotent.
func CleanNullSegments(segments []string) []string {
	out := make([]string, 0, len(segments))
	for _, seg := range segments {
		fi, err := os.Stat(seg)
		if err != nil {
			continue
		}
		if fi.Size() == 0 {
			if err := os.Remove(seg); err != nil {
				slog.Warn("failed to remove empty segment",
					slog.String("path", seg),
					slog.Any("err", err))
			}
			continue
		}
		out = append(out, seg)
	}
	return out
}

// Merge produces the session artifact at outPath from segments. A single
// valid segment is renamed instead of remuxed. On success the source
// segments are deleted; on failure they are retained for manual recovery and
// the error is returned without retrying.
func (m *Merger) Merge(ctx context.Context, roomID int64, segments []string, outPath string) (string, error) {
	segs := CleanNullSegments(segments)
	if len(segs) == 0 {
		return "", fmt.Errorf("merge: no valid segments")
	}

	if len(segs) == 1 {
		if err := os.Rename(segs[0], outPath); err != nil {
			return "", fmt.Errorf("merge: rename single segment: %w", err)
		}
		slog.Info("single segment renamed to artifact",
			slog.Int64("room_id", roomID),
			slog.String("path", outPath))
		return outPath, nil
	}

	listPath := manifestPath(m.Folder, roomID, time.Now())
	var b strings.Builder
	for _, seg := range segs {
		fmt.Fprintf(&b, "file '%s'\n", seg)
	}
	if err := os.WriteFile(listPath, []byte(b.String()), 0o644); err != nil {
		return "", fmt.Errorf("merge: write manifest: %w", err)
	}
	defer func() {
		if err := os.Remove(listPath); err != nil {
			slog.Warn("failed to remove concat manifest",
				slog.String("path", listPath),
				slog.Any("err", err))
		}
	}()

	start := time.Now()
	if err := concatCommand(ctx, m.bin(), listPath, outPath); err != nil {
		telemetry.Inc(telemetry.MergesFailed)
		return "", fmt.Errorf("merge %d segments: %w", len(segs), err)
	}
	telemetry.Inc(telemetry.MergesSucceeded)
	telemetry.Observe(telemetry.MergeDuration, time.Since(start).Seconds())

	for _, seg := range segs {
		if err := os.Remove(seg); err != nil {
			slog.Warn("failed to remove merged segment",
				slog.String("path", seg),
				slog.Any("err", err))
		}
	}
	slog.Info("segments merged",
		slog.Int64("room_id", roomID),
		slog.Int("segments", len(segs)),
		slog.String("path", outPath),
		slog.Duration("took", time.Since(start)))
	return outPath, nil
}
