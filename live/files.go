package live

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	recordExt       = ".flv"
	mergedMarker    = "_merged_"
	recoverySubdir  = "recovery"
	manifestPrefix  = "input_list_"
	timestampLayout = "20060102_150405"
)

// segmentPath names a raw capture segment: <room>_<ts>.flv under folder.
// The timestamp has one-second granularity, so a rollover landing in the same
// second gets a numeric suffix instead of truncating the previous segment.
func segmentPath(folder string, roomID int64, t time.Time) string {
	base := fmt.Sprintf("%d_%s", roomID, t.Format(timestampLayout))
	path := filepath.Join(folder, base+recordExt)
	for i := 1; ; i++ {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return path
		}
		path = filepath.Join(folder, fmt.Sprintf("%s_%d%s", base, i, recordExt))
	}
}

// mergedPath names a merge artifact: <room>_merged_<ts>.flv under folder.
func mergedPath(folder string, roomID int64, t time.Time) string {
	name := fmt.Sprintf("%d%s%s%s", roomID, mergedMarker, t.Format(timestampLayout), recordExt)
	return filepath.Join(folder, name)
}

// manifestPath names the concat list consumed by the merge subprocess.
func manifestPath(folder string, roomID int64, t time.Time) string {
	name := fmt.Sprintf("%s%d_%d.txt", manifestPrefix, roomID, t.UnixNano())
	return filepath.Join(folder, name)
}

// isMergedName reports whether a file name belongs to a merge artifact rather
// than a raw capture segment.
func isMergedName(name string) bool {
	return strings.Contains(name, mergedMarker)
}
