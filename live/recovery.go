package live

import (
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Recovery record types.
const (
	RecordTypeSession       = "live-recorder"
	RecordTypeUploadFailure = "uploader-err-recovery"
)

// SessionHash derives the stable identity of a capture session from the room
// id and the platform-reported broadcast start time. Every process restart
// during the same broadcast computes the same hash, which is what makes
// crash recovery idempotent.
func SessionHash(roomID int64, liveStart time.Time) string {
	sum := md5.Sum([]byte(fmt.Sprintf("%d_%d", roomID, liveStart.UnixMilli())))
	return hex.EncodeToString(sum[:])
}

// RecoveryRecord is the on-disk journal entry for a session. Session records
// track the open segment list; upload-failure records carry everything needed
// to replay a publish by hand or via the replay tool.
type RecoveryRecord struct {
	Type           string            `json:"type"`
	Timestamp      int64             `json:"timestamp"`
	RoomID         int64             `json:"room_id"`
	StartTime      time.Time         `json:"start_time,omitzero"`
	SegmentFiles   []string          `json:"segment_files,omitempty"`
	ArtifactPath   string            `json:"artifact_path,omitempty"`
	PublishParams  json.RawMessage   `json:"publish_params,omitempty"`
	LastError      string            `json:"last_error,omitempty"`
	ManualRecovery map[string]string `json:"manual_recovery,omitempty"`
}

// RecoveryStore persists recovery records as JSON files under
// <folder>/recovery/<hash>.json. The store is the authoritative session
// journal; the database catalog only mirrors it for observability.
type RecoveryStore struct {
	Folder string
}

func (s *RecoveryStore) Dir() string {
	return filepath.Join(s.Folder, recoverySubdir)
}

func (s *RecoveryStore) Path(hash string) string {
	return filepath.Join(s.Dir(), hash+".json")
}

// Save writes the record for hash, creating the recovery dir on first use.
func (s *RecoveryStore) Save(hash string, rec RecoveryRecord) error {
	if err := os.MkdirAll(s.Dir(), 0o755); err != nil {
		return fmt.Errorf("create recovery dir: %w", err)
	}
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.Path(hash), data, 0o644); err != nil {
		return fmt.Errorf("write recovery record: %w", err)
	}
	return nil
}

// Load reads the record for hash. The second return is false when no record
// exists.
func (s *RecoveryStore) Load(hash string) (RecoveryRecord, bool, error) {
	data, err := os.ReadFile(s.Path(hash))
	if err != nil {
		if os.IsNotExist(err) {
			return RecoveryRecord{}, false, nil
		}
		return RecoveryRecord{}, false, err
	}
	var rec RecoveryRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return RecoveryRecord{}, false, fmt.Errorf("decode recovery record: %w", err)
	}
	return rec, true, nil
}

// Delete removes the record for hash. Missing records are not an error.
func (s *RecoveryStore) Delete(hash string) error {
	if err := os.Remove(s.Path(hash)); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// List returns every stored record keyed by hash. Undecodable files are
// skipped rather than failing the whole listing.
func (s *RecoveryStore) List() (map[string]RecoveryRecord, error) {
	entries, err := os.ReadDir(s.Dir())
	if err != nil {
		if os.IsNotExist(err) {
			return map[string]RecoveryRecord{}, nil
		}
		return nil, err
	}
	out := make(map[string]RecoveryRecord, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		hash := strings.TrimSuffix(e.Name(), ".json")
		rec, ok, err := s.Load(hash)
		if err != nil || !ok {
			continue
		}
		out[hash] = rec
	}
	return out, nil
}

// existingFiles filters paths down to those still present on disk. Used when
// restoring a crashed session whose segments may have been cleaned up.
func existingFiles(paths []string) []string {
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if _, err := os.Stat(p); err == nil {
			out = append(out, p)
		}
	}
	return out
}
