package publish

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/koyukia/live-tender/biliapi"
	"github.com/koyukia/live-tender/live"
	"github.com/koyukia/live-tender/testutil"
	"github.com/koyukia/live-tender/upload"
)

type capturedUpload struct {
	mu     sync.Mutex
	params []upload.VideoParams
	err    error
}

// swapUploadVideo replaces the upload seam for the duration of a test.
func swapUploadVideo(t *testing.T, c *capturedUpload) {
	t.Helper()
	orig := uploadVideo
	uploadVideo = func(ctx context.Context, _ *upload.Client, params upload.VideoParams) (upload.Result, int64, error) {
		c.mu.Lock()
		c.params = append(c.params, params)
		c.mu.Unlock()
		if c.err != nil {
			return upload.Result{}, 1, c.err
		}
		return upload.Result{Bvid: "BV1mock", Aid: 11111}, 1, nil
	}
	t.Cleanup(func() { uploadVideo = orig })
}

func (c *capturedUpload) calls() []upload.VideoParams {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]upload.VideoParams(nil), c.params...)
}

type recordingAlerter struct {
	mu   sync.Mutex
	msgs []string
}

func (a *recordingAlerter) Alert(_ context.Context, msg string, _ error) {
	a.mu.Lock()
	a.msgs = append(a.msgs, msg)
	a.mu.Unlock()
}

func testPublisher(t *testing.T) (*Publisher, *live.RecoveryStore, *recordingAlerter) {
	t.Helper()
	srv := testutil.NewMockBiliServer(t)
	srv.MockUserCard("streamer-name")
	srv.MockVideoView(0, "BV1mock", 0)

	store := &live.RecoveryStore{Folder: t.TempDir()}
	alerter := &recordingAlerter{}
	p := &Publisher{
		API:            &biliapi.Client{APIBase: srv.URL, LiveBase: srv.URL},
		Store:          store,
		Alerter:        alerter,
		VideoInterval:  time.Millisecond,
		VideoMaxChecks: 2,
	}
	return p, store, alerter
}

func writeArtifact(t *testing.T, dir, name string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("flv-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestPublishRecordingSuccess(t *testing.T) {
	p, store, alerter := testPublisher(t)
	ups := &capturedUpload{}
	swapUploadVideo(t, ups)

	path := writeArtifact(t, t.TempDir(), "out.flv")
	room := biliapi.RoomSnapshot{RoomID: 92613, UID: 777, Title: "a stream"}
	p.PublishRecording(context.Background(), room, "hash1", path)

	calls := ups.calls()
	if len(calls) != 1 {
		t.Fatalf("upload calls = %d", len(calls))
	}
	params := calls[0]
	if params.FilePath != path {
		t.Errorf("FilePath = %q", params.FilePath)
	}
	if !strings.Contains(params.Title, "streamer-name - a stream") {
		t.Errorf("Title = %q", params.Title)
	}
	if !strings.Contains(params.Tag, "录播") || !strings.Contains(params.Tag, "streamer-name") {
		t.Errorf("Tag = %q", params.Tag)
	}
	if params.Tid != defaultTid {
		t.Errorf("Tid = %d", params.Tid)
	}

	// No failure record, no alert.
	if _, ok, _ := store.Load("hash1"); ok {
		t.Error("success journaled a recovery record")
	}
	if len(alerter.msgs) != 0 {
		t.Errorf("alerts = %v", alerter.msgs)
	}
}

func TestPublishRecordingFailureJournals(t *testing.T) {
	p, store, alerter := testPublisher(t)
	ups := &capturedUpload{err: errors.New("preupload: boom")}
	swapUploadVideo(t, ups)

	path := writeArtifact(t, t.TempDir(), "out.flv")
	room := biliapi.RoomSnapshot{RoomID: 92613, Title: "a stream"}
	p.PublishRecording(context.Background(), room, "hash2", path)

	rec, ok, err := store.Load("hash2")
	if err != nil || !ok {
		t.Fatalf("recovery record missing (ok=%v err=%v)", ok, err)
	}
	if rec.Type != live.RecordTypeUploadFailure {
		t.Errorf("record type = %q", rec.Type)
	}
	if rec.ArtifactPath != path {
		t.Errorf("artifact path = %q", rec.ArtifactPath)
	}
	var params upload.VideoParams
	if err := json.Unmarshal(rec.PublishParams, &params); err != nil {
		t.Fatalf("publish params undecodable: %v", err)
	}
	if params.Tid != defaultTid {
		t.Errorf("journaled Tid = %d", params.Tid)
	}
	if len(rec.ManualRecovery) == 0 {
		t.Error("no manual recovery instructions")
	}
	if len(alerter.msgs) != 1 {
		t.Fatalf("alerts = %v", alerter.msgs)
	}
}

func TestBuildParamsDegrades(t *testing.T) {
	p, _, _ := testPublisher(t)

	// No UID means no card lookup, title falls back to the room id.
	params, err := p.buildParams(context.Background(), biliapi.RoomSnapshot{RoomID: 5}, "/tmp/x.flv")
	if err != nil {
		t.Fatalf("buildParams without lookups: %v", err)
	}
	if !strings.Contains(params.Title, "live room 5") {
		t.Errorf("Title = %q", params.Title)
	}
	if params.Tag != "录播" {
		t.Errorf("Tag = %q", params.Tag)
	}

	// Broken cover URL degrades with an error but still returns usable params.
	params, err = p.buildParams(context.Background(), biliapi.RoomSnapshot{
		RoomID:    5,
		Title:     "t",
		UserCover: "http://127.0.0.1:1/cover.jpg",
	}, "/tmp/x.flv")
	if err == nil {
		t.Error("expected degradation error for unreachable cover")
	}
	if params.CoverBase64 != "" {
		t.Errorf("CoverBase64 = %q", params.CoverBase64)
	}
	if params.Title == "" {
		t.Error("degraded params missing title")
	}
}

func TestReplayRecovery(t *testing.T) {
	p, store, _ := testPublisher(t)
	ups := &capturedUpload{}
	swapUploadVideo(t, ups)

	artifactDir := t.TempDir()
	good := writeArtifact(t, artifactDir, "good_merged_x.flv")
	raw, _ := json.Marshal(upload.VideoParams{Title: "replayed", Tag: "录播", Tid: defaultTid})

	if err := store.Save("good", live.RecoveryRecord{
		Type:          live.RecordTypeUploadFailure,
		RoomID:        92613,
		ArtifactPath:  good,
		PublishParams: raw,
	}); err != nil {
		t.Fatal(err)
	}
	// Missing artifact: skipped, record kept.
	if err := store.Save("gone", live.RecoveryRecord{
		Type:          live.RecordTypeUploadFailure,
		RoomID:        92613,
		ArtifactPath:  filepath.Join(artifactDir, "missing.flv"),
		PublishParams: raw,
	}); err != nil {
		t.Fatal(err)
	}
	// Session journals are not replay candidates.
	if err := store.Save("session", live.RecoveryRecord{
		Type:   live.RecordTypeSession,
		RoomID: 92613,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := p.ReplayRecovery(context.Background())
	if err != nil {
		t.Fatalf("ReplayRecovery: %v", err)
	}
	if n != 1 {
		t.Fatalf("replayed = %d", n)
	}
	calls := ups.calls()
	if len(calls) != 1 || calls[0].FilePath != good || calls[0].Title != "replayed" {
		t.Fatalf("upload calls = %+v", calls)
	}

	if _, ok, _ := store.Load("good"); ok {
		t.Error("replayed record not deleted")
	}
	if _, ok, _ := store.Load("gone"); !ok {
		t.Error("missing-artifact record was deleted")
	}
	if _, ok, _ := store.Load("session"); !ok {
		t.Error("session journal was touched")
	}
}

func TestReplayRecoveryKeepsFailedRecord(t *testing.T) {
	p, store, _ := testPublisher(t)
	ups := &capturedUpload{err: errors.New("still broken")}
	swapUploadVideo(t, ups)

	good := writeArtifact(t, t.TempDir(), "good_merged_x.flv")
	raw, _ := json.Marshal(upload.VideoParams{Title: "replayed"})
	if err := store.Save("stuck", live.RecoveryRecord{
		Type:          live.RecordTypeUploadFailure,
		ArtifactPath:  good,
		PublishParams: raw,
	}); err != nil {
		t.Fatal(err)
	}

	n, err := p.ReplayRecovery(context.Background())
	if err != nil || n != 0 {
		t.Fatalf("ReplayRecovery = %d, %v", n, err)
	}
	if _, ok, _ := store.Load("stuck"); !ok {
		t.Error("failed replay deleted its record")
	}
}

func TestVideoMonitorWaitOpen(t *testing.T) {
	srv := testutil.NewMockBiliServer(t)
	srv.MockVideoView(-404, "", 0)

	vm := &VideoMonitor{
		API:       &biliapi.Client{APIBase: srv.URL, LiveBase: srv.URL},
		Interval:  time.Millisecond,
		MaxChecks: 3,
	}
	if err := vm.WaitOpen(context.Background(), "BV1x"); err == nil {
		t.Fatal("under-review video reported open")
	}

	srv.MockVideoView(0, "BV1x", 0)
	if err := vm.WaitOpen(context.Background(), "BV1x"); err != nil {
		t.Fatalf("open video rejected: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	srv.MockVideoView(-404, "", 0)
	if err := vm.WaitOpen(ctx, "BV1x"); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled wait = %v", err)
	}
}
