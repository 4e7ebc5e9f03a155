// Package publish glues finished recordings to the upload pipeline: it
// builds publish metadata from the room's last on-air snapshot, runs the
// upload task, journals failures for replay, and watches published videos
// until the platform opens them.
package publish

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/koyukia/live-tender/biliapi"
	"github.com/koyukia/live-tender/db"
	"github.com/koyukia/live-tender/live"
	"github.com/koyukia/live-tender/upload"
)

const defaultTid = 27 // "Anime / comprehensive", the catch-all category

// Alerter receives publish failures that need operator attention.
type Alerter interface {
	Alert(ctx context.Context, msg string, err error)
}

// LogAlerter reports through the structured log.
type LogAlerter struct{}

func (LogAlerter) Alert(ctx context.Context, msg string, err error) {
	slog.Error("ALERT: "+msg, slog.Any("err", err))
}

// uploadVideo runs one upload task end to end. Indirection for tests.
var uploadVideo = func(ctx context.Context, c *upload.Client, params upload.VideoParams) (upload.Result, int64, error) {
	t := c.CreateTask(params)
	res, err := t.Upload(ctx)
	return res, t.ID(), err
}

// Publisher wires recorders to the uploader.
type Publisher struct {
	API     *biliapi.Client
	Uploads *upload.Client
	Store   *live.RecoveryStore
	DB      *sql.DB // optional catalog mirror
	Alerter Alerter

	Tid             int
	VideoInterval   time.Duration // video-open poll interval, default 5m
	VideoMaxChecks  int           // default 288 (one day at 5m)
	DeleteAfterOpen bool
}

func (p *Publisher) alerter() Alerter {
	if p.Alerter != nil {
		return p.Alerter
	}
	return LogAlerter{}
}

func (p *Publisher) tid() int {
	if p.Tid > 0 {
		return p.Tid
	}
	return defaultTid
}

// Attach subscribes to a room's recorder so every finished session is
// published. Returns the unsubscribe func.
func (p *Publisher) Attach(ctx context.Context, a *live.AutoRecorder) func() {
	return a.Recorder.Subscribe(live.RecorderHandlers{
		RecAllEnd: func(hash, finalPath string) {
			room, ok := a.Monitor.LastOnAir()
			if !ok {
				// Restored session finalized before the room was ever seen
				// on air this process lifetime.
				room = biliapi.RoomSnapshot{RoomID: a.RoomID}
			}
			go p.PublishRecording(ctx, room, hash, finalPath)
		},
	})
}

// PublishRecording uploads one finished artifact. On failure a recovery
// record is journaled so the replay tool (or an operator) can retry; on
// success the published video is watched until the platform opens it.
func (p *Publisher) PublishRecording(ctx context.Context, room biliapi.RoomSnapshot, hash, path string) {
	log := slog.Default().With(
		slog.String("component", "publisher"),
		slog.Int64("room_id", room.RoomID),
		slog.String("hash", hash))

	params, err := p.buildParams(ctx, room, path)
	if err != nil {
		log.Warn("publish metadata degraded", slog.Any("err", err))
	}

	res, taskID, err := uploadVideo(ctx, p.Uploads, params)
	if err != nil {
		log.Error("upload task failed", slog.Any("err", err))
		p.journalFailure(room.RoomID, hash, path, params, err)
		p.alerter().Alert(ctx, fmt.Sprintf("publish failed for room %d, artifact kept at %s", room.RoomID, path), err)
		if p.DB != nil {
			if derr := db.RecordUploadTask(ctx, p.DB, hash, path, params.Title, "error", "", 0, err.Error()); derr != nil {
				log.Warn("failed to record upload task", slog.Any("err", derr))
			}
		}
		return
	}

	log.Info("recording published",
		slog.Int64("task_id", taskID),
		slog.String("bvid", res.Bvid),
		slog.Int64("aid", res.Aid))
	if p.DB != nil {
		if derr := db.RecordUploadTask(ctx, p.DB, hash, path, params.Title, "published", res.Bvid, res.Aid, ""); derr != nil {
			log.Warn("failed to record upload task", slog.Any("err", derr))
		}
	}

	p.watchVideo(ctx, log, res.Bvid, path)
}

// buildParams assembles the video metadata from the last on-air snapshot and
// the streamer's user card. Metadata lookups degrade to placeholders rather
// than blocking the publish.
func (p *Publisher) buildParams(ctx context.Context, room biliapi.RoomSnapshot, path string) (upload.VideoParams, error) {
	title := room.Title
	if title == "" {
		title = fmt.Sprintf("live room %d", room.RoomID)
	}
	streamer := ""
	var lookupErr error
	if room.UID != 0 {
		card, err := p.API.GetUserCard(ctx, room.UID)
		if err != nil {
			lookupErr = fmt.Errorf("user card: %w", err)
		} else {
			streamer = card.Name
		}
	}
	date := time.Now().Format("2006-01-02")
	full := fmt.Sprintf("[%s] %s", date, title)
	if streamer != "" {
		full = fmt.Sprintf("[%s] %s - %s", date, streamer, title)
	}

	cover := ""
	if room.UserCover != "" {
		c, err := p.API.FetchImageBase64(ctx, room.UserCover)
		if err != nil {
			if lookupErr == nil {
				lookupErr = fmt.Errorf("cover fetch: %w", err)
			}
		} else {
			cover = c
		}
	}

	desc := fmt.Sprintf("Automatic live recording of room %d, captured %s.", room.RoomID, date)
	if room.Description != "" {
		desc += "\n\n" + room.Description
	}
	tag := "录播"
	if streamer != "" {
		tag = streamer + "," + tag
	}

	return upload.VideoParams{
		FilePath:    path,
		CoverBase64: cover,
		Title:       full,
		Description: desc,
		Tag:         tag,
		Tid:         p.tid(),
	}, lookupErr
}

// journalFailure writes an upload-failure recovery record. The cleaner
// treats the artifact as unrecovered while this record exists.
func (p *Publisher) journalFailure(roomID int64, hash, path string, params upload.VideoParams, cause error) {
	if p.Store == nil {
		return
	}
	raw, err := json.Marshal(params)
	if err != nil {
		raw = nil
	}
	rec := live.RecoveryRecord{
		Type:          live.RecordTypeUploadFailure,
		Timestamp:     time.Now().UnixMilli(),
		RoomID:        roomID,
		ArtifactPath:  path,
		PublishParams: raw,
		LastError:     cause.Error(),
		ManualRecovery: map[string]string{
			"artifact": path,
			"how":      "re-run the replay tool, or upload the artifact manually and delete this record",
		},
	}
	if err := p.Store.Save(hash, rec); err != nil {
		slog.Error("failed to journal upload failure",
			slog.String("hash", hash),
			slog.Any("err", err))
	}
}

// ReplayRecovery retries every journaled upload failure whose artifact still
// exists. Successful replays delete the record; failures leave it in place.
// Returns the number of successful replays.
func (p *Publisher) ReplayRecovery(ctx context.Context) (int, error) {
	if p.Store == nil {
		return 0, nil
	}
	records, err := p.Store.List()
	if err != nil {
		return 0, err
	}
	replayed := 0
	for hash, rec := range records {
		if rec.Type != live.RecordTypeUploadFailure {
			continue
		}
		log := slog.Default().With(
			slog.String("component", "publisher"),
			slog.String("hash", hash))
		if _, err := os.Stat(rec.ArtifactPath); err != nil {
			log.Warn("replay skipped, artifact missing",
				slog.String("path", rec.ArtifactPath))
			continue
		}
		var params upload.VideoParams
		if err := json.Unmarshal(rec.PublishParams, &params); err != nil {
			log.Warn("replay skipped, undecodable publish params", slog.Any("err", err))
			continue
		}
		params.FilePath = rec.ArtifactPath

		res, taskID, err := uploadVideo(ctx, p.Uploads, params)
		if err != nil {
			log.Error("replay failed", slog.Any("err", err))
			continue
		}
		log.Info("replay published",
			slog.Int64("task_id", taskID),
			slog.String("bvid", res.Bvid))
		if err := p.Store.Delete(hash); err != nil {
			log.Warn("failed to delete replayed record", slog.Any("err", err))
		}
		replayed++
		p.watchVideo(ctx, log, res.Bvid, rec.ArtifactPath)
	}
	return replayed, nil
}

func (p *Publisher) watchVideo(ctx context.Context, log *slog.Logger, bvid, path string) {
	vm := &VideoMonitor{
		API:       p.API,
		Interval:  p.VideoInterval,
		MaxChecks: p.VideoMaxChecks,
	}
	go func() {
		if err := vm.WaitOpen(ctx, bvid); err != nil {
			log.Warn("video never opened, keeping local artifact",
				slog.String("bvid", bvid),
				slog.Any("err", err))
			return
		}
		log.Info("video is open", slog.String("bvid", bvid))
		if !p.DeleteAfterOpen {
			return
		}
		if err := os.Remove(path); err != nil {
			log.Warn("failed to remove published artifact",
				slog.String("path", path),
				slog.Any("err", err))
			return
		}
		log.Info("published artifact removed", slog.String("path", path))
	}()
}
