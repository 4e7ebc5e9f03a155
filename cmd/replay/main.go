// Command replay lists and retries journaled upload failures. Run with
// -list to inspect the journal, or without flags to replay every record
// whose artifact still exists on disk.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/joho/godotenv"

	"github.com/koyukia/live-tender/biliapi"
	"github.com/koyukia/live-tender/config"
	"github.com/koyukia/live-tender/live"
	"github.com/koyukia/live-tender/publish"
	"github.com/koyukia/live-tender/upload"
)

func main() {
	listOnly := flag.Bool("list", false, "list journaled records without replaying")
	flag.Parse()

	_ = godotenv.Load()
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, nil)))

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	store := &live.RecoveryStore{Folder: cfg.RecordFolder}
	records, err := store.List()
	if err != nil {
		slog.Error("failed to list recovery records", slog.Any("err", err))
		os.Exit(1)
	}

	if *listOnly {
		if len(records) == 0 {
			fmt.Println("no recovery records")
			return
		}
		for hash, rec := range records {
			fmt.Printf("%s  type=%s room=%d time=%s artifact=%s last_error=%q\n",
				hash, rec.Type, rec.RoomID,
				time.UnixMilli(rec.Timestamp).Format(time.RFC3339),
				rec.ArtifactPath, rec.LastError)
		}
		return
	}

	if err := cfg.ValidateUploadReady(); err != nil {
		slog.Error("cannot replay", slog.Any("err", err))
		os.Exit(1)
	}

	uploads := upload.New(cfg.Cookie)
	uploads.ChunkSize = cfg.ChunkSize
	uploads.Concurrency = cfg.UploadConcurrency
	publisher := &publish.Publisher{
		API:     &biliapi.Client{Cookie: cfg.Cookie},
		Uploads: uploads,
		Store:   store,
	}

	n, err := publisher.ReplayRecovery(context.Background())
	if err != nil {
		slog.Error("replay failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("replay finished", slog.Int("replayed", n))
}
