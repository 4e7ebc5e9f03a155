package publish

import (
	"context"
	"fmt"
	"time"

	"github.com/koyukia/live-tender/biliapi"
)

// VideoMonitor polls a published video until the platform finishes review
// and the video becomes publicly visible.
type VideoMonitor struct {
	API       *biliapi.Client
	Interval  time.Duration // default 5m
	MaxChecks int           // default 288
}

func (m *VideoMonitor) interval() time.Duration {
	if m.Interval > 0 {
		return m.Interval
	}
	return 5 * time.Minute
}

func (m *VideoMonitor) maxChecks() int {
	if m.MaxChecks > 0 {
		return m.MaxChecks
	}
	return 288
}

// WaitOpen blocks until the video is open, the check budget runs out, or the
// context is cancelled. A view fetch error counts as a check, not a failure:
// videos under review return error codes until they open.
func (m *VideoMonitor) WaitOpen(ctx context.Context, bvid string) error {
	ticker := time.NewTicker(m.interval())
	defer ticker.Stop()
	for i := 0; i < m.maxChecks(); i++ {
		view, err := m.API.GetVideoView(ctx, bvid)
		if err == nil && view.Code == 0 && view.State >= 0 {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return fmt.Errorf("video %s not open after %d checks", bvid, m.maxChecks())
}
