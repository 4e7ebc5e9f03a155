package biliapi

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/grafov/m3u8"
	flv "github.com/yutopp/go-flv"
)

// probeTimeout bounds a single availability check; a stalled edge node should
// not hold up stream selection.
const probeTimeout = 10 * time.Second

// ProbeStream checks that a candidate ingest URL currently yields a readable
// live stream. HLS playlists must decode and contain at least one segment;
// anything else must start with a valid FLV header.
func (c *Client) ProbeStream(ctx context.Context, streamURL string) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, streamURL, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Referer", "https://live.bilibili.com/")
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Debug("failed to close probe body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("stream probe: unexpected status %d", resp.StatusCode)
	}

	if isHLS(streamURL, resp.Header.Get("Content-Type")) {
		playlist, listType, err := m3u8.DecodeFrom(resp.Body, true)
		if err != nil {
			return fmt.Errorf("stream probe: decode playlist: %w", err)
		}
		switch listType {
		case m3u8.MEDIA:
			media := playlist.(*m3u8.MediaPlaylist)
			if media.Count() == 0 {
				return fmt.Errorf("stream probe: empty media playlist")
			}
		case m3u8.MASTER:
			master := playlist.(*m3u8.MasterPlaylist)
			if len(master.Variants) == 0 {
				return fmt.Errorf("stream probe: empty master playlist")
			}
		}
		return nil
	}

	// FLV: NewDecoder reads and validates the file header signature.
	if _, err := flv.NewDecoder(resp.Body); err != nil {
		return fmt.Errorf("stream probe: not a live FLV stream: %w", err)
	}
	return nil
}

func isHLS(streamURL, contentType string) bool {
	if strings.Contains(contentType, "mpegurl") {
		return true
	}
	u := streamURL
	if i := strings.IndexByte(u, '?'); i >= 0 {
		u = u[:i]
	}
	return strings.HasSuffix(u, ".m3u8")
}

// FirstAvailableStream probes candidates in order and returns the first one
// that passes; resolution failure of every candidate is an error.
func (c *Client) FirstAvailableStream(ctx context.Context, urls []string) (string, error) {
	var lastErr error
	for _, u := range urls {
		if err := c.ProbeStream(ctx, u); err != nil {
			lastErr = err
			slog.Debug("stream candidate rejected", slog.String("url", u), slog.Any("err", err))
			continue
		}
		return u, nil
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no stream candidates")
	}
	return "", fmt.Errorf("no available live stream: %w", lastErr)
}

// ResolveStream resolves a room id to a verified ingest URL in one step.
func (c *Client) ResolveStream(ctx context.Context, roomID int64) (string, error) {
	urls, err := c.LiveStreamURLs(ctx, roomID)
	if err != nil {
		return "", err
	}
	return c.FirstAvailableStream(ctx, urls)
}
