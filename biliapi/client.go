// Package biliapi contains minimal helpers to interact with the bilibili live
// and web APIs: room metadata, stream URL resolution, user cards, and video
// state. The session cookie is opaque and supplied by the caller.
package biliapi

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// Live status codes reported by the room info endpoint.
const (
	LiveStatusOff       = 0
	LiveStatusLive      = 1
	LiveStatusSlideshow = 2
)

// RoomSnapshot is one poll result for a live room. Immutable once fetched;
// superseded by the next poll.
type RoomSnapshot struct {
	RoomID      int64  `json:"room_id"`
	UID         int64  `json:"uid"`
	LiveStatus  int    `json:"live_status"`
	LiveTime    string `json:"live_time"`
	Title       string `json:"title"`
	Description string `json:"description"`
	UserCover   string `json:"user_cover"`
	Online      int64  `json:"online"`
}

// LiveStartTime parses the room's live_time field ("2006-01-02 15:04:05",
// platform-local clock). Zero time when the room is offline.
func (s RoomSnapshot) LiveStartTime() time.Time {
	if s.LiveTime == "" || s.LiveTime == "0000-00-00 00:00:00" {
		return time.Time{}
	}
	t, err := time.Parse("2006-01-02 15:04:05", s.LiveTime)
	if err != nil {
		return time.Time{}
	}
	return t
}

// UserCard is the subset of the user card endpoint we need for publish titles.
type UserCard struct {
	Name string `json:"name"`
	Face string `json:"face"`
}

// VideoView reports the state of a published video.
type VideoView struct {
	Code  int    // 0 = open, -404/62002/62004/62012 = not (yet) visible
	Bvid  string
	Title string
	State int
}

// Client provides the API methods. Zero value works against production hosts;
// tests override the base URLs and HTTP client.
type Client struct {
	HTTPClient *http.Client
	Cookie     string
	LiveBase   string // default https://api.live.bilibili.com
	APIBase    string // default https://api.bilibili.com
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) liveBase() string {
	if c.LiveBase != "" {
		return c.LiveBase
	}
	return "https://api.live.bilibili.com"
}

func (c *Client) apiBase() string {
	if c.APIBase != "" {
		return c.APIBase
	}
	return "https://api.bilibili.com"
}

func (c *Client) getJSON(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Referer", "https://live.bilibili.com/")
	if c.Cookie != "" {
		req.Header.Set("Cookie", c.Cookie)
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// LiveRoomInfo fetches the current room snapshot.
func (c *Client) LiveRoomInfo(ctx context.Context, roomID int64) (RoomSnapshot, error) {
	var body struct {
		Code    int          `json:"code"`
		Message string       `json:"message"`
		Data    RoomSnapshot `json:"data"`
	}
	url := fmt.Sprintf("%s/room/v1/Room/get_info?room_id=%d", c.liveBase(), roomID)
	if err := c.getJSON(ctx, url, &body); err != nil {
		return RoomSnapshot{}, err
	}
	if body.Code != 0 {
		return RoomSnapshot{}, fmt.Errorf("room info: code %d: %s", body.Code, body.Message)
	}
	return body.Data, nil
}

// LiveStreamURLs resolves the candidate stream URLs for an on-air room.
func (c *Client) LiveStreamURLs(ctx context.Context, roomID int64) ([]string, error) {
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Durl []struct {
				URL string `json:"url"`
			} `json:"durl"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/room/v1/Room/playUrl?cid=%d&qn=0&platform=web", c.liveBase(), roomID)
	if err := c.getJSON(ctx, url, &body); err != nil {
		return nil, err
	}
	if body.Code != 0 || len(body.Data.Durl) == 0 {
		return nil, fmt.Errorf("play url: code %d: %s", body.Code, body.Message)
	}
	urls := make([]string, 0, len(body.Data.Durl))
	for _, d := range body.Data.Durl {
		urls = append(urls, d.URL)
	}
	return urls, nil
}

// GetUserCard resolves a uid to its display name for publish metadata.
func (c *Client) GetUserCard(ctx context.Context, mid int64) (UserCard, error) {
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			Card UserCard `json:"card"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/x/web-interface/card?mid=%d", c.apiBase(), mid)
	if err := c.getJSON(ctx, url, &body); err != nil {
		return UserCard{}, err
	}
	if body.Code != 0 {
		return UserCard{}, fmt.Errorf("user card: code %d: %s", body.Code, body.Message)
	}
	return body.Data.Card, nil
}

// GetVideoView fetches the state of a published video by bvid. A non-zero code
// is returned in VideoView.Code, not as an error: the caller polls until the
// platform opens the video.
func (c *Client) GetVideoView(ctx context.Context, bvid string) (VideoView, error) {
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    *struct {
			Bvid  string `json:"bvid"`
			Title string `json:"title"`
			State int    `json:"state"`
		} `json:"data"`
	}
	url := fmt.Sprintf("%s/x/web-interface/wbi/view?bvid=%s", c.apiBase(), bvid)
	if err := c.getJSON(ctx, url, &body); err != nil {
		return VideoView{}, err
	}
	view := VideoView{Code: body.Code}
	if body.Data != nil {
		view.Bvid = body.Data.Bvid
		view.Title = body.Data.Title
		view.State = body.Data.State
	}
	return view, nil
}

// FetchImageBase64 downloads an image (room cover) and returns it base64-encoded
// for the cover upload phase.
func (c *Client) FetchImageBase64(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := resp.Body.Close(); err != nil {
			slog.Warn("failed to close response body", slog.Any("err", err))
		}
	}()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("cover fetch: unexpected status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return "", err
	}
	mime := resp.Header.Get("Content-Type")
	if mime == "" {
		mime = "image/jpeg"
	}
	return "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(data), nil
}
