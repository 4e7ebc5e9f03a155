// Package upload implements the resumable chunked video upload and publish
// protocol against the member API: preupload negotiation, multipart open,
// bounded-concurrency chunk transfer with one retry pass, completion, cover
// upload, and the final publish call.
package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/koyukia/live-tender/telemetry"
)

const (
	defaultMemberBase  = "https://member.bilibili.com"
	defaultChunkSize   = 5 * 1024 * 1024
	defaultConcurrency = 3
	uploadProfile      = "ugcfx/bup"
	uploadVersion      = "2.14.0.0"
)

// VideoParams describes one video to upload and publish.
type VideoParams struct {
	FilePath    string `json:"file_path"`
	CoverBase64 string `json:"cover_base64,omitempty"`
	Title       string `json:"title"`
	Description string `json:"description"`
	Tag         string `json:"tag"`
	Tid         int    `json:"tid"`
}

// Result identifies the published video.
type Result struct {
	Aid  int64  `json:"aid"`
	Bvid string `json:"bvid"`
}

// GetCSRF extracts the bili_jct value from a raw cookie string. The publish
// endpoints reject requests whose csrf token does not match the cookie.
func GetCSRF(cookie string) string {
	for _, part := range strings.Split(cookie, ";") {
		part = strings.TrimSpace(part)
		if v, ok := strings.CutPrefix(part, "bili_jct="); ok {
			return v
		}
	}
	return ""
}

// ChunkCount is the number of chunks a file of fileSize splits into.
func ChunkCount(fileSize, chunkSize int64) int64 {
	if fileSize <= 0 || chunkSize <= 0 {
		return 0
	}
	return (fileSize + chunkSize - 1) / chunkSize
}

// LastChunkSize is the size of the final chunk.
func LastChunkSize(fileSize, chunkSize int64) int64 {
	n := ChunkCount(fileSize, chunkSize)
	if n == 0 {
		return 0
	}
	return fileSize - (n-1)*chunkSize
}

// Client creates and tracks upload tasks. Task ids are monotonically
// increasing for the lifetime of the process.
type Client struct {
	Cookie      string
	ChunkSize   int64
	Concurrency int
	HTTPClient  *http.Client
	MemberBase  string

	mu     sync.Mutex
	nextID int64
	tasks  map[int64]*Task
}

func New(cookie string) *Client {
	return &Client{
		Cookie:      cookie,
		ChunkSize:   defaultChunkSize,
		Concurrency: defaultConcurrency,
	}
}

func (c *Client) http() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return &http.Client{Timeout: 5 * time.Minute}
}

func (c *Client) memberBase() string {
	if c.MemberBase != "" {
		return c.MemberBase
	}
	return defaultMemberBase
}

func (c *Client) chunkSize() int64 {
	if c.ChunkSize > 0 {
		return c.ChunkSize
	}
	return defaultChunkSize
}

func (c *Client) concurrency() int {
	if c.Concurrency > 0 {
		return c.Concurrency
	}
	return defaultConcurrency
}

// CreateTask registers a new upload task and returns it. The task does not
// start transferring until Upload is called.
func (c *Client) CreateTask(params VideoParams) *Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	t := &Task{id: c.nextID, c: c, params: params}
	if c.tasks == nil {
		c.tasks = make(map[int64]*Task)
	}
	c.tasks[t.id] = t
	return t
}

// Task returns a registered task by id.
func (c *Client) Task(id int64) (*Task, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.tasks[id]
	return t, ok
}

// Tasks returns every registered task; iteration order is not guaranteed.
func (c *Client) Tasks() []*Task {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Task, 0, len(c.tasks))
	for _, t := range c.tasks {
		out = append(out, t)
	}
	return out
}

// Task is one upload-and-publish attempt. Its progress log is append-only:
// each phase appends a pending line and overwrites it in place with success
// or error, so the log reads as a faithful phase history.
type Task struct {
	id     int64
	c      *Client
	params VideoParams

	mu  sync.Mutex
	log []progressEntry
}

type progressEntry struct {
	Label  string `json:"label"`
	Status string `json:"status"` // pending, success, error
}

func (t *Task) ID() int64 { return t.id }

// Progress returns the formatted phase log.
func (t *Task) Progress() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.log))
	for i, e := range t.log {
		out[i] = e.Label + ": " + e.Status
	}
	return out
}

// begin appends a pending entry and returns a setter that overwrites its
// status in place.
func (t *Task) begin(label string) func(status string) {
	t.mu.Lock()
	idx := len(t.log)
	t.log = append(t.log, progressEntry{Label: label, Status: "pending"})
	t.mu.Unlock()
	return func(status string) {
		t.mu.Lock()
		t.log[idx].Status = status
		t.mu.Unlock()
	}
}

func (t *Task) phase(label string, fn func() error) error {
	set := t.begin(label)
	if err := fn(); err != nil {
		set("error")
		return fmt.Errorf("%s: %w", label, err)
	}
	set("success")
	return nil
}

// preuploadInfo is the negotiated upload destination.
type preuploadInfo struct {
	OK       int    `json:"OK"`
	UposURI  string `json:"upos_uri"`
	Endpoint string `json:"endpoint"`
	Auth     string `json:"auth"`
	BizID    int64  `json:"biz_id"`
}

// Upload runs every phase in order. Any phase failure aborts the whole task;
// nothing is rolled back server-side.
func (t *Task) Upload(ctx context.Context) (Result, error) {
	start := time.Now()
	res, err := t.run(ctx)
	if err != nil {
		telemetry.Inc(telemetry.UploadsFailed)
		return Result{}, err
	}
	telemetry.Inc(telemetry.UploadsSucceeded)
	telemetry.Observe(telemetry.UploadDuration, time.Since(start).Seconds())
	return res, nil
}

func (t *Task) run(ctx context.Context) (Result, error) {
	c := t.c
	log := slog.Default().With(
		slog.String("component", "uploader"),
		slog.Int64("task_id", t.id),
		slog.String("file", t.params.FilePath))

	f, err := os.Open(t.params.FilePath)
	if err != nil {
		return Result{}, fmt.Errorf("open video: %w", err)
	}
	defer func() {
		if err := f.Close(); err != nil {
			log.Warn("failed to close video file", slog.Any("err", err))
		}
	}()
	fi, err := f.Stat()
	if err != nil {
		return Result{}, err
	}
	size := fi.Size()
	if size == 0 {
		return Result{}, fmt.Errorf("video file is empty")
	}

	var pre preuploadInfo
	if err := t.phase("preupload", func() error {
		return c.preupload(ctx, filepath.Base(t.params.FilePath), size, &pre)
	}); err != nil {
		return Result{}, err
	}
	uploadURL := buildUploadURL(pre.Endpoint, pre.UposURI)
	remoteName := strings.TrimSuffix(filepath.Base(pre.UposURI), filepath.Ext(pre.UposURI))

	var uploadID string
	if err := t.phase("open multipart upload", func() error {
		return c.openUpload(ctx, uploadURL, pre, size, &uploadID)
	}); err != nil {
		return Result{}, err
	}

	if err := t.transferChunks(ctx, f, size, uploadURL, pre.Auth, uploadID, log); err != nil {
		return Result{}, err
	}

	if err := t.phase("complete multipart upload", func() error {
		return c.completeUpload(ctx, uploadURL, pre, uploadID, filepath.Base(t.params.FilePath))
	}); err != nil {
		return Result{}, err
	}

	coverURL := ""
	if t.params.CoverBase64 != "" {
		if err := t.phase("upload cover", func() error {
			u, err := c.uploadCover(ctx, t.params.CoverBase64)
			coverURL = u
			return err
		}); err != nil {
			return Result{}, err
		}
	}

	var res Result
	if err := t.phase("publish", func() error {
		r, err := c.publish(ctx, remoteName, coverURL, t.params)
		res = r
		return err
	}); err != nil {
		return Result{}, err
	}

	log.Info("upload task finished",
		slog.Int64("aid", res.Aid),
		slog.String("bvid", res.Bvid),
		slog.Int64("size", size))
	return res, nil
}

// transferChunks PUTs every chunk with bounded concurrency, then retries the
// failed set once. Chunks that fail both passes abort the task.
func (t *Task) transferChunks(ctx context.Context, f *os.File, size int64, uploadURL, auth, uploadID string, log *slog.Logger) error {
	c := t.c
	chunkSize := c.chunkSize()
	chunks := ChunkCount(size, chunkSize)

	putChunk := func(ctx context.Context, i int64) error {
		start := i * chunkSize
		length := chunkSize
		if i == chunks-1 {
			length = LastChunkSize(size, chunkSize)
		}
		return c.putChunk(ctx, uploadURL, auth, uploadID, f, chunkParams{
			index: i, chunks: chunks, start: start, length: length, total: size,
		})
	}

	pass := func(ctx context.Context, indexes []int64, label string) []int64 {
		set := t.begin(fmt.Sprintf("%s (%d chunks)", label, len(indexes)))
		var mu sync.Mutex
		var failed []int64
		g, ctx := errgroup.WithContext(ctx)
		g.SetLimit(c.concurrency())
		for _, i := range indexes {
			g.Go(func() error {
				if err := putChunk(ctx, i); err != nil {
					log.Warn("chunk transfer failed",
						slog.Int64("chunk", i+1),
						slog.Int64("chunks", chunks),
						slog.Any("err", err))
					mu.Lock()
					failed = append(failed, i)
					mu.Unlock()
					return nil
				}
				telemetry.Inc(telemetry.ChunksUploaded)
				return nil
			})
		}
		_ = g.Wait()
		if len(failed) == 0 {
			set("success")
		} else {
			set("error")
		}
		return failed
	}

	all := make([]int64, chunks)
	for i := range all {
		all[i] = int64(i)
	}
	failed := pass(ctx, all, "transfer chunks")
	if len(failed) > 0 {
		for range failed {
			telemetry.Inc(telemetry.ChunksRetried)
		}
		failed = pass(ctx, failed, "retry failed chunks")
	}
	if len(failed) > 0 {
		return fmt.Errorf("transfer chunks: %d of %d failed after retry", len(failed), chunks)
	}
	return nil
}

type chunkParams struct {
	index  int64
	chunks int64
	start  int64
	length int64
	total  int64
}

func (c *Client) putChunk(ctx context.Context, uploadURL, auth, uploadID string, f *os.File, p chunkParams) error {
	q := url.Values{}
	q.Set("partNumber", fmt.Sprint(p.index+1))
	q.Set("uploadId", uploadID)
	q.Set("chunk", fmt.Sprint(p.index))
	q.Set("chunks", fmt.Sprint(p.chunks))
	q.Set("size", fmt.Sprint(p.length))
	q.Set("start", fmt.Sprint(p.start))
	q.Set("end", fmt.Sprint(p.start+p.length))
	q.Set("total", fmt.Sprint(p.total))

	body := io.NewSectionReader(f, p.start, p.length)
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, uploadURL+"?"+q.Encode(), body)
	if err != nil {
		return err
	}
	req.ContentLength = p.length
	req.Header.Set("Content-Type", "application/octet-stream")
	req.Header.Set("X-Upos-Auth", auth)

	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("chunk %d: unexpected status %d", p.index+1, resp.StatusCode)
	}
	return nil
}

func (c *Client) preupload(ctx context.Context, name string, size int64, out *preuploadInfo) error {
	q := url.Values{}
	q.Set("name", name)
	q.Set("upcdn", "bldsa")
	q.Set("zone", "cs")
	q.Set("r", "upos")
	q.Set("profile", uploadProfile)
	q.Set("ssl", "0")
	q.Set("size", fmt.Sprint(size))
	q.Set("version", uploadVersion)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		c.memberBase()+"/preupload?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	c.setCommonHeaders(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	if out.OK != 1 {
		return fmt.Errorf("preupload rejected: OK=%d", out.OK)
	}
	return nil
}

func (c *Client) openUpload(ctx context.Context, uploadURL string, pre preuploadInfo, size int64, uploadID *string) error {
	q := url.Values{}
	q.Set("uploads", "")
	q.Set("output", "json")
	q.Set("profile", uploadProfile)
	q.Set("filesize", fmt.Sprint(size))
	q.Set("partsize", fmt.Sprint(c.chunkSize()))
	q.Set("biz_id", fmt.Sprint(pre.BizID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		uploadURL+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Upos-Auth", pre.Auth)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		OK       int    `json:"OK"`
		UploadID string `json:"upload_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if body.OK != 1 || body.UploadID == "" {
		return fmt.Errorf("open rejected: OK=%d", body.OK)
	}
	*uploadID = body.UploadID
	return nil
}

func (c *Client) completeUpload(ctx context.Context, uploadURL string, pre preuploadInfo, uploadID, name string) error {
	q := url.Values{}
	q.Set("output", "json")
	q.Set("name", name)
	q.Set("profile", uploadProfile)
	q.Set("uploadId", uploadID)
	q.Set("biz_id", fmt.Sprint(pre.BizID))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		uploadURL+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	req.Header.Set("X-Upos-Auth", pre.Auth)
	resp, err := c.http().Do(req)
	if err != nil {
		return err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		OK int `json:"OK"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return err
	}
	if body.OK != 1 {
		return fmt.Errorf("complete rejected: OK=%d", body.OK)
	}
	return nil
}

// uploadCover posts the base64 cover image and returns the hosted URL.
func (c *Client) uploadCover(ctx context.Context, coverBase64 string) (string, error) {
	form := url.Values{}
	form.Set("cover", coverBase64)
	form.Set("csrf", GetCSRF(c.Cookie))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.memberBase()+"/x/vu/web/cover/up",
		strings.NewReader(form.Encode()))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.setCommonHeaders(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return "", err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    struct {
			URL string `json:"url"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", err
	}
	if body.Code != 0 {
		return "", fmt.Errorf("cover rejected: code %d: %s", body.Code, body.Message)
	}
	return body.Data.URL, nil
}

// publish submits the video for review. remoteName is the upos object name
// without extension, which is how the platform references the uploaded file.
func (c *Client) publish(ctx context.Context, remoteName, coverURL string, params VideoParams) (Result, error) {
	payload := map[string]any{
		"copyright": 2,
		"source":    "live",
		"cover":     coverURL,
		"title":     params.Title,
		"tid":       params.Tid,
		"tag":       params.Tag,
		"desc":      params.Description,
		"videos": []map[string]any{{
			"filename": remoteName,
			"title":    params.Title,
			"desc":     "",
		}},
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Result{}, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.memberBase()+"/x/vu/web/add/v3?csrf="+url.QueryEscape(GetCSRF(c.Cookie)),
		bytes.NewReader(data))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	c.setCommonHeaders(req)
	resp, err := c.http().Do(req)
	if err != nil {
		return Result{}, err
	}
	defer drainAndClose(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
		Data    Result `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return Result{}, err
	}
	if body.Code != 0 {
		return Result{}, fmt.Errorf("publish rejected: code %d: %s", body.Code, body.Message)
	}
	return body.Data, nil
}

func (c *Client) setCommonHeaders(req *http.Request) {
	req.Header.Set("Referer", "https://member.bilibili.com/")
	if c.Cookie != "" {
		req.Header.Set("Cookie", c.Cookie)
	}
}

// buildUploadURL joins the negotiated endpoint and upos URI into the base
// URL every multipart call targets.
func buildUploadURL(endpoint, uposURI string) string {
	path := strings.TrimPrefix(uposURI, "upos://")
	base := endpoint
	switch {
	case strings.Contains(base, "://"):
	case strings.HasPrefix(base, "//"):
		base = "https:" + base
	default:
		base = "https://" + base
	}
	return strings.TrimSuffix(base, "/") + "/" + path
}

func drainAndClose(body io.ReadCloser) {
	if _, err := io.Copy(io.Discard, io.LimitReader(body, 1<<20)); err != nil {
		slog.Debug("failed to drain response body", slog.Any("err", err))
	}
	if err := body.Close(); err != nil {
		slog.Debug("failed to close response body", slog.Any("err", err))
	}
}
