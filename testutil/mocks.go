// Package testutil provides shared test helpers: a Postgres test fixture and
// mock platform API servers.
package testutil

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
)

// MockBiliServer creates a test server that mocks the live/web API responses
type MockBiliServer struct {
	*httptest.Server
	Handlers map[string]http.HandlerFunc
}

// NewMockBiliServer creates a new mock platform API server
func NewMockBiliServer(t *testing.T) *MockBiliServer {
	t.Helper()
	m := &MockBiliServer{
		Handlers: make(map[string]http.HandlerFunc),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.URL.Path
		if handler, ok := m.Handlers[key]; ok {
			handler(w, r)
			return
		}
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(m.Close)
	return m
}

func (m *MockBiliServer) respondJSON(path string, body any) {
	m.Handlers[path] = func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
	}
}

// MockRoomInfo adds a handler for the room info endpoint
func (m *MockBiliServer) MockRoomInfo(roomID, uid int64, liveStatus int, liveTime, title string) {
	m.respondJSON("/room/v1/Room/get_info", map[string]any{
		"code": 0,
		"data": map[string]any{
			"room_id":     roomID,
			"uid":         uid,
			"live_status": liveStatus,
			"live_time":   liveTime,
			"title":       title,
		},
	})
}

// MockRoomInfoError adds a failing handler for the room info endpoint
func (m *MockBiliServer) MockRoomInfoError(code int, message string) {
	m.respondJSON("/room/v1/Room/get_info", map[string]any{
		"code":    code,
		"message": message,
	})
}

// MockPlayURL adds a handler for the stream URL endpoint
func (m *MockBiliServer) MockPlayURL(urls ...string) {
	durl := make([]map[string]string, 0, len(urls))
	for _, u := range urls {
		durl = append(durl, map[string]string{"url": u})
	}
	m.respondJSON("/room/v1/Room/playUrl", map[string]any{
		"code": 0,
		"data": map[string]any{"durl": durl},
	})
}

// MockUserCard adds a handler for the user card endpoint
func (m *MockBiliServer) MockUserCard(name string) {
	m.respondJSON("/x/web-interface/card", map[string]any{
		"code": 0,
		"data": map[string]any{
			"card": map[string]string{"name": name},
		},
	})
}

// MockVideoView adds a handler for the video view endpoint
func (m *MockBiliServer) MockVideoView(code int, bvid string, state int) {
	m.respondJSON("/x/web-interface/wbi/view", map[string]any{
		"code": code,
		"data": map[string]any{"bvid": bvid, "state": state},
	})
}

// MockUploadServer mocks the member API and the upos storage endpoints for
// upload tests: preupload negotiation, multipart open, chunk PUTs,
// completion, cover, and publish.
type MockUploadServer struct {
	*httptest.Server
	UploadID string
	Bvid     string
	Aid      int64

	// FailChunksOnce makes the listed part numbers fail their first PUT.
	FailChunksOnce map[int]bool
	// FailChunksAlways makes the listed part numbers fail every PUT.
	FailChunksAlways map[int]bool

	mu         sync.Mutex
	ChunkPuts  []string // raw query strings of every chunk PUT
	Completed  bool
	Published  bool
	CoverTaken bool

	failed map[int]bool
}

// Chunks returns a snapshot of the recorded chunk PUT query strings.
func (m *MockUploadServer) Chunks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.ChunkPuts...)
}

// NewMockUploadServer creates a mock upload backend. The preupload response
// points back at the same server so every phase hits it.
func NewMockUploadServer(t *testing.T) *MockUploadServer {
	t.Helper()
	m := &MockUploadServer{
		UploadID:         "mock-upload-id",
		Bvid:             "BV1mock",
		Aid:              11111,
		FailChunksOnce:   make(map[int]bool),
		FailChunksAlways: make(map[int]bool),
		failed:           make(map[int]bool),
	}
	m.Server = httptest.NewServer(http.HandlerFunc(m.dispatch))
	t.Cleanup(m.Close)
	return m
}

func (m *MockUploadServer) dispatch(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	switch {
	case r.URL.Path == "/preupload":
		writeJSON(w, map[string]any{
			"OK":       1,
			"upos_uri": "upos://ugcfx/mock.flv",
			"endpoint": m.Server.URL,
			"auth":     "mock-auth",
			"biz_id":   42,
		})
	case r.URL.Path == "/ugcfx/mock.flv" && r.Method == http.MethodPost && q.Has("uploads"):
		writeJSON(w, map[string]any{"OK": 1, "upload_id": m.UploadID})
	case r.URL.Path == "/ugcfx/mock.flv" && r.Method == http.MethodPut:
		part := 0
		fmt.Sscanf(q.Get("partNumber"), "%d", &part)
		m.mu.Lock()
		if m.FailChunksAlways[part] || (m.FailChunksOnce[part] && !m.failed[part]) {
			m.failed[part] = true
			m.mu.Unlock()
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		m.ChunkPuts = append(m.ChunkPuts, r.URL.RawQuery)
		m.mu.Unlock()
		w.WriteHeader(http.StatusOK)
	case r.URL.Path == "/ugcfx/mock.flv" && r.Method == http.MethodPost:
		m.mu.Lock()
		m.Completed = true
		m.mu.Unlock()
		writeJSON(w, map[string]any{"OK": 1})
	case r.URL.Path == "/x/vu/web/cover/up":
		m.CoverTaken = true
		writeJSON(w, map[string]any{
			"code": 0,
			"data": map[string]string{"url": "https://archive.example/cover.jpg"},
		})
	case r.URL.Path == "/x/vu/web/add/v3":
		m.Published = true
		writeJSON(w, map[string]any{
			"code": 0,
			"data": map[string]any{"aid": m.Aid, "bvid": m.Bvid},
		})
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(body) //nolint:errcheck // test mock response
}
