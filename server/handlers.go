package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/koyukia/live-tender/live"
	"github.com/koyukia/live-tender/upload"
)

// Handlers carries the dependencies the HTTP endpoints need.
type Handlers struct {
	ctx     context.Context
	db      *sql.DB
	manager *live.Manager
	uploads *upload.Client
	started time.Time
}

func NewHandlers(ctx context.Context, db *sql.DB, manager *live.Manager, uploads *upload.Client) *Handlers {
	return &Handlers{
		ctx:     ctx,
		db:      db,
		manager: manager,
		uploads: uploads,
		started: time.Now(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// HandleHealthz responds to liveness probe requests.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz responds to readiness probe requests with per-dependency checks.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	checks := []struct {
		name string
		fn   func() error
	}{
		{"database", func() error {
			if h.db == nil {
				return nil
			}
			return h.db.PingContext(r.Context())
		}},
	}
	for _, check := range checks {
		if err := check.fn(); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"status":       "not_ready",
				"failed_check": check.name,
				"error":        err.Error(),
			})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type roomState struct {
	RoomID   int64    `json:"room_id"`
	Status   string   `json:"status"`
	Hash     string   `json:"hash,omitempty"`
	Segments []string `json:"segments,omitempty"`
}

func (h *Handlers) roomStates() []roomState {
	ids := h.manager.Rooms()
	out := make([]roomState, 0, len(ids))
	for _, id := range ids {
		a, ok := h.manager.Get(id)
		if !ok {
			continue
		}
		hash, segs := a.Recorder.Session()
		out = append(out, roomState{
			RoomID:   id,
			Status:   a.Recorder.Status().String(),
			Hash:     hash,
			Segments: segs,
		})
	}
	return out
}

// HandleStatus reports process uptime and per-room capture state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(h.started).Seconds()),
		"rooms":          h.roomStates(),
	})
}

// HandleRoomsList lists every managed room and its capture state.
func (h *Handlers) HandleRoomsList(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.roomStates())
}

// HandleRoomsDispatcher routes /rooms/{id}/record and /rooms/{id}/stop.
func (h *Handlers) HandleRoomsDispatcher(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/rooms/"), "/"), "/")
	if len(parts) != 2 {
		http.NotFound(w, r)
		return
	}
	roomID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil {
		http.Error(w, "invalid room id", http.StatusBadRequest)
		return
	}
	a, ok := h.manager.Get(roomID)
	if !ok {
		http.Error(w, "room not managed", http.StatusNotFound)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	switch parts[1] {
	case "record":
		go a.Recorder.Rec(h.ctx)
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "record requested"})
	case "stop":
		a.Recorder.Stop()
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
	default:
		http.NotFound(w, r)
	}
}

// HandleTasksList reports every upload task's phase log.
func (h *Handlers) HandleTasksList(w http.ResponseWriter, r *http.Request) {
	type taskState struct {
		ID       int64    `json:"id"`
		Progress []string `json:"progress"`
	}
	tasks := h.uploads.Tasks()
	out := make([]taskState, 0, len(tasks))
	for _, t := range tasks {
		out = append(out, taskState{ID: t.ID(), Progress: t.Progress()})
	}
	writeJSON(w, http.StatusOK, out)
}
