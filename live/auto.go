package live

import (
	"context"
	"log/slog"
	"sync"

	"github.com/koyukia/live-tender/biliapi"
	"github.com/koyukia/live-tender/telemetry"
)

// AutoRecorder ties a Monitor to a Recorder for one room: when the room goes
// live, capture starts. The core binding survives ResetListeners, which
// exists so external subscribers can be flushed without breaking automatic
// recording.
type AutoRecorder struct {
	RoomID   int64
	Monitor  *Monitor
	Recorder *Recorder

	autoRecord bool

	mu        sync.Mutex
	coreUnsub func()
	destroyed bool
}

// NewAutoRecorder builds the room orchestrator, starts monitoring, and
// installs the live-start binding when autoRecord is set.
func NewAutoRecorder(ctx context.Context, roomID int64, autoRecord bool, monitor *Monitor, recorder *Recorder) *AutoRecorder {
	a := &AutoRecorder{
		RoomID:     roomID,
		Monitor:    monitor,
		Recorder:   recorder,
		autoRecord: autoRecord,
	}
	a.installCore(ctx)
	monitor.Start(ctx)
	return a
}

// installCore wires the monitor's live-start event into the recorder. This
// binding is re-installed by ResetListeners.
func (a *AutoRecorder) installCore(ctx context.Context) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.destroyed {
		return
	}
	if !a.autoRecord {
		return
	}
	a.coreUnsub = a.Monitor.Subscribe(MonitorHandlers{
		LiveStart: func(info biliapi.RoomSnapshot) {
			slog.Info("room went live, starting capture",
				slog.Int64("room_id", a.RoomID),
				slog.String("title", info.Title))
			go a.Recorder.Rec(ctx)
		},
	})
}

// ResetListeners drops every subscription on both the monitor and the
// recorder, then re-installs the core live-start binding so automatic
// recording keeps working.
func (a *AutoRecorder) ResetListeners(ctx context.Context) {
	a.Monitor.handlers.clear()
	a.Recorder.handlers.clear()
	a.mu.Lock()
	a.coreUnsub = nil
	a.mu.Unlock()
	a.installCore(ctx)
}

// Destroy tears down monitor and recorder.
func (a *AutoRecorder) Destroy() {
	a.mu.Lock()
	a.destroyed = true
	a.mu.Unlock()
	a.Monitor.Destroy()
	a.Recorder.Destroy()
}

// Manager holds at most one AutoRecorder per room.
type Manager struct {
	mu    sync.Mutex
	rooms map[int64]*AutoRecorder
}

func NewManager() *Manager {
	return &Manager{rooms: make(map[int64]*AutoRecorder)}
}

// Ensure returns the room's orchestrator, creating it with build on first
// use. Subsequent calls for the same room return the existing instance.
func (m *Manager) Ensure(roomID int64, build func() *AutoRecorder) *AutoRecorder {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a, ok := m.rooms[roomID]; ok {
		return a
	}
	a := build()
	m.rooms[roomID] = a
	m.updateGaugeLocked()
	return a
}

// Get returns the room's orchestrator if present.
func (m *Manager) Get(roomID int64) (*AutoRecorder, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.rooms[roomID]
	return a, ok
}

// Rooms returns the managed room ids.
func (m *Manager) Rooms() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]int64, 0, len(m.rooms))
	for id := range m.rooms {
		out = append(out, id)
	}
	return out
}

// Remove destroys and forgets the room's orchestrator.
func (m *Manager) Remove(roomID int64) {
	m.mu.Lock()
	a, ok := m.rooms[roomID]
	delete(m.rooms, roomID)
	m.updateGaugeLocked()
	m.mu.Unlock()
	if ok {
		a.Destroy()
	}
}

// DestroyAll tears down every room, for shutdown.
func (m *Manager) DestroyAll() {
	m.mu.Lock()
	rooms := make([]*AutoRecorder, 0, len(m.rooms))
	for _, a := range m.rooms {
		rooms = append(rooms, a)
	}
	m.rooms = make(map[int64]*AutoRecorder)
	m.mu.Unlock()
	for _, a := range rooms {
		a.Destroy()
	}
}

func (m *Manager) updateGaugeLocked() {
	active := 0
	for _, a := range m.rooms {
		if a.Recorder.Status() == StatusRecording {
			active++
		}
	}
	telemetry.SetActiveRecordings(active)
}
