package live

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/koyukia/live-tender/biliapi"
)

// RoomInfoSource fetches the current snapshot of a live room.
type RoomInfoSource interface {
	LiveRoomInfo(ctx context.Context, roomID int64) (biliapi.RoomSnapshot, error)
}

// Monitor polls a room's live status on a fixed interval and fans snapshots
// out to typed subscribers. A fetch failure skips the cycle without changing
// the remembered status, so a transient API error never fabricates an
// off-air transition.
type Monitor struct {
	roomID   int64
	source   RoomInfoSource
	interval time.Duration

	handlers handlerSet[MonitorHandlers]

	mu         sync.Mutex
	cancel     context.CancelFunc
	lastStatus int // -1 until the first successful poll
	current    *biliapi.RoomSnapshot
	lastOnAir  *biliapi.RoomSnapshot
	destroyed  bool
}

func NewMonitor(roomID int64, source RoomInfoSource, interval time.Duration) *Monitor {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Monitor{
		roomID:     roomID,
		source:     source,
		interval:   interval,
		lastStatus: -1,
	}
}

// Subscribe registers handlers and returns an unsubscribe func.
func (m *Monitor) Subscribe(h MonitorHandlers) func() {
	return m.handlers.add(h)
}

// Start begins polling. The first poll runs immediately; subsequent polls
// tick on the configured interval. Idempotent while running.
func (m *Monitor) Start(ctx context.Context) {
	m.mu.Lock()
	if m.cancel != nil || m.destroyed {
		m.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.mu.Unlock()

	go func() {
		m.pollOnce(ctx)
		ticker := time.NewTicker(m.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.pollOnce(ctx)
			}
		}
	}()
	slog.Info("room monitor started",
		slog.Int64("room_id", m.roomID),
		slog.Duration("interval", m.interval))
}

// Stop halts polling. Subscriptions survive a stop/start cycle.
func (m *Monitor) Stop() {
	m.mu.Lock()
	cancel := m.cancel
	m.cancel = nil
	m.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Destroy stops polling and drops every subscription.
func (m *Monitor) Destroy() {
	m.Stop()
	m.mu.Lock()
	m.destroyed = true
	m.mu.Unlock()
	m.handlers.clear()
}

// Current returns the most recent snapshot, if any poll has succeeded.
func (m *Monitor) Current() (biliapi.RoomSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return biliapi.RoomSnapshot{}, false
	}
	return *m.current, true
}

// LastOnAir returns the most recent snapshot taken while the room was live.
// Publish metadata is built from this after the room has already gone off
// air, when the live poll no longer carries the session's title and cover.
func (m *Monitor) LastOnAir() (biliapi.RoomSnapshot, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastOnAir == nil {
		return biliapi.RoomSnapshot{}, false
	}
	return *m.lastOnAir, true
}

func (m *Monitor) pollOnce(ctx context.Context) {
	info, err := m.source.LiveRoomInfo(ctx, m.roomID)
	if err != nil {
		slog.Warn("room poll failed",
			slog.Int64("room_id", m.roomID),
			slog.Any("err", err))
		for _, h := range m.handlers.snapshot() {
			if h.Error != nil {
				h.Error(err)
			}
		}
		return
	}

	m.mu.Lock()
	prev := m.lastStatus
	m.lastStatus = info.LiveStatus
	m.current = &info
	if info.LiveStatus == biliapi.LiveStatusLive {
		m.lastOnAir = &info
	}
	m.mu.Unlock()

	handlers := m.handlers.snapshot()
	for _, h := range handlers {
		if h.Data != nil {
			h.Data(info)
		}
	}
	if prev == info.LiveStatus {
		return
	}

	slog.Info("room status changed",
		slog.Int64("room_id", m.roomID),
		slog.Int("from", prev),
		slog.Int("to", info.LiveStatus))
	for _, h := range handlers {
		if h.StatusChange != nil {
			h.StatusChange(info)
		}
	}
	switch info.LiveStatus {
	case biliapi.LiveStatusLive:
		for _, h := range handlers {
			if h.LiveStart != nil {
				h.LiveStart(info)
			}
		}
	case biliapi.LiveStatusOff:
		for _, h := range handlers {
			if h.LiveEnd != nil {
				h.LiveEnd(info)
			}
		}
	case biliapi.LiveStatusSlideshow:
		// A slideshow means the broadcast itself has ended.
		for _, h := range handlers {
			if h.LiveEnd != nil {
				h.LiveEnd(info)
			}
		}
		for _, h := range handlers {
			if h.LiveSlideshow != nil {
				h.LiveSlideshow(info)
			}
		}
	}
}
