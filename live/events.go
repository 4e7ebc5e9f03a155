// Package live implements the capture pipeline for a single broadcast room:
// status monitoring, the capture state machine with watchdogs and crash
// recovery, segment merging, orphaned-file cleanup, and the per-room
// auto-record orchestration.
package live

import (
	"sync"

	"github.com/koyukia/live-tender/biliapi"
)

// MonitorHandlers is the typed subscription surface of a Monitor. Nil fields
// are simply not invoked.
type MonitorHandlers struct {
	Data          func(biliapi.RoomSnapshot)
	StatusChange  func(biliapi.RoomSnapshot)
	LiveStart     func(biliapi.RoomSnapshot)
	LiveEnd       func(biliapi.RoomSnapshot)
	LiveSlideshow func(biliapi.RoomSnapshot)
	Error         func(error)
}

// Progress is a periodic sample of the active segment while capturing.
type Progress struct {
	SegmentPath string
	Bytes       int64
}

// RecorderHandlers is the typed subscription surface of a Recorder.
type RecorderHandlers struct {
	RecStart       func(hash string)
	SegmentChange  func(hash string, segments []string)
	RecProgress    func(Progress)
	RecWarn        func(msg string)
	RecError       func(err error)
	RecEnd         func(hash, mergedPath string)
	TranscodeStart func(hash string)
	TranscodeEnd   func(hash, path string)
	TranscodeError func(err error)
	RecAllEnd      func(hash, finalPath string)
}

// handlerSet is a small registry of typed handler structs. Subscribe returns
// an unsubscribe func; clear drops every subscription atomically so a
// destroyed component cannot leak listeners into a recreated session.
type handlerSet[T any] struct {
	mu   sync.Mutex
	next int
	m    map[int]T
}

func (s *handlerSet[T]) add(h T) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.m == nil {
		s.m = make(map[int]T)
	}
	s.next++
	id := s.next
	s.m[id] = h
	return func() {
		s.mu.Lock()
		delete(s.m, id)
		s.mu.Unlock()
	}
}

func (s *handlerSet[T]) snapshot() []T {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]T, 0, len(s.m))
	for _, h := range s.m {
		out = append(out, h)
	}
	return out
}

func (s *handlerSet[T]) clear() {
	s.mu.Lock()
	s.m = nil
	s.mu.Unlock()
}
