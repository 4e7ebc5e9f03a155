package live

import (
	"context"
	"testing"
	"time"

	"github.com/koyukia/live-tender/biliapi"
)

func newAutoFixture(t *testing.T, src *fakeSource) (*fakeRunner, *Recorder, *Monitor) {
	t.Helper()
	runner := newFakeRunner()
	recorder := NewRecorder(RecorderOptions{
		RoomID:             1,
		Folder:             t.TempDir(),
		Source:             src,
		Resolver:           &fakeResolver{url: "http://stream/live.flv"},
		Runner:             runner,
		RetryDelay:         10 * time.Millisecond,
		FileExistTimeout:   time.Hour,
		FileGrowthInterval: time.Hour,
	})
	monitor := NewMonitor(1, src, 10*time.Millisecond)
	return runner, recorder, monitor
}

func TestAutoRecorderStartsCaptureOnLiveStart(t *testing.T) {
	src := &fakeSource{}
	src.pushStatus(biliapi.LiveStatusOff)
	runner, recorder, monitor := newAutoFixture(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAutoRecorder(ctx, 1, true, monitor, recorder)
	defer a.Destroy()

	if recorder.Status() != StatusNotRecording {
		t.Fatalf("recording before the room went live")
	}
	src.pushStatus(biliapi.LiveStatusLive)
	waitFor(t, "auto capture", func() bool { return recorder.Status() == StatusRecording })
	if runner.count() != 1 {
		t.Fatalf("runner started %d captures", runner.count())
	}
}

func TestAutoRecorderDisabled(t *testing.T) {
	src := &fakeSource{}
	src.pushStatus(biliapi.LiveStatusLive)
	runner, recorder, monitor := newAutoFixture(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAutoRecorder(ctx, 1, false, monitor, recorder)
	defer a.Destroy()

	waitFor(t, "first poll", func() bool {
		_, ok := monitor.Current()
		return ok
	})
	time.Sleep(50 * time.Millisecond)
	if runner.count() != 0 {
		t.Fatal("capture started with auto record disabled")
	}
	if recorder.Status() != StatusNotRecording {
		t.Fatalf("status = %v", recorder.Status())
	}
}

func TestResetListenersKeepsCoreBinding(t *testing.T) {
	src := &fakeSource{}
	src.pushStatus(biliapi.LiveStatusOff)
	_, recorder, monitor := newAutoFixture(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	a := NewAutoRecorder(ctx, 1, true, monitor, recorder)
	defer a.Destroy()

	ev := &events{}
	monitor.Subscribe(MonitorHandlers{
		Data: func(biliapi.RoomSnapshot) { ev.add("data") },
	})
	waitFor(t, "external handler firing", func() bool { return ev.count("data") >= 1 })

	a.ResetListeners(ctx)
	n := ev.count("data")

	// The external subscription is gone, but going live must still record.
	src.pushStatus(biliapi.LiveStatusLive)
	waitFor(t, "auto capture after reset", func() bool { return recorder.Status() == StatusRecording })
	if got := ev.count("data"); got > n {
		t.Fatalf("external handler survived reset: %d -> %d", n, got)
	}
}

func TestManagerEnsureIsSingleton(t *testing.T) {
	src := &fakeSource{}
	src.pushStatus(biliapi.LiveStatusOff)
	_, recorder, monitor := newAutoFixture(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager()
	defer m.DestroyAll()
	builds := 0
	build := func() *AutoRecorder {
		builds++
		return NewAutoRecorder(ctx, 1, false, monitor, recorder)
	}
	a := m.Ensure(1, build)
	if b := m.Ensure(1, build); b != a || builds != 1 {
		t.Fatalf("Ensure built %d times", builds)
	}
	if got, ok := m.Get(1); !ok || got != a {
		t.Fatal("Get lost the room")
	}
	if rooms := m.Rooms(); len(rooms) != 1 || rooms[0] != 1 {
		t.Fatalf("Rooms = %v", rooms)
	}
}

func TestManagerRemoveDestroys(t *testing.T) {
	src := &fakeSource{}
	src.pushStatus(biliapi.LiveStatusOff)
	_, recorder, monitor := newAutoFixture(t, src)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	m := NewManager()
	m.Ensure(1, func() *AutoRecorder {
		return NewAutoRecorder(ctx, 1, false, monitor, recorder)
	})
	m.Remove(1)
	if _, ok := m.Get(1); ok {
		t.Fatal("room still present after Remove")
	}
	if len(m.Rooms()) != 0 {
		t.Fatalf("Rooms = %v", m.Rooms())
	}
}
