package live

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/koyukia/live-tender/biliapi"
)

type fakeHandle struct {
	done chan error
	once sync.Once

	mu   sync.Mutex
	sigs []bool
}

func newFakeHandle() *fakeHandle {
	return &fakeHandle{done: make(chan error, 1)}
}

func (h *fakeHandle) Done() <-chan error { return h.done }
func (h *fakeHandle) State() ProcState   { return ProcRunning }

func (h *fakeHandle) Signal(graceful bool) error {
	h.mu.Lock()
	h.sigs = append(h.sigs, graceful)
	h.mu.Unlock()
	h.exit(errors.New("signal: terminated"))
	return nil
}

func (h *fakeHandle) exit(err error) {
	h.once.Do(func() {
		h.done <- err
		close(h.done)
	})
}

func (h *fakeHandle) signals() []bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]bool(nil), h.sigs...)
}

// fakeRunner pretends to spawn capture subprocesses. Unless createFile is
// disabled it writes segment content so watchdogs and the merger see a real
// file.
type fakeRunner struct {
	mu         sync.Mutex
	handles    []*fakeHandle
	startErrs  []error
	createFile bool
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{createFile: true}
}

func (r *fakeRunner) Start(ctx context.Context, streamURL, outputPath string) (CaptureHandle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.startErrs) > 0 {
		err := r.startErrs[0]
		r.startErrs = r.startErrs[1:]
		return nil, err
	}
	if r.createFile {
		if err := os.WriteFile(outputPath, []byte("segmentdata"), 0o644); err != nil {
			return nil, err
		}
	}
	h := newFakeHandle()
	r.handles = append(r.handles, h)
	return h, nil
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.handles)
}

func (r *fakeRunner) handle(i int) *fakeHandle {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.handles[i]
}

type fakeResolver struct {
	url string
	err error
}

func (f *fakeResolver) ResolveStream(ctx context.Context, roomID int64) (string, error) {
	return f.url, f.err
}

type recorderFixture struct {
	dir      string
	src      *fakeSource
	runner   *fakeRunner
	store    *RecoveryStore
	recorder *Recorder
	ev       *events

	mu     sync.Mutex
	errs   []error
	finals []string
}

func newRecorderFixture(t *testing.T, opts RecorderOptions) *recorderFixture {
	t.Helper()
	f := &recorderFixture{
		dir:    t.TempDir(),
		src:    &fakeSource{},
		runner: newFakeRunner(),
		ev:     &events{},
	}
	f.store = &RecoveryStore{Folder: f.dir}

	opts.RoomID = 1
	opts.Folder = f.dir
	opts.Source = f.src
	if opts.Resolver == nil {
		opts.Resolver = &fakeResolver{url: "http://stream/live.flv"}
	}
	opts.Runner = f.runner
	opts.Store = f.store
	if opts.RetryDelay == 0 {
		opts.RetryDelay = 10 * time.Millisecond
	}
	// Watchdogs are opt-in per test.
	if opts.FileExistTimeout == 0 {
		opts.FileExistTimeout = time.Hour
	}
	if opts.FileGrowthInterval == 0 {
		opts.FileGrowthInterval = time.Hour
	}
	f.recorder = NewRecorder(opts)
	t.Cleanup(f.recorder.Destroy)

	f.recorder.Subscribe(RecorderHandlers{
		RecStart:      func(string) { f.ev.add("rec-start") },
		SegmentChange: func(string, []string) { f.ev.add("segment-change") },
		RecWarn:       func(string) { f.ev.add("rec-warn") },
		RecError: func(err error) {
			f.ev.add("rec-error")
			f.mu.Lock()
			f.errs = append(f.errs, err)
			f.mu.Unlock()
		},
		RecEnd: func(string, string) { f.ev.add("rec-end") },
		RecAllEnd: func(_, final string) {
			f.ev.add("rec-all-end")
			f.mu.Lock()
			f.finals = append(f.finals, final)
			f.mu.Unlock()
		},
	})
	return f
}

func (f *recorderFixture) lastFinal() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.finals) == 0 {
		return ""
	}
	return f.finals[len(f.finals)-1]
}

func (f *recorderFixture) hasError(target error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, err := range f.errs {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

func TestRecorderSingleSegmentSession(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{})
	f.src.pushStatus(1) // rec: live
	f.src.pushStatus(0) // exit check: off

	ctx := context.Background()
	f.recorder.Rec(ctx)

	waitFor(t, "recording", func() bool { return f.recorder.Status() == StatusRecording })
	hash, segs := f.recorder.Session()
	if hash == "" || len(segs) != 1 {
		t.Fatalf("session = %q %v", hash, segs)
	}
	if _, ok, _ := f.store.Load(hash); !ok {
		t.Fatal("session journal not written")
	}
	if !f.ev.contains("rec-start") || !f.ev.contains("segment-change") {
		t.Fatalf("missing start events: %v", f.ev.snapshot())
	}

	f.runner.handle(0).exit(nil)
	waitFor(t, "finalize", func() bool { return f.ev.contains("rec-all-end") })

	final := f.lastFinal()
	if !isMergedName(filepath.Base(final)) {
		t.Fatalf("final artifact name %s not a merge artifact", final)
	}
	data, err := os.ReadFile(final)
	if err != nil || string(data) != "segmentdata" {
		t.Fatalf("artifact content %q err=%v", data, err)
	}
	if f.recorder.Status() != StatusNotRecording {
		t.Fatalf("status after finalize = %v", f.recorder.Status())
	}
	if _, ok, _ := f.store.Load(hash); ok {
		t.Fatal("session journal not deleted after merge")
	}
}

func TestRecorderRollsOverWhileLive(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{})
	f.src.pushStatus(1) // rec 1
	f.src.pushStatus(1) // exit 1 check: still live -> rollover
	f.src.pushStatus(1) // rec 2
	f.src.pushStatus(0) // exit 2 check: off

	orig := concatCommand
	concatCommand = func(ctx context.Context, ffmpegPath, listPath, outPath string) error {
		return os.WriteFile(outPath, []byte("merged"), 0o644)
	}
	defer func() { concatCommand = orig }()

	ctx := context.Background()
	f.recorder.Rec(ctx)
	waitFor(t, "first segment", func() bool { return f.runner.count() == 1 })

	f.runner.handle(0).exit(nil)
	waitFor(t, "rollover", func() bool { return f.runner.count() == 2 })

	_, segs := f.recorder.Session()
	if len(segs) != 2 {
		t.Fatalf("segments after rollover = %v", segs)
	}
	// A rollover in the same second must not reuse (and truncate) the
	// previous segment's path.
	if segs[0] == segs[1] {
		t.Fatalf("rollover reused segment path %s", segs[0])
	}
	if data, err := os.ReadFile(segs[0]); err != nil || string(data) != "segmentdata" {
		t.Fatalf("first segment clobbered by rollover: %q err=%v", data, err)
	}
	if f.ev.count("rec-start") != 1 {
		t.Fatalf("rec-start fired %d times across rollover, want 1", f.ev.count("rec-start"))
	}
	if f.ev.count("segment-change") != 2 {
		t.Fatalf("segment-change fired %d times, want 2", f.ev.count("segment-change"))
	}

	f.runner.handle(1).exit(nil)
	waitFor(t, "finalize", func() bool { return f.ev.contains("rec-all-end") })
	data, err := os.ReadFile(f.lastFinal())
	if err != nil || string(data) != "merged" {
		t.Fatalf("artifact %q err=%v", data, err)
	}
}

func TestRecorderExplicitStopSuppressesRollover(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{})
	f.src.pushStatus(1) // always live

	ctx := context.Background()
	f.recorder.Rec(ctx)
	waitFor(t, "recording", func() bool { return f.recorder.Status() == StatusRecording })

	f.recorder.Stop()
	waitFor(t, "finalize", func() bool { return f.ev.contains("rec-all-end") })

	// The room never went off air, yet no new segment may open.
	if f.runner.count() != 1 {
		t.Fatalf("runner started %d captures, want 1", f.runner.count())
	}
	sigs := f.runner.handle(0).signals()
	if len(sigs) == 0 || !sigs[0] {
		t.Fatalf("expected graceful signal first, got %v", sigs)
	}
	if f.recorder.Status() != StatusNotRecording {
		t.Fatalf("status = %v", f.recorder.Status())
	}
}

func TestRecorderStopFlagConsumedOnce(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{})
	f.src.pushStatus(1)

	ctx := context.Background()
	f.recorder.Rec(ctx)
	waitFor(t, "recording", func() bool { return f.recorder.Status() == StatusRecording })
	f.recorder.Stop()
	waitFor(t, "finalize", func() bool { return f.ev.contains("rec-all-end") })

	// The next live-start must record again: the stop flag is spent.
	f.recorder.Rec(ctx)
	waitFor(t, "second session", func() bool { return f.runner.count() == 2 })
	if f.recorder.Status() != StatusRecording {
		t.Fatalf("status = %v", f.recorder.Status())
	}
}

func TestRecorderAbandonsAfterErrorBudget(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{
		Resolver:      &fakeResolver{err: errors.New("resolve blew up")},
		MaxErrRetries: 3,
		RetryDelay:    5 * time.Millisecond,
	})
	f.src.pushStatus(1)

	f.recorder.Rec(context.Background())
	waitFor(t, "abandonment", func() bool { return f.hasError(ErrAbandoned) })

	if f.runner.count() != 0 {
		t.Fatalf("capture started despite resolver failures")
	}
	if got := f.ev.count("rec-error"); got != 3 {
		t.Fatalf("rec-error fired %d times, want 3", got)
	}
	if f.recorder.Status() != StatusNotRecording {
		t.Fatalf("status = %v", f.recorder.Status())
	}
}

func TestRecorderDiskFullCleansWithoutBudget(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{
		// Budget of 1: any budget-consuming error would abandon instantly,
		// so a successful retry proves disk exhaustion is exempt.
		MaxErrRetries: 1,
	})
	f.src.pushStatus(1)

	stale := writeFile(t, filepath.Join(f.dir, "1_20230101_000000.flv"), "old")
	f.recorder.opts.Cleaner = &Cleaner{Folder: f.dir, Store: f.store}
	f.runner.mu.Lock()
	f.runner.startErrs = []error{errors.New("no space left on device")}
	f.runner.mu.Unlock()

	f.recorder.Rec(context.Background())
	waitFor(t, "recording after cleanup", func() bool { return f.recorder.Status() == StatusRecording })

	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Fatal("stale segment not cleaned on disk exhaustion")
	}
	if f.hasError(ErrAbandoned) {
		t.Fatal("disk exhaustion consumed the retry budget")
	}
}

func TestRecorderRestoresCrashedSession(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{})
	liveTime := "2024-01-01 00:00:00"
	f.src.pushStatus(1)

	start, err := time.Parse("2006-01-02 15:04:05", liveTime)
	if err != nil {
		t.Fatal(err)
	}
	hash := SessionHash(1, start)
	orphan := writeFile(t, filepath.Join(f.dir, "1_20240101_000100.flv"), "before crash")
	gone := filepath.Join(f.dir, "1_20240101_000200.flv")
	if err := f.store.Save(hash, RecoveryRecord{
		Type:         RecordTypeSession,
		RoomID:       1,
		StartTime:    start,
		SegmentFiles: []string{orphan, gone},
	}); err != nil {
		t.Fatal(err)
	}

	f.recorder.Rec(context.Background())
	waitFor(t, "recording", func() bool { return f.recorder.Status() == StatusRecording })

	gotHash, segs := f.recorder.Session()
	if gotHash != hash {
		t.Fatalf("session hash %s, want %s", gotHash, hash)
	}
	// Restored orphan plus the fresh segment; the vanished file is dropped.
	if len(segs) != 2 || segs[0] != orphan {
		t.Fatalf("restored segments = %v", segs)
	}
}

func TestRecorderWatchdogRestartsStalledCapture(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{
		FileExistTimeout: 20 * time.Millisecond,
		RetryDelay:       5 * time.Millisecond,
	})
	f.src.pushStatus(1)
	f.runner.mu.Lock()
	f.runner.createFile = false
	f.runner.mu.Unlock()

	f.recorder.Rec(context.Background())
	waitFor(t, "watchdog restart", func() bool { return f.runner.count() >= 2 })

	if sigs := f.runner.handle(0).signals(); len(sigs) == 0 {
		t.Fatal("stalled capture was never signalled")
	}
	if !f.ev.contains("rec-warn") {
		t.Fatal("watchdog fired without a warning event")
	}
}

func TestRecorderConcurrentRecOpensOneCapture(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.src.push(func() (biliapi.RoomSnapshot, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return biliapi.RoomSnapshot{
			RoomID:     1,
			LiveStatus: biliapi.LiveStatusLive,
			LiveTime:   "2024-01-01 00:00:00",
			Title:      "t",
		}, nil
	})

	ctx := context.Background()
	go f.recorder.Rec(ctx)
	<-entered

	// Competing entries while the first open is still resolving the stream
	// must not spawn a second subprocess.
	var wg sync.WaitGroup
	for range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.recorder.Rec(ctx)
		}()
	}
	wg.Wait()
	close(release)

	waitFor(t, "recording", func() bool { return f.recorder.Status() == StatusRecording })
	time.Sleep(50 * time.Millisecond)
	if f.runner.count() != 1 {
		t.Fatalf("concurrent Rec spawned %d captures, want 1", f.runner.count())
	}
	_, segs := f.recorder.Session()
	if len(segs) != 1 {
		t.Fatalf("segments = %v", segs)
	}
}

func TestRecorderStopDuringSessionOpen(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{})
	entered := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	f.src.push(func() (biliapi.RoomSnapshot, error) {
		once.Do(func() {
			close(entered)
			<-release
		})
		return biliapi.RoomSnapshot{
			RoomID:     1,
			LiveStatus: biliapi.LiveStatusLive,
			LiveTime:   "2024-01-01 00:00:00",
			Title:      "t",
		}, nil
	})

	ctx := context.Background()
	go f.recorder.Rec(ctx)
	<-entered
	f.recorder.Stop()
	close(release)

	// The capture spawned by the in-flight open is discarded, not adopted.
	waitFor(t, "discarded capture", func() bool {
		return f.runner.count() == 1 && len(f.runner.handle(0).signals()) > 0
	})
	if sigs := f.runner.handle(0).signals(); sigs[0] {
		t.Fatalf("discarded capture signalled gracefully, want kill: %v", sigs)
	}
	if f.recorder.Status() != StatusNotRecording {
		t.Fatalf("status = %v", f.recorder.Status())
	}
	if _, segs := f.recorder.Session(); len(segs) != 0 {
		t.Fatalf("discarded capture left segments: %v", segs)
	}

	// The stop flag is spent: the next live-start records normally.
	f.recorder.Rec(ctx)
	waitFor(t, "fresh session", func() bool { return f.recorder.Status() == StatusRecording })
	if f.runner.count() != 2 {
		t.Fatalf("runner count after restart = %d", f.runner.count())
	}
}

func TestRecorderReentrantRecIsNoop(t *testing.T) {
	f := newRecorderFixture(t, RecorderOptions{})
	f.src.pushStatus(1)

	ctx := context.Background()
	f.recorder.Rec(ctx)
	waitFor(t, "recording", func() bool { return f.recorder.Status() == StatusRecording })
	f.recorder.Rec(ctx)
	f.recorder.Rec(ctx)

	if f.runner.count() != 1 {
		t.Fatalf("re-entrant Rec spawned %d captures", f.runner.count())
	}
	_, segs := f.recorder.Session()
	if len(segs) != 1 {
		t.Fatalf("re-entrant Rec appended segments: %v", segs)
	}
}
