package live

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/koyukia/live-tender/biliapi"
	"github.com/koyukia/live-tender/telemetry"
)

// RecorderStatus is the capture state machine's externally visible state.
type RecorderStatus int

const (
	StatusNotRecording RecorderStatus = iota
	StatusRecording
	StatusStopping
)

func (s RecorderStatus) String() string {
	switch s {
	case StatusRecording:
		return "recording"
	case StatusStopping:
		return "stopping"
	default:
		return "not-recording"
	}
}

// IngestResolver resolves a room id to a verified stream URL.
type IngestResolver interface {
	ResolveStream(ctx context.Context, roomID int64) (string, error)
}

// transcodeCommand remuxes an artifact to mp4. Indirection for tests.
var transcodeCommand = func(ctx context.Context, ffmpegPath, inPath, outPath string) error {
	cmd := exec.CommandContext(ctx, ffmpegPath,
		"-hide_banner",
		"-loglevel", "warning",
		"-i", inPath,
		"-c", "copy",
		"-movflags", "+faststart",
		"-y", outPath,
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("transcode: %w: %s", err, tail(out, 512))
	}
	return nil
}

// RecorderOptions configures a Recorder. Zero durations pick the defaults
// noted per field.
type RecorderOptions struct {
	RoomID   int64
	Folder   string
	Source   RoomInfoSource
	Resolver IngestResolver
	Runner   CaptureRunner
	Store    *RecoveryStore
	Cleaner  *Cleaner

	RetryDelay         time.Duration // 5s
	MaxErrRetries      int           // 10
	FileExistTimeout   time.Duration // 30s
	FileGrowthInterval time.Duration // 60s
	StopKillTimeout    time.Duration // 60s

	TranscodeMP4 bool
	FFmpegPath   string
}

func (o *RecorderOptions) withDefaults() {
	if o.RetryDelay <= 0 {
		o.RetryDelay = 5 * time.Second
	}
	if o.MaxErrRetries <= 0 {
		o.MaxErrRetries = 10
	}
	if o.FileExistTimeout <= 0 {
		o.FileExistTimeout = 30 * time.Second
	}
	if o.FileGrowthInterval <= 0 {
		o.FileGrowthInterval = 60 * time.Second
	}
	if o.StopKillTimeout <= 0 {
		o.StopKillTimeout = 60 * time.Second
	}
	if o.FFmpegPath == "" {
		o.FFmpegPath = "ffmpeg"
	}
}

// Recorder drives capture for one room: it opens sessions, supervises the
// capture subprocess with watchdogs, rolls segments over when the process
// exits while the room is still live, journals the open session for crash
// recovery, and finalizes by merging segments into one artifact.
//
// All transitions run under one mutex; subscriber callbacks are invoked
// outside it so handlers may call back into the recorder.
type Recorder struct {
	opts     RecorderOptions
	merger   *Merger
	handlers handlerSet[RecorderHandlers]
	log      *slog.Logger

	mu         sync.Mutex
	status     RecorderStatus
	hash       string
	startTime  time.Time
	segments   []string
	errRetries int
	forceStop  bool
	opening    bool
	finalizing bool
	destroyed  bool

	proc    CaptureHandle
	procGen int

	existTimer   *time.Timer
	growthStop   chan struct{}
	retryTimer   *time.Timer
	stopTimer    *time.Timer
}

func NewRecorder(opts RecorderOptions) *Recorder {
	opts.withDefaults()
	return &Recorder{
		opts:   opts,
		merger: &Merger{FFmpegPath: opts.FFmpegPath, Folder: opts.Folder},
		log: slog.Default().With(
			slog.String("component", "recorder"),
			slog.Int64("room_id", opts.RoomID)),
	}
}

// Subscribe registers handlers and returns an unsubscribe func.
func (r *Recorder) Subscribe(h RecorderHandlers) func() {
	return r.handlers.add(h)
}

// Status returns the current state machine state.
func (r *Recorder) Status() RecorderStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Session returns the open session's hash and segment snapshot.
func (r *Recorder) Session() (hash string, segments []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.hash, append([]string(nil), r.segments...)
}

// Rec attempts to start (or continue) capturing. It verifies the room is
// actually live before opening a segment. The opening flag makes the whole
// open single-flight: a re-entrant call while a capture subprocess is running
// or while another call is still resolving the stream is a no-op, so a room
// can never have two subprocesses writing segments.
func (r *Recorder) Rec(ctx context.Context) {
	r.mu.Lock()
	if r.destroyed || r.opening || r.proc != nil {
		r.mu.Unlock()
		return
	}
	r.clearRetryTimerLocked()
	if r.forceStop {
		// Stop arrived between segments: consume the flag and finalize
		// instead of opening another segment.
		r.forceStop = false
		open := len(r.segments) > 0
		r.mu.Unlock()
		if open {
			r.finalize(ctx)
		}
		return
	}
	r.opening = true
	r.mu.Unlock()

	abort := func() {
		r.mu.Lock()
		r.opening = false
		r.mu.Unlock()
	}

	info, err := r.opts.Source.LiveRoomInfo(ctx, r.opts.RoomID)
	if err != nil {
		abort()
		r.emitWarn(fmt.Sprintf("room info fetch failed, retrying: %v", err))
		r.scheduleRetry(ctx)
		return
	}
	if info.LiveStatus != biliapi.LiveStatusLive {
		r.log.Info("room not live, not opening a segment",
			slog.Int("live_status", info.LiveStatus))
		r.mu.Lock()
		r.opening = false
		open := len(r.segments) > 0
		r.mu.Unlock()
		if open {
			r.finalize(ctx)
		}
		return
	}

	streamURL, err := r.opts.Resolver.ResolveStream(ctx, r.opts.RoomID)
	if err != nil {
		abort()
		r.handleCaptureError(ctx, fmt.Errorf("resolve stream: %w", err))
		return
	}

	out := segmentPath(r.opts.Folder, r.opts.RoomID, time.Now())
	if err := os.MkdirAll(r.opts.Folder, 0o755); err != nil {
		abort()
		r.handleCaptureError(ctx, fmt.Errorf("create record folder: %w", err))
		return
	}
	handle, err := r.opts.Runner.Start(ctx, streamURL, out)
	if err != nil {
		abort()
		r.handleCaptureError(ctx, err)
		return
	}

	r.mu.Lock()
	r.opening = false
	if r.destroyed || r.forceStop {
		// Stop or Destroy arrived while the stream was being resolved; the
		// fresh subprocess is unwanted.
		explicit := r.forceStop && !r.destroyed
		r.forceStop = false
		open := len(r.segments) > 0
		r.mu.Unlock()
		r.log.Info("capture discarded, stop requested during session open")
		if err := handle.Signal(false); err != nil {
			r.log.Warn("failed to kill discarded capture", slog.Any("err", err))
		}
		if explicit && open {
			r.finalize(ctx)
		}
		return
	}
	first := len(r.segments) == 0
	if first {
		r.startTime = time.Now()
		r.hash = SessionHash(r.opts.RoomID, info.LiveStartTime())
		r.restoreSessionLocked()
	}
	r.segments = append(r.segments, out)
	// Policy: a successful segment start proves the pipeline works again,
	// so the consecutive error counter resets here.
	r.errRetries = 0
	r.status = StatusRecording
	r.proc = handle
	r.procGen++
	gen := r.procGen
	hash := r.hash
	segs := append([]string(nil), r.segments...)
	startTime := r.startTime
	r.installWatchdogsLocked(ctx, out, gen)
	r.mu.Unlock()

	r.journalSession(hash, startTime, segs)
	if first {
		telemetry.Inc(telemetry.RecordingsStarted)
		r.log.Info("recording session opened",
			slog.String("hash", hash),
			slog.String("segment", out))
	} else {
		r.log.Info("segment opened",
			slog.String("hash", hash),
			slog.String("segment", out),
			slog.Int("segments", len(segs)))
	}
	for _, h := range r.handlers.snapshot() {
		if first && h.RecStart != nil {
			h.RecStart(hash)
		}
		if h.SegmentChange != nil {
			h.SegmentChange(hash, segs)
		}
	}

	go func() {
		err := <-handle.Done()
		r.onProcExit(ctx, gen, err)
	}()
}

// Stop requests a graceful end of the session. The capture subprocess is
// asked to terminate so it can close the container; if it has not exited
// within StopKillTimeout it is killed unconditionally. The explicit-stop
// flag suppresses exactly one rollover; a stop issued while a session open
// is still in flight discards the capture it would have produced.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if r.destroyed || (r.status == StatusNotRecording && !r.opening) {
		r.mu.Unlock()
		return
	}
	r.forceStop = true
	proc := r.proc
	if proc == nil {
		r.mu.Unlock()
		return
	}
	r.status = StatusStopping
	gen := r.procGen
	r.stopTimer = time.AfterFunc(r.opts.StopKillTimeout, func() {
		r.mu.Lock()
		if r.procGen != gen || r.proc == nil {
			r.mu.Unlock()
			return
		}
		p := r.proc
		r.mu.Unlock()
		r.log.Warn("capture did not exit in time, killing",
			slog.Duration("timeout", r.opts.StopKillTimeout))
		if err := p.Signal(false); err != nil {
			r.log.Warn("force kill failed", slog.Any("err", err))
		}
	})
	r.mu.Unlock()

	r.log.Info("stop requested, terminating capture")
	if err := proc.Signal(true); err != nil {
		r.log.Warn("graceful signal failed", slog.Any("err", err))
		if err := proc.Signal(false); err != nil {
			r.log.Warn("force kill failed", slog.Any("err", err))
		}
	}
}

// Destroy tears the recorder down: the subprocess is killed, timers are
// cancelled, pending exit handling is invalidated, and every subscription is
// dropped. No finalization runs; the recovery record is left for the next
// process to pick up.
func (r *Recorder) Destroy() {
	r.mu.Lock()
	r.destroyed = true
	proc := r.proc
	r.proc = nil
	r.procGen++
	r.clearTimersLocked()
	r.status = StatusNotRecording
	r.mu.Unlock()
	if proc != nil {
		if err := proc.Signal(false); err != nil {
			r.log.Warn("kill on destroy failed", slog.Any("err", err))
		}
	}
	r.handlers.clear()
}

// restoreSessionLocked merges a persisted session journal into the fresh
// session with the same hash. Segments that vanished from disk are dropped.
func (r *Recorder) restoreSessionLocked() {
	if r.opts.Store == nil {
		return
	}
	rec, ok, err := r.opts.Store.Load(r.hash)
	if err != nil {
		r.log.Warn("failed to load recovery record", slog.Any("err", err))
		return
	}
	if !ok || rec.Type != RecordTypeSession {
		return
	}
	restored := existingFiles(rec.SegmentFiles)
	if len(restored) > 0 {
		r.segments = append(r.segments, restored...)
		r.log.Info("crashed session restored",
			slog.String("hash", r.hash),
			slog.Int("segments", len(restored)))
	}
	if !rec.StartTime.IsZero() {
		r.startTime = rec.StartTime
	}
}

// journalSession persists the open segment list so a crash can resume the
// session under the same hash.
func (r *Recorder) journalSession(hash string, start time.Time, segments []string) {
	if r.opts.Store == nil {
		return
	}
	err := r.opts.Store.Save(hash, RecoveryRecord{
		Type:         RecordTypeSession,
		Timestamp:    time.Now().UnixMilli(),
		RoomID:       r.opts.RoomID,
		StartTime:    start,
		SegmentFiles: segments,
	})
	if err != nil {
		r.log.Warn("failed to journal session", slog.Any("err", err))
	}
}

func (r *Recorder) onProcExit(ctx context.Context, gen int, err error) {
	r.mu.Lock()
	if gen != r.procGen {
		// A watchdog or Destroy already took over this exit.
		r.mu.Unlock()
		return
	}
	r.proc = nil
	r.clearWatchdogsLocked()
	if r.stopTimer != nil {
		r.stopTimer.Stop()
		r.stopTimer = nil
	}
	explicitStop := r.forceStop
	r.forceStop = false
	r.mu.Unlock()

	if err != nil && ClassifyCaptureError(err) == CaptureErrorKilled {
		// We sent the signal; not a failure.
		err = nil
	}

	if explicitStop {
		r.log.Info("capture exited after explicit stop")
		r.finalize(ctx)
		return
	}

	if err == nil {
		// Natural exit: if the room is still live this was a transient
		// stream break, so roll over into a new segment.
		info, ierr := r.opts.Source.LiveRoomInfo(ctx, r.opts.RoomID)
		if ierr == nil && info.LiveStatus == biliapi.LiveStatusLive {
			telemetry.Inc(telemetry.SegmentRollovers)
			r.emitWarn("capture exited while room still live, rolling over")
			r.Rec(ctx)
			return
		}
		r.finalize(ctx)
		return
	}

	r.handleCaptureError(ctx, err)
}

// handleCaptureError applies the error policy: disk exhaustion triggers a
// cleanup sweep and a budget-free retry; everything else consumes the
// consecutive error budget and abandons the session when it runs out.
func (r *Recorder) handleCaptureError(ctx context.Context, err error) {
	switch ClassifyCaptureError(err) {
	case CaptureErrorKilled:
		return
	case CaptureErrorDiskFull:
		r.emitError(fmt.Errorf("disk exhausted, cleaning record folder: %w", err))
		if r.opts.Cleaner != nil {
			_, segs := r.Session()
			if _, errs := r.opts.Cleaner.Clean(segs); len(errs) > 0 {
				r.log.Warn("cleanup sweep had errors", slog.Int("errors", len(errs)))
			}
		}
		// Retrying after reclaiming disk does not consume the budget.
		r.Rec(ctx)
	case CaptureErrorRemoteServer, CaptureErrorUnknown:
		r.mu.Lock()
		r.errRetries++
		n := r.errRetries
		budget := r.opts.MaxErrRetries
		open := len(r.segments) > 0
		if n >= budget {
			r.errRetries = 0
		}
		r.mu.Unlock()

		if n >= budget {
			r.emitError(fmt.Errorf("%w after %d consecutive errors: last: %v", ErrAbandoned, n, err))
			telemetry.Inc(telemetry.RecordingsAbandoned)
			if open {
				r.finalize(ctx)
			}
			return
		}
		r.emitError(fmt.Errorf("capture error (%d/%d), retrying in %s: %w",
			n, budget, r.opts.RetryDelay, err))
		r.scheduleRetry(ctx)
	}
}

func (r *Recorder) scheduleRetry(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.destroyed {
		return
	}
	r.clearRetryTimerLocked()
	r.retryTimer = time.AfterFunc(r.opts.RetryDelay, func() {
		r.Rec(ctx)
	})
}

// finalize closes the session: merges segments into the artifact, clears the
// session journal, and emits the end events. Optionally remuxes to mp4.
func (r *Recorder) finalize(ctx context.Context) {
	r.mu.Lock()
	if r.finalizing {
		r.mu.Unlock()
		return
	}
	r.finalizing = true
	r.clearTimersLocked()
	hash := r.hash
	segs := append([]string(nil), r.segments...)
	startTime := r.startTime
	r.status = StatusStopping
	r.mu.Unlock()

	reset := func() {
		r.mu.Lock()
		r.segments = nil
		r.hash = ""
		r.status = StatusNotRecording
		r.finalizing = false
		r.mu.Unlock()
	}

	if len(segs) == 0 {
		reset()
		return
	}

	endTime := time.Now()
	out := mergedPath(r.opts.Folder, r.opts.RoomID, endTime)
	merged, err := r.merger.Merge(ctx, r.opts.RoomID, segs, out)
	if err != nil {
		// Sources are retained and the journal still lists them; a later
		// session with the same hash (or an operator) can pick them up.
		r.emitError(fmt.Errorf("finalize session %s: %w", hash, err))
		reset()
		return
	}

	if r.opts.Store != nil {
		if err := r.opts.Store.Delete(hash); err != nil {
			r.log.Warn("failed to delete session journal", slog.Any("err", err))
		}
	}
	reset()

	telemetry.Inc(telemetry.RecordingsEnded)
	if !startTime.IsZero() {
		telemetry.Observe(telemetry.SessionDuration, endTime.Sub(startTime).Seconds())
	}
	r.log.Info("recording session finalized",
		slog.String("hash", hash),
		slog.Int("segments", len(segs)),
		slog.String("artifact", merged))
	for _, h := range r.handlers.snapshot() {
		if h.RecEnd != nil {
			h.RecEnd(hash, merged)
		}
	}

	final := merged
	if r.opts.TranscodeMP4 && !strings.EqualFold(filepath.Ext(merged), ".mp4") {
		mp4, terr := r.transcode(ctx, hash, merged)
		if terr != nil {
			// Publish needs the final container; leave the artifact for the
			// cleaner/operator instead of publishing a broken file.
			return
		}
		final = mp4
	}
	for _, h := range r.handlers.snapshot() {
		if h.RecAllEnd != nil {
			h.RecAllEnd(hash, final)
		}
	}
}

func (r *Recorder) transcode(ctx context.Context, hash, in string) (string, error) {
	out := strings.TrimSuffix(in, filepath.Ext(in)) + ".mp4"
	for _, h := range r.handlers.snapshot() {
		if h.TranscodeStart != nil {
			h.TranscodeStart(hash)
		}
	}
	if err := transcodeCommand(ctx, r.opts.FFmpegPath, in, out); err != nil {
		r.log.Error("transcode failed", slog.Any("err", err))
		for _, h := range r.handlers.snapshot() {
			if h.TranscodeError != nil {
				h.TranscodeError(err)
			}
		}
		return "", err
	}
	if err := os.Remove(in); err != nil {
		r.log.Warn("failed to remove pre-transcode artifact",
			slog.String("path", in),
			slog.Any("err", err))
	}
	for _, h := range r.handlers.snapshot() {
		if h.TranscodeEnd != nil {
			h.TranscodeEnd(hash, out)
		}
	}
	return out, nil
}

// installWatchdogsLocked arms the existence and growth watchdogs for the
// segment at path. Both are bound to the current process generation so a
// stale watchdog can never shoot a newer process.
func (r *Recorder) installWatchdogsLocked(ctx context.Context, path string, gen int) {
	r.existTimer = time.AfterFunc(r.opts.FileExistTimeout, func() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			r.watchdogTrip(ctx, gen, "output file was never created")
		}
	})

	stop := make(chan struct{})
	r.growthStop = stop
	go func() {
		ticker := time.NewTicker(r.opts.FileGrowthInterval)
		defer ticker.Stop()
		var last int64 = -1
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				var size int64
				if fi, err := os.Stat(path); err == nil {
					size = fi.Size()
				}
				if size == last {
					r.watchdogTrip(ctx, gen, "output file stopped growing")
					return
				}
				last = size
				for _, h := range r.handlers.snapshot() {
					if h.RecProgress != nil {
						h.RecProgress(Progress{SegmentPath: path, Bytes: size})
					}
				}
			}
		}
	}()
}

// watchdogTrip kills a wedged capture subprocess and schedules a retry. The
// generation bump invalidates the pending exit handler so the exit is not
// handled twice.
func (r *Recorder) watchdogTrip(ctx context.Context, gen int, reason string) {
	r.mu.Lock()
	if gen != r.procGen || r.proc == nil {
		r.mu.Unlock()
		return
	}
	proc := r.proc
	r.proc = nil
	r.procGen++
	r.clearWatchdogsLocked()
	r.mu.Unlock()

	telemetry.Inc(telemetry.WatchdogFires)
	r.emitWarn("watchdog: " + reason + ", restarting capture")
	if err := proc.Signal(true); err != nil {
		if err := proc.Signal(false); err != nil {
			r.log.Warn("watchdog kill failed", slog.Any("err", err))
		}
	}
	r.scheduleRetry(ctx)
}

func (r *Recorder) clearWatchdogsLocked() {
	if r.existTimer != nil {
		r.existTimer.Stop()
		r.existTimer = nil
	}
	if r.growthStop != nil {
		close(r.growthStop)
		r.growthStop = nil
	}
}

func (r *Recorder) clearRetryTimerLocked() {
	if r.retryTimer != nil {
		r.retryTimer.Stop()
		r.retryTimer = nil
	}
}

func (r *Recorder) clearTimersLocked() {
	r.clearWatchdogsLocked()
	r.clearRetryTimerLocked()
	if r.stopTimer != nil {
		r.stopTimer.Stop()
		r.stopTimer = nil
	}
}

func (r *Recorder) emitWarn(msg string) {
	r.log.Warn(msg)
	for _, h := range r.handlers.snapshot() {
		if h.RecWarn != nil {
			h.RecWarn(msg)
		}
	}
}

func (r *Recorder) emitError(err error) {
	r.log.Error("capture error", slog.Any("err", err))
	for _, h := range r.handlers.snapshot() {
		if h.RecError != nil {
			h.RecError(err)
		}
	}
}
