package bridge

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/tetratelabs/wazero/api"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"github.com/woxQAQ/canvas-bridge/internal/frame"
	"github.com/woxQAQ/canvas-bridge/internal/loader"
	"github.com/woxQAQ/canvas-bridge/internal/loop"
	"github.com/woxQAQ/canvas-bridge/internal/metrics"
	"github.com/woxQAQ/canvas-bridge/internal/render"
	"github.com/woxQAQ/canvas-bridge/internal/storage"
	"github.com/woxQAQ/canvas-bridge/internal/wasm"
	"github.com/woxQAQ/canvas-bridge/pkg/protocol"
)

type fatalReport struct {
	code    protocol.FatalCode
	message string
}

type harness struct {
	t       *testing.T
	loop    *loop.Loop
	req     *frame.ManualRequester
	store   *storage.MemoryStore
	metrics *metrics.Metrics
	logs    *observer.ObservedLogs
	bridge  *Bridge

	mu       sync.Mutex
	cursors  []string
	fatals   []fatalReport
	dialogs  int
	readErrs chan *loader.ReadError
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)

	core, logs := observer.New(zap.InfoLevel)
	logger := zap.New(core)

	runtime, err := wasm.NewRuntime(ctx, zaptest.NewLogger(t), &wasm.RuntimeConfig{InitialPages: 1, MaxPages: 4})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { runtime.Close(context.Background()) })

	faces, err := render.NewFaceSet()
	if err != nil {
		t.Fatal(err)
	}
	vp := render.Viewport{DPR: 2, Text: render.Dims{Width: 100, Height: 50}, Rect: render.Dims{Width: 100, Height: 20}}
	exec, err := render.NewExecutor(render.NewTextSurface(1, 1), render.NewRectSurface(1, 1), faces, vp, logger)
	if err != nil {
		t.Fatal(err)
	}

	h := &harness{
		t:        t,
		loop:     loop.New(),
		req:      &frame.ManualRequester{},
		store:    storage.NewMemoryStore(),
		metrics:  metrics.New(prometheus.NewRegistry()),
		logs:     logs,
		readErrs: make(chan *loader.ReadError, 4),
	}
	h.bridge, err = New(Options{
		Runtime:   runtime,
		Executor:  exec,
		Poster:    h.loop,
		Requester: h.req,
		Clock:     frame.NewManualClock(time.Unix(1000, 0)),
		Store:     h.store,
		Cursor: CursorFunc(func(name string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.cursors = append(h.cursors, name)
		}),
		Errors: ErrorFunc(func(code protocol.FatalCode, message string) {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.fatals = append(h.fatals, fatalReport{code, message})
		}),
		Dialog: FileDialogFunc(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			h.dialogs++
		}),
		Theme:       StaticTheme(true),
		OnReadError: func(err *loader.ReadError) { h.readErrs <- err },
		Metrics:     h.metrics,
		Logger:      logger,
	})
	if err != nil {
		t.Fatal(err)
	}
	go h.loop.Run(ctx)
	return h
}

// do runs fn on the loop and waits for it.
func (h *harness) do(fn func()) {
	h.t.Helper()
	done := make(chan struct{})
	h.loop.Post(func() {
		defer close(done)
		fn()
	})
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		h.t.Fatal("timed out waiting for the loop")
	}
}

func (h *harness) start() {
	h.t.Helper()
	var err error
	h.do(func() {
		err = h.bridge.Start(context.Background(), &wasm.MemoryModuleSource{ModuleName: "bridge-guest", Data: bridgeGuest()})
	})
	if err != nil {
		h.t.Fatalf("Start() failed: %v", err)
	}
}

// call invokes a raw guest export on the loop.
func (h *harness) call(name string, args ...any) error {
	var err error
	h.do(func() {
		_, err = h.bridge.Module().Exports().Call(context.Background(), name, args...)
	})
	return err
}

func (h *harness) global(name string) uint64 {
	h.t.Helper()
	var g api.Global
	var v uint64
	h.do(func() {
		if g = h.bridge.Module().Exports().Global(name); g != nil {
			v = g.Get()
		}
	})
	if g == nil {
		h.t.Fatalf("guest has no global %s", name)
	}
	return v
}

func (h *harness) i32(name string) int32   { return int32(uint32(h.global(name))) }
func (h *harness) i64(name string) int64   { return int64(h.global(name)) }
func (h *harness) f64(name string) float64 { return api.DecodeF64(h.global(name)) }

// eventually polls cond on the loop until it holds.
func (h *harness) eventually(what string, cond func() bool) {
	h.t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		var ok bool
		h.do(func() { ok = cond() })
		if ok {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	h.t.Fatalf("timed out waiting for %s", what)
}

func (h *harness) snapshot() ([]string, []fatalReport) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cursors...), append([]fatalReport(nil), h.fatals...)
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Error("New() without runtime and executor should fail")
	}
}

func TestStartHandsOverStartupState(t *testing.T) {
	h := newHarness(t)
	h.start()

	if got := h.i32("build_hash"); got != h.bridge.Module().Hash {
		t.Errorf("build hash = %d, want %d", got, h.bridge.Module().Hash)
	}
	if got := h.f64("dpr"); got != 2 {
		t.Errorf("dpr = %v, want 2", got)
	}
	if h.i32("color_auto") != 1 || h.i32("color_dark") != 1 {
		t.Errorf("color mode = auto:%d dark:%d, want auto following the dark system theme",
			h.i32("color_auto"), h.i32("color_dark"))
	}
	if v, _ := h.store.Get(protocol.ColorModeKey); v != "auto" {
		t.Errorf("stored color mode = %q, want auto", v)
	}

	if h.bridge.Scheduler().State() != frame.Awake {
		t.Errorf("scheduler = %s, want awake after start", h.bridge.Scheduler().State())
	}
	h.do(func() { h.req.Fire() })

	if got := h.i32("frames"); got != 1 {
		t.Fatalf("frames = %d, want 1", got)
	}
	if got := h.f64("frame_w"); got != 100 {
		t.Errorf("frame width = %v, want 100 CSS px", got)
	}
	if h.bridge.Scheduler().State() != frame.Idle {
		t.Error("scheduler should idle once the guest stops animating")
	}
}

func TestStartFailureCollapses(t *testing.T) {
	h := newHarness(t)

	var err error
	h.do(func() {
		err = h.bridge.Start(context.Background(), &wasm.MemoryModuleSource{
			ModuleName: "broken",
			Data:       []byte{0x00, 0x61, 0x73, 0x6d, 0x01, 0x00, 0x00, 0x00, 0xff, 0xff},
		})
	})
	if err == nil {
		t.Fatal("Start() should fail for a corrupt binary")
	}
	var compErr *wasm.CompilationError
	if !errors.As(err, &compErr) {
		t.Errorf("expected CompilationError, got %T", err)
	}
	if h.bridge.Module() != nil {
		t.Error("no module should be produced")
	}

	_, fatals := h.snapshot()
	if len(fatals) != 1 {
		t.Fatalf("fatal reports = %d, want 1", len(fatals))
	}
	if fatals[0].code != protocol.FatalBug || fatals[0].message != protocol.FatalBug.Message() {
		t.Errorf("fatal = %+v, want the unspecified-fault message", fatals[0])
	}
	if err := h.bridge.MouseMove(context.Background(), 1, 1); !errors.Is(err, ErrCollapsed) {
		t.Errorf("relay after collapse = %v, want ErrCollapsed", err)
	}
}

func TestCursorUpdatesDeduplicated(t *testing.T) {
	h := newHarness(t)
	h.start()

	for _, name := range []string{"cursor_pointer", "cursor_pointer", "cursor_text"} {
		if err := h.call(name); err != nil {
			t.Fatalf("%s failed: %v", name, err)
		}
	}

	cursors, _ := h.snapshot()
	if len(cursors) != 2 || cursors[0] != "pointer" || cursors[1] != "text" {
		t.Errorf("cursor updates = %v, want [pointer text]", cursors)
	}
	if h.bridge.Cursor() != "text" {
		t.Errorf("Cursor() = %q", h.bridge.Cursor())
	}
	if got := testutil.ToFloat64(h.metrics.CursorUpdates); got != 2 {
		t.Errorf("cursor update metric = %v, want 2", got)
	}
}

func TestChunkedLoad(t *testing.T) {
	h := newHarness(t)
	h.start()
	src := bytes.NewReader([]byte("0123456789"))

	var err error
	h.do(func() { err = h.bridge.StartLoadingFile(context.Background(), "trace.spall", 10, src) })
	if err != nil {
		t.Fatalf("StartLoadingFile() failed: %v", err)
	}
	if got := h.i64("file_size"); got != 10 {
		t.Errorf("file size = %d, want 10", got)
	}

	h.eventually("first chunk", func() bool { return h.bridge.Loader().Current() != nil && chunksOf(h) == 1 })
	if got := h.i64("received"); got != 4 {
		t.Errorf("received = %d, want 4", got)
	}

	if err := h.call("request", 4.0, 100.0); err != nil {
		t.Fatal(err)
	}
	h.eventually("final chunk", func() bool { return chunksOf(h) == 2 })

	if got := h.i64("received"); got != 10 {
		t.Errorf("received = %d, want 10 with a short final chunk", got)
	}
	if got := h.f64("last_offset"); got != 4 {
		t.Errorf("last offset = %v, want 4", got)
	}
	if got := h.f64("last_total"); got != 10 {
		t.Errorf("total = %v, want 10", got)
	}
	if got := testutil.ToFloat64(h.metrics.ChunkBytes); got != 10 {
		t.Errorf("chunk bytes metric = %v, want 10", got)
	}
}

// chunksOf reads the chunk counter; it must run on the loop.
func chunksOf(h *harness) int32 {
	return int32(uint32(h.bridge.Module().Exports().Global("chunks").Get()))
}

type flakyReader struct {
	r     io.ReaderAt
	fails atomic.Int32
}

func (f *flakyReader) ReadAt(p []byte, off int64) (int, error) {
	if f.fails.Add(-1) >= 0 {
		return 0, errors.New("disk went away")
	}
	return f.r.ReadAt(p, off)
}

func TestChunkReadErrorCanBeRetried(t *testing.T) {
	h := newHarness(t)
	h.start()
	src := &flakyReader{r: bytes.NewReader([]byte("abcdefgh"))}
	src.fails.Store(1)

	h.do(func() {
		if err := h.bridge.StartLoadingFile(context.Background(), "flaky", 8, src); err != nil {
			t.Errorf("StartLoadingFile() failed: %v", err)
		}
	})

	select {
	case rerr := <-h.readErrs:
		if rerr.Offset != 0 || rerr.Size != 4 {
			t.Errorf("read error range = %d+%d", rerr.Offset, rerr.Size)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("no read error reported")
	}
	if h.bridge.Collapsed() {
		t.Fatal("a read error must not collapse the bridge")
	}

	h.do(func() {
		if err := h.bridge.RetryChunk(); err != nil {
			t.Errorf("RetryChunk() failed: %v", err)
		}
	})
	h.eventually("retried chunk", func() bool { return chunksOf(h) == 1 })
}

func TestSessionStorageAnswerIsDeferred(t *testing.T) {
	h := newHarness(t)
	h.start()

	var during int64 = -1
	h.do(func() {
		if _, err := h.bridge.Module().Exports().Call(context.Background(), "read_session"); err != nil {
			t.Errorf("read_session failed: %v", err)
		}
		during = int64(h.bridge.Module().Exports().Global("session_len").Get())
	})
	if during != 0 {
		t.Errorf("session result arrived inside the import call (len %d)", during)
	}

	// The deferred answer was posted behind the task above.
	n := h.i64("session_len")
	if n != 4 {
		t.Fatalf("session value length = %d, want 4", n)
	}
	ptr := uint32(h.i32("session_ptr"))
	var value string
	h.do(func() {
		value, _ = h.bridge.Module().Memory().String(ptr, uint32(n))
	})
	if value != "auto" {
		t.Errorf("session value = %q, want auto", value)
	}
}

func TestSetSessionStorage(t *testing.T) {
	h := newHarness(t)
	h.start()

	if err := h.call("write_session"); err != nil {
		t.Fatal(err)
	}
	if v, ok := h.store.Get("zoom"); !ok || v != "2.5" {
		t.Errorf("stored zoom = %q, %v", v, ok)
	}
}

func TestPushFatalCollapsesOnce(t *testing.T) {
	h := newHarness(t)
	h.start()

	if err := h.call("fatal"); err == nil {
		t.Error("the guest traps after reporting a fatal code")
	}

	_, fatals := h.snapshot()
	if len(fatals) != 1 {
		t.Fatalf("fatal reports = %d, want 1", len(fatals))
	}
	if fatals[0].code != protocol.FatalInvalidFile {
		t.Errorf("fatal code = %s, want invalid_file", fatals[0].code)
	}
	if h.bridge.Fatal() != protocol.FatalInvalidFile {
		t.Errorf("Fatal() = %s", h.bridge.Fatal())
	}
	if h.bridge.Scheduler().State() != frame.Failed {
		t.Errorf("scheduler = %s, want failed", h.bridge.Scheduler().State())
	}
	if got := testutil.ToFloat64(h.metrics.Fatals.WithLabelValues("3")); got != 1 {
		t.Errorf("fatal metric = %v, want 1", got)
	}

	h.do(func() { h.bridge.Collapse(errors.New("again")) })
	if _, fatals := h.snapshot(); len(fatals) != 1 {
		t.Error("a second collapse must not report again")
	}
}

func TestInputRelays(t *testing.T) {
	h := newHarness(t)
	h.start()
	h.do(func() { h.req.Fire() })
	ctx := context.Background()

	run := func(name string, fn func() error) {
		t.Helper()
		var err error
		h.do(func() { err = fn() })
		if err != nil {
			t.Fatalf("%s failed: %v", name, err)
		}
	}

	run("MouseMove", func() error { return h.bridge.MouseMove(ctx, 10, 20) })
	if got := h.f64("mouse_x"); got != 10 {
		t.Errorf("mouse x = %v, want 10", got)
	}
	if h.bridge.Scheduler().State() != frame.Awake {
		t.Error("input should wake the scheduler")
	}

	run("KeyDown", func() error { return h.bridge.KeyDown(ctx, "Enter") })
	if got := h.i32("last_key"); got != int32(protocol.KeyEnter) {
		t.Errorf("key = %d, want %d", got, protocol.KeyEnter)
	}
	events := h.i32("events")
	run("KeyDown plain", func() error { return h.bridge.KeyDown(ctx, "a") })
	if h.i32("events") != events {
		t.Error("plain keys are not forwarded")
	}

	run("Scroll", func() error { return h.bridge.Scroll(ctx, 0, 3, true) })
	if got := h.f64("scroll_y"); got != 60 {
		t.Errorf("scroll y = %v, want 3 lines of 20px", got)
	}

	run("TouchStart", func() error { return h.bridge.TouchStart(ctx, []Point{{0, 0}, {10, 0}}) })
	run("TouchMove", func() error { return h.bridge.TouchMove(ctx, []Point{{0, 0}, {20, 0}}) })
	if got := h.f64("zoom_y"); got != -20 {
		t.Errorf("pinch zoom = %v, want -20", got)
	}

	run("Blur", func() error { return h.bridge.Blur(ctx) })
	if h.i32("focused") != 0 {
		t.Error("blur not forwarded")
	}
	run("Focus", func() error { return h.bridge.Focus(ctx) })
	if h.i32("focused") != 1 {
		t.Error("focus not forwarded")
	}

	if got := h.bridge.Scheduler().Frames(); got != 1 {
		t.Errorf("frames = %d; relays must coalesce into the pending frame", got)
	}
}

func TestResizeUpdatesGuestAndSurfaces(t *testing.T) {
	h := newHarness(t)
	h.start()

	vp := render.Viewport{DPR: 1, Text: render.Dims{Width: 64, Height: 32}, Rect: render.Dims{Width: 64, Height: 8}}
	h.do(func() {
		if err := h.bridge.Resize(context.Background(), vp); err != nil {
			t.Errorf("Resize() failed: %v", err)
		}
	})
	if got := h.f64("dpr"); got != 1 {
		t.Errorf("dpr = %v, want 1", got)
	}
	h.do(func() {
		if w, hgt := h.bridge.Executor().TextSurface().Size(); w != 64 || hgt != 32 {
			t.Errorf("text surface = %dx%d", w, hgt)
		}
	})
}

func TestColorModes(t *testing.T) {
	h := newHarness(t)
	if err := h.store.Set(protocol.ColorModeKey, "light"); err != nil {
		t.Fatal(err)
	}
	h.start()
	ctx := context.Background()

	if h.i32("color_auto") != 0 || h.i32("color_dark") != 0 {
		t.Error("stored light mode should win over the dark system theme")
	}

	h.do(func() {
		if err := h.bridge.SystemThemeChanged(ctx, true); err != nil {
			t.Error(err)
		}
	})
	if h.i32("color_dark") != 0 {
		t.Error("system theme changes are ignored outside auto mode")
	}

	h.do(func() {
		if err := h.bridge.SetColorMode(ctx, protocol.ColorModeAuto); err != nil {
			t.Error(err)
		}
	})
	if h.i32("color_auto") != 1 || h.i32("color_dark") != 1 {
		t.Error("auto mode should follow the system theme")
	}

	h.do(func() {
		if err := h.bridge.SystemThemeChanged(ctx, false); err != nil {
			t.Error(err)
		}
	})
	if h.i32("color_dark") != 0 {
		t.Error("auto mode should track system theme changes")
	}
	if v, _ := h.store.Get(protocol.ColorModeKey); v != "auto" {
		t.Errorf("stored mode = %q", v)
	}
}

func TestGuestLogReachesLogger(t *testing.T) {
	h := newHarness(t)
	h.start()

	if err := h.call("log"); err != nil {
		t.Fatal(err)
	}
	if n := h.logs.FilterMessage(guestLogLine).Len(); n != 1 {
		t.Errorf("guest log lines = %d, want 1", n)
	}
}

func TestTouchTracker(t *testing.T) {
	var tr TouchTracker
	if d := tr.Move(Point{0, 0}, Point{3, 4}); d != 0 {
		t.Errorf("first move without a pinch = %v, want 0", d)
	}
	if d := tr.Move(Point{0, 0}, Point{6, 8}); d != 5 {
		t.Errorf("distance growth = %v, want 5", d)
	}
	tr.Reset()
	tr.Begin(Point{0, 0}, Point{10, 0})
	if d := tr.Move(Point{0, 0}, Point{4, 0}); d != -6 {
		t.Errorf("pinch in = %v, want -6", d)
	}
}

func TestCursorState(t *testing.T) {
	var c CursorState
	if !c.Update(protocol.CursorPointer) {
		t.Error("first cursor should apply")
	}
	if c.Update(protocol.CursorPointer) {
		t.Error("repeated cursor should be suppressed")
	}
	if !c.Update(protocol.CursorText) || c.Current() != protocol.CursorText {
		t.Error("new cursor should apply")
	}
}
