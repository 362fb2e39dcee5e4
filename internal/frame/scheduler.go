// Package frame implements the cooperative frame scheduler. The guest is
// called once per refresh while it reports that it is still animating and
// is otherwise left alone until something wakes the scheduler up.
package frame

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/woxQAQ/canvas-bridge/internal/metrics"
)

// State is the scheduler state.
type State int

const (
	// Idle means no frame is scheduled.
	Idle State = iota
	// Awake means a frame is scheduled or the guest is animating.
	Awake
	// Failed is terminal; no further frames run.
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Awake:
		return "awake"
	case Failed:
		return "failed"
	default:
		return "unknown"
	}
}

// Input is what the guest receives for each frame. Width and height are in
// CSS pixels, times in seconds.
type Input struct {
	Width  float64
	Height float64
	Delta  float64
	Now    float64
}

// Func calls the guest frame entry point and reports whether it is still
// animating.
type Func func(ctx context.Context, in Input) (bool, error)

// Options configures a Scheduler.
type Options struct {
	Frame     Func
	Size      func() (width, height float64)
	Requester Requester
	Clock     Clock
	// OnFail is called once when a frame fails.
	OnFail  func(error)
	Metrics *metrics.Metrics
	Logger  *zap.Logger
}

// Scheduler is the two-state frame loop with a terminal failure state.
type Scheduler struct {
	mu     sync.Mutex
	state  State
	last   time.Time
	frames int

	frame     Func
	size      func() (float64, float64)
	requester Requester
	clock     Clock
	onFail    func(error)
	metrics   *metrics.Metrics
	logger    *zap.Logger
}

// New creates an idle scheduler. The first frame's delta is measured from
// the time of creation.
func New(opts Options) *Scheduler {
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Size == nil {
		opts.Size = func() (float64, float64) { return 0, 0 }
	}
	return &Scheduler{
		state:     Idle,
		last:      opts.Clock.Now(),
		frame:     opts.Frame,
		size:      opts.Size,
		requester: opts.Requester,
		clock:     opts.Clock,
		onFail:    opts.OnFail,
		metrics:   opts.Metrics,
		logger:    opts.Logger.With(zap.String("component", "frame-scheduler")),
	}
}

// WakeUp schedules a frame unless one is already scheduled. Bursts of wake
// requests before the next refresh produce exactly one frame.
func (s *Scheduler) WakeUp() {
	s.mu.Lock()
	if s.state != Idle {
		s.mu.Unlock()
		s.metrics.RecordWakeUp(true)
		return
	}
	s.state = Awake
	s.mu.Unlock()

	s.metrics.RecordWakeUp(false)
	s.requester.Request(s.tick)
}

// Halt stops the loop for good.
func (s *Scheduler) Halt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Failed
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Frames returns the number of frames run.
func (s *Scheduler) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func seconds(t time.Time) float64 {
	return float64(t.UnixNano()) / float64(time.Second)
}

// tick runs one frame. It is the refresh callback and runs on the loop.
func (s *Scheduler) tick() {
	s.mu.Lock()
	if s.state != Awake {
		s.mu.Unlock()
		return
	}
	now := s.clock.Now()
	in := Input{
		Delta: now.Sub(s.last).Seconds(),
		Now:   seconds(now),
	}
	s.mu.Unlock()

	in.Width, in.Height = s.size()

	start := time.Now()
	animating, err := s.frame(context.Background(), in)
	s.metrics.RecordFrame(time.Since(start))

	s.mu.Lock()
	s.frames++
	if err != nil {
		wasFailed := s.state == Failed
		s.state = Failed
		s.mu.Unlock()

		s.metrics.RecordFrameFailure()
		s.logger.Error("Frame failed, stopping the frame loop", zap.Error(err))
		if !wasFailed && s.onFail != nil {
			s.onFail(err)
		}
		return
	}

	s.last = now
	if s.state != Awake {
		// Halted from inside the frame.
		s.mu.Unlock()
		return
	}
	if !animating {
		s.state = Idle
		s.mu.Unlock()
		return
	}
	s.mu.Unlock()
	s.requester.Request(s.tick)
}
