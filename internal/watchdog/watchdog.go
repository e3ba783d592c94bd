// Package watchdog detects a stalled game loop and terminates the process
// with diagnostics instead of leaving it frozen.
//
// The game loop owns the heartbeat side (UpdateHeartbeat, Pause, Resume) and
// the watchdog goroutine only reads it. Shared fields are atomics.
package watchdog

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/OCAP2/scenestream/internal/clock"
	"github.com/OCAP2/scenestream/pkg/core"
)

const (
	DefaultCheckInterval     = time.Second
	DefaultHeartbeatInterval = 100 * time.Millisecond
	DefaultCeiling           = 2 * time.Minute
	DefaultStatsInterval     = 5 * time.Second
)

// averageWindow is how much heartbeat history the moving average covers.
const averageWindow = 5 * time.Second

const (
	annotationLastHeartbeat = "deadlock_watchdog.lastHeartbeatAge"
	annotationMaxElapsed    = "deadlock_watchdog.maxElapsed"
	annotationAverageDelta  = "deadlock_watchdog.averageDelta"
)

// Config sets the watchdog cadence and ceiling. Zero fields take defaults.
type Config struct {
	Ceiling           time.Duration
	CheckInterval     time.Duration
	HeartbeatInterval time.Duration
	StatsInterval     time.Duration
}

func (c Config) withDefaults() Config {
	if c.Ceiling <= 0 {
		c.Ceiling = DefaultCeiling
	}
	if c.CheckInterval <= 0 {
		c.CheckInterval = DefaultCheckInterval
	}
	if c.HeartbeatInterval <= 0 {
		c.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if c.StatsInterval <= 0 {
		c.StatsInterval = DefaultStatsInterval
	}
	return c
}

// Annotator stores crash annotations and flushes them to disk.
type Annotator interface {
	Annotate(key, value string)
	WriteAnnotations() error
}

// StallRecorder persists a stall report.
type StallRecorder interface {
	RecordStall(r core.StallReport) error
}

// CrashFunc terminates the process after a stall has been reported.
type CrashFunc func(r core.StallReport)

// Option configures a Watchdog.
type Option func(*Watchdog)

// WithClock replaces the wall clock.
func WithClock(c clock.Clock) Option {
	return func(w *Watchdog) { w.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(w *Watchdog) { w.logger = l }
}

// WithAnnotator sets where crash annotations go.
func WithAnnotator(a Annotator) Option {
	return func(w *Watchdog) { w.annotator = a }
}

// WithStallRecorder sets where stall reports are stored.
func WithStallRecorder(r StallRecorder) Option {
	return func(w *Watchdog) { w.recorder = r }
}

// WithCrashFunc replaces the termination step.
func WithCrashFunc(fn CrashFunc) Option {
	return func(w *Watchdog) { w.crash = fn }
}

// Watchdog is the explicitly owned heartbeat record plus its monitor.
type Watchdog struct {
	cfg       Config
	clock     clock.Clock
	logger    *slog.Logger
	annotator Annotator
	recorder  StallRecorder
	crash     CrashFunc

	// Written by the game loop.
	lastHeartbeat atomic.Int64
	paused        atomic.Bool
	deltas        []atomic.Int64
	deltaCount    atomic.Uint64

	// Watchdog goroutine only.
	maxElapsed time.Duration
	lastStats  time.Time
	tripped    bool

	stopChan chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool
	stalls   atomic.Uint64
}

// New creates a watchdog with the heartbeat set to now.
func New(cfg Config, opts ...Option) *Watchdog {
	cfg = cfg.withDefaults()
	w := &Watchdog{
		cfg:    cfg,
		clock:  clock.Real{},
		logger: slog.Default(),
		deltas: make([]atomic.Int64, max(int(averageWindow/cfg.HeartbeatInterval), 1)),
	}
	for _, opt := range opts {
		opt(w)
	}
	if w.crash == nil {
		logger := w.logger
		w.crash = func(r core.StallReport) { crashProcess(logger, r) }
	}
	w.lastHeartbeat.Store(w.clock.Now().UnixNano())
	return w
}

// Config returns the effective configuration.
func (w *Watchdog) Config() Config { return w.cfg }

// UpdateHeartbeat marks the game loop alive. Game loop only.
func (w *Watchdog) UpdateHeartbeat() {
	now := w.clock.Now().UnixNano()
	prev := w.lastHeartbeat.Swap(now)
	n := w.deltaCount.Add(1) - 1
	w.deltas[n%uint64(len(w.deltas))].Store(now - prev)
}

// Pause suspends stall detection around a long but bounded blocking call.
func (w *Watchdog) Pause() {
	w.paused.Store(true)
}

// Resume refreshes the heartbeat before clearing the pause so the paused
// time is not counted as a stall.
func (w *Watchdog) Resume() {
	w.UpdateHeartbeat()
	w.paused.Store(false)
}

// Paused reports whether detection is suspended.
func (w *Watchdog) Paused() bool {
	return w.paused.Load()
}

// LastHeartbeatAge returns how long ago the last heartbeat happened.
func (w *Watchdog) LastHeartbeatAge(now time.Time) time.Duration {
	return time.Duration(now.UnixNano() - w.lastHeartbeat.Load())
}

// AverageDelta is the mean interval between recent heartbeats.
func (w *Watchdog) AverageDelta() time.Duration {
	n := min(w.deltaCount.Load(), uint64(len(w.deltas)))
	if n == 0 {
		return 0
	}
	var sum int64
	for i := uint64(0); i < n; i++ {
		sum += w.deltas[i].Load()
	}
	return time.Duration(sum / int64(n))
}

// Stalls counts detected stalls.
func (w *Watchdog) Stalls() uint64 {
	return w.stalls.Load()
}

// Check runs one watchdog pass at now and reports whether a stall was
// detected. Start calls it once per CheckInterval.
func (w *Watchdog) Check(now time.Time) bool {
	if w.paused.Load() {
		return false
	}

	age := w.LastHeartbeatAge(now)
	if age > w.maxElapsed {
		w.maxElapsed = age
	}

	if now.Sub(w.lastStats) >= w.cfg.StatsInterval {
		w.lastStats = now
		w.logger.Debug("watchdog stats",
			"lastHeartbeatAge", age,
			"maxElapsed", w.maxElapsed,
			"averageDelta", w.AverageDelta())
	}

	if age <= w.cfg.Ceiling {
		w.tripped = false
		return false
	}
	if w.tripped {
		return true
	}
	w.tripped = true
	w.stalls.Add(1)

	report := core.StallReport{
		Time:             now,
		LastHeartbeatAge: age,
		MaxElapsed:       w.maxElapsed,
		AverageDelta:     w.AverageDelta(),
		Ceiling:          w.cfg.Ceiling,
		Terminated:       crashEnabled,
	}
	w.logger.Error("game loop stalled",
		"lastHeartbeatAge", report.LastHeartbeatAge,
		"maxElapsed", report.MaxElapsed,
		"averageDelta", report.AverageDelta,
		"ceiling", report.Ceiling)

	if w.annotator != nil {
		w.annotator.Annotate(annotationLastHeartbeat, report.LastHeartbeatAge.String())
		w.annotator.Annotate(annotationMaxElapsed, report.MaxElapsed.String())
		w.annotator.Annotate(annotationAverageDelta, report.AverageDelta.String())
		if err := w.annotator.WriteAnnotations(); err != nil {
			w.logger.Error("failed to write crash annotations", "error", err)
		}
	}
	if w.recorder != nil {
		if err := w.recorder.RecordStall(report); err != nil {
			w.logger.Error("failed to record stall", "error", err)
		}
	}

	w.crash(report)
	return true
}

// Start runs the watchdog goroutine.
func (w *Watchdog) Start() error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watchdog already running")
	}
	w.stopChan = make(chan struct{})
	w.wg.Add(1)
	go w.loop(w.stopChan)
	w.logger.Info("deadlock watchdog started",
		"ceiling", w.cfg.Ceiling,
		"checkInterval", w.cfg.CheckInterval,
		"crashEnabled", crashEnabled)
	return nil
}

func (w *Watchdog) loop(stop <-chan struct{}) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.CheckInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			w.Check(w.clock.Now())
		}
	}
}

// Stop halts the watchdog goroutine.
func (w *Watchdog) Stop() {
	if !w.running.CompareAndSwap(true, false) {
		return
	}
	close(w.stopChan)
	w.wg.Wait()
}

// IsRunning reports whether the watchdog goroutine is active.
func (w *Watchdog) IsRunning() bool {
	return w.running.Load()
}
