// Package scheduler runs periodic work from a single game-loop tick instead
// of independent timers. Each task fires when its interval has elapsed since
// it last ran, measured against the time passed to Tick.
package scheduler

import "time"

// TaskFunc is invoked with the tick time.
type TaskFunc func(now time.Time)

type task struct {
	name     string
	interval time.Duration
	fn       TaskFunc
	last     time.Time
	armed    bool
	runs     uint64
}

// Scheduler holds tasks in registration order. It is not safe for
// concurrent use; it belongs to the game-loop goroutine.
type Scheduler struct {
	tasks []*task
}

// New creates an empty scheduler.
func New() *Scheduler {
	return &Scheduler{}
}

// Every registers fn to run each interval. The first run happens one full
// interval after the first Tick.
func (s *Scheduler) Every(name string, interval time.Duration, fn TaskFunc) {
	s.tasks = append(s.tasks, &task{name: name, interval: interval, fn: fn})
}

// Tick runs every due task and returns how many ran. A late tick runs a
// task once; missed periods are not replayed.
func (s *Scheduler) Tick(now time.Time) int {
	ran := 0
	for _, t := range s.tasks {
		if !t.armed {
			t.last = now
			t.armed = true
			continue
		}
		if now.Sub(t.last) < t.interval {
			continue
		}
		t.last = now
		t.runs++
		t.fn(now)
		ran++
	}
	return ran
}

// Runs returns how many times the named task has run.
func (s *Scheduler) Runs(name string) uint64 {
	for _, t := range s.tasks {
		if t.name == name {
			return t.runs
		}
	}
	return 0
}
