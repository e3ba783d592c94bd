package monitor

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/OCAP2/scenestream/internal/channel"
	"github.com/OCAP2/scenestream/internal/influx"
	"github.com/OCAP2/scenestream/internal/model/convert"
	"github.com/OCAP2/scenestream/internal/storage"
	"github.com/OCAP2/scenestream/pkg/core"
)

// DefaultBuffer is how many records may wait for the writer goroutine.
const DefaultBuffer = 64

// PointWriter accepts InfluxDB points.
type PointWriter interface {
	WritePoint(point *influxdb2_write.Point) error
}

// Dependencies holds all dependencies for the monitor service
type Dependencies struct {
	Storage    storage.Backend
	Influx     PointWriter
	StatusFile string
	Logger     *slog.Logger
	Buffer     int
}

// record is one unit of work for the writer goroutine.
type record struct {
	snapshot   *core.StatusSnapshot
	transition *core.LandingTransition
}

// Service takes snapshots and landing transitions from the game loop and
// writes them to the status file, storage and InfluxDB on its own goroutine.
// The game loop never blocks on it; records arriving while the buffer is
// full are dropped and counted.
type Service struct {
	deps    Dependencies
	records *channel.Buffered[record]

	mu       sync.Mutex
	running  bool
	stopChan chan struct{}
	done     chan struct{}

	latest  atomic.Pointer[core.StatusSnapshot]
	written atomic.Uint64
	dropped atomic.Uint64
}

// NewService creates a new monitor service
func NewService(deps Dependencies) *Service {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Buffer <= 0 {
		deps.Buffer = DefaultBuffer
	}
	return &Service{
		deps:    deps,
		records: channel.NewBuffered[record](deps.Buffer),
	}
}

// Publish hands a snapshot to the writer. It returns false if it was dropped.
func (s *Service) Publish(snap core.StatusSnapshot) bool {
	s.latest.Store(&snap)
	if !s.records.TrySend(record{snapshot: &snap}) {
		s.dropped.Add(1)
		return false
	}
	return true
}

// LandingTransition records a safe-landing state change.
func (s *Service) LandingTransition(t core.LandingTransition) {
	s.deps.Logger.Info("Safe landing transition",
		"from", t.From, "to", t.To, "reason", t.Reason, "fullSceneReceived", t.FullSceneReceived)
	if !s.records.TrySend(record{transition: &t}) {
		s.dropped.Add(1)
	}
}

// Latest returns the most recently published snapshot.
func (s *Service) Latest() (core.StatusSnapshot, bool) {
	p := s.latest.Load()
	if p == nil {
		return core.StatusSnapshot{}, false
	}
	return *p, true
}

// Written returns how many records reached the writer.
func (s *Service) Written() uint64 {
	return s.written.Load()
}

// Dropped returns how many records were dropped because the buffer was full.
func (s *Service) Dropped() uint64 {
	return s.dropped.Load()
}

// IsRunning returns whether the writer goroutine is running
func (s *Service) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Start starts the writer goroutine
func (s *Service) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return nil
	}
	if s.deps.StatusFile != "" {
		if err := os.MkdirAll(filepath.Dir(s.deps.StatusFile), 0755); err != nil {
			return fmt.Errorf("failed to create status dir: %w", err)
		}
	}
	s.running = true
	s.stopChan = make(chan struct{})
	s.done = make(chan struct{})
	go s.run(s.stopChan, s.done)
	return nil
}

// Stop drains buffered records and stops the writer goroutine.
func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopChan)
	done := s.done
	s.mu.Unlock()
	<-done
}

func (s *Service) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	s.deps.Logger.Debug("Starting status monitor goroutine")

	for {
		select {
		case r := <-s.records.Receive():
			s.write(r)
		case <-stop:
			for {
				select {
				case r := <-s.records.Receive():
					s.write(r)
				default:
					return
				}
			}
		}
	}
}

func (s *Service) write(r record) {
	s.written.Add(1)
	switch {
	case r.snapshot != nil:
		s.writeSnapshot(*r.snapshot)
	case r.transition != nil:
		s.writeTransition(*r.transition)
	}
}

func (s *Service) writeSnapshot(snap core.StatusSnapshot) {
	logger := s.deps.Logger

	if s.deps.StatusFile != "" {
		if err := writeStatusFile(s.deps.StatusFile, snap); err != nil {
			logger.Error("Error writing status file", "error", err)
		}
	}
	if s.deps.Storage != nil {
		if err := s.deps.Storage.RecordSnapshot(snap); err != nil {
			logger.Error("Error storing status snapshot", "error", err)
		}
	}
	if s.deps.Influx != nil {
		if err := s.deps.Influx.WritePoint(influx.SnapshotPoint(snap)); err != nil {
			logger.Debug("Error writing status point", "error", err)
		}
	}
}

func (s *Service) writeTransition(t core.LandingTransition) {
	logger := s.deps.Logger

	if s.deps.Storage != nil {
		if err := s.deps.Storage.RecordLandingTransition(t); err != nil {
			logger.Error("Error storing landing transition", "error", err)
		}
	}
	if s.deps.Influx != nil {
		if err := s.deps.Influx.WritePoint(influx.TransitionPoint(t)); err != nil {
			logger.Debug("Error writing landing point", "error", err)
		}
	}
}

// writeStatusFile replaces the status file with the JSON form of snap.
func writeStatusFile(path string, snap core.StatusSnapshot) error {
	data, err := json.MarshalIndent(convert.CoreToSnapshot(snap), "", "  ")
	if err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, append(data, '\n'), 0644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
