// Package gormstorage implements storage.Backend on top of GORM. Records are
// queued and written in batches by a background goroutine; the driver
// specific packages only open the connection.
package gormstorage

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/OCAP2/scenestream/internal/database"
	"github.com/OCAP2/scenestream/internal/model"
	"github.com/OCAP2/scenestream/internal/model/convert"
	"github.com/OCAP2/scenestream/internal/queue"
	"github.com/OCAP2/scenestream/pkg/core"
)

// DefaultFlushInterval is how often queued records are written.
const DefaultFlushInterval = 2 * time.Second

// Dependencies holds all dependencies for the GORM storage backend.
type Dependencies struct {
	DB            *gorm.DB
	Logger        *slog.Logger
	FlushInterval time.Duration
}

// queues holds all the write queues for batch DB insertion.
type queues struct {
	Snapshots   *queue.Queue[model.StatusSnapshot]
	Transitions *queue.Queue[model.LandingTransition]
}

func newQueues() *queues {
	return &queues{
		Snapshots:   queue.New[model.StatusSnapshot](),
		Transitions: queue.New[model.LandingTransition](),
	}
}

// Backend implements storage.Backend using GORM with queue-based batch writes.
type Backend struct {
	deps     Dependencies
	queues   *queues
	stopChan chan struct{}
	wg       sync.WaitGroup
	once     sync.Once
}

// New creates a new GORM storage backend.
func New(deps Dependencies) *Backend {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.FlushInterval <= 0 {
		deps.FlushInterval = DefaultFlushInterval
	}
	return &Backend{
		deps:   deps,
		queues: newQueues(),
	}
}

// DB returns the underlying connection.
func (b *Backend) DB() *gorm.DB {
	return b.deps.DB
}

// Init runs schema migration and starts the DB writer goroutine.
func (b *Backend) Init() error {
	if b.deps.DB == nil {
		return fmt.Errorf("gorm backend: no database connection")
	}
	b.deps.Logger.Info("Migrating schema", "dialect", b.deps.DB.Name())
	if err := database.Migrate(b.deps.DB); err != nil {
		return err
	}

	b.stopChan = make(chan struct{})
	b.wg.Add(1)
	go b.writeLoop()
	return nil
}

// Close stops the writer goroutine after a final flush.
func (b *Backend) Close() error {
	b.once.Do(func() {
		if b.stopChan != nil {
			close(b.stopChan)
			b.wg.Wait()
		}
	})
	return nil
}

// RecordSnapshot converts and queues a snapshot.
func (b *Backend) RecordSnapshot(s core.StatusSnapshot) error {
	b.queues.Snapshots.Push(convert.CoreToSnapshot(s))
	return nil
}

// RecordLandingTransition converts and queues a landing transition.
func (b *Backend) RecordLandingTransition(t core.LandingTransition) error {
	b.queues.Transitions.Push(convert.CoreToLandingTransition(t))
	return nil
}

// RecordStall writes a stall report synchronously; the process is likely
// about to terminate.
func (b *Backend) RecordStall(r core.StallReport) error {
	if b.deps.DB == nil {
		return nil
	}
	m := convert.CoreToStallReport(r)
	if err := b.deps.DB.Create(&m).Error; err != nil {
		return fmt.Errorf("failed to insert stall report: %w", err)
	}
	return nil
}

// Flush writes every queued record now.
func (b *Backend) Flush() error {
	db := b.deps.DB
	if db == nil {
		return nil
	}
	if snaps := b.queues.Snapshots.GetAndEmpty(); len(snaps) > 0 {
		if err := db.CreateInBatches(&snaps, 500).Error; err != nil {
			return fmt.Errorf("failed to insert %d snapshots: %w", len(snaps), err)
		}
	}
	if trans := b.queues.Transitions.GetAndEmpty(); len(trans) > 0 {
		if err := db.CreateInBatches(&trans, 500).Error; err != nil {
			return fmt.Errorf("failed to insert %d landing transitions: %w", len(trans), err)
		}
	}
	return nil
}

func (b *Backend) writeLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.deps.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.stopChan:
			if err := b.Flush(); err != nil {
				b.deps.Logger.Error("Final storage flush failed", "error", err)
			}
			return
		case <-ticker.C:
			start := time.Now()
			if err := b.Flush(); err != nil {
				b.deps.Logger.Error("Storage flush failed", "error", err)
				continue
			}
			b.deps.Logger.Debug("Storage flushed", "duration", time.Since(start))
		}
	}
}
