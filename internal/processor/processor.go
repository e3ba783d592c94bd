// Package processor holds inbound packets between the network receive path
// and their handlers. The receive path enqueues raw frames per node; a single
// goroutine drains the queues, decodes the header and dispatches.
package processor

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/OCAP2/scenestream/internal/channel"
	"github.com/OCAP2/scenestream/internal/clock"
	"github.com/OCAP2/scenestream/internal/dispatcher"
	"github.com/OCAP2/scenestream/internal/queue"
	"github.com/OCAP2/scenestream/pkg/protocol"
)

const (
	// DefaultQueueLimit caps the frames held for one node.
	DefaultQueueLimit = 4096

	// pollInterval is the fallback wake-up when a signal was missed.
	pollInterval = 50 * time.Millisecond
)

// Dispatcher routes a decoded packet.
type Dispatcher interface {
	Dispatch(dispatcher.Event) error
}

type frame struct {
	data     []byte
	received time.Time
}

type nodeQueue struct {
	frames *queue.Queue[frame]
	busy   atomic.Bool
}

// Stats are cumulative processor counters.
type Stats struct {
	Processed uint64
	Malformed uint64
	Failed    uint64
	Evicted   uint64
}

// Processor is safe for concurrent Enqueue from many receive goroutines.
type Processor struct {
	dispatch Dispatcher
	clock    clock.Clock
	logger   *slog.Logger
	limit    int

	mu     sync.RWMutex
	queues map[uuid.UUID]*nodeQueue

	wake     channel.Channel[struct{}]
	stopChan chan struct{}
	wg       sync.WaitGroup
	running  atomic.Bool

	processed atomic.Uint64
	malformed atomic.Uint64
	failed    atomic.Uint64
	evicted   atomic.Uint64
}

// New creates a processor. A nil clock uses the wall clock; limit <= 0 uses
// DefaultQueueLimit.
func New(d Dispatcher, clk clock.Clock, logger *slog.Logger, limit int) *Processor {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	if limit <= 0 {
		limit = DefaultQueueLimit
	}
	return &Processor{
		dispatch: d,
		clock:    clk,
		logger:   logger,
		limit:    limit,
		queues:   make(map[uuid.UUID]*nodeQueue),
		wake:     channel.New[struct{}](1),
	}
}

// Enqueue stores a raw frame from node for later processing.
func (p *Processor) Enqueue(node uuid.UUID, raw []byte) {
	nq := p.queueFor(node)
	if n := nq.frames.Push(frame{data: raw, received: p.clock.Now()}); n > 0 {
		p.evicted.Add(uint64(n))
	}
	p.wake.TrySend(struct{}{})
}

func (p *Processor) queueFor(node uuid.UUID) *nodeQueue {
	p.mu.RLock()
	nq, ok := p.queues[node]
	p.mu.RUnlock()
	if ok {
		return nq
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if nq, ok = p.queues[node]; ok {
		return nq
	}
	nq = &nodeQueue{frames: queue.NewBounded[frame](p.limit)}
	p.queues[node] = nq
	return nq
}

// HasPendingPacketsForNode reports whether frames from node are queued or
// being handled right now.
func (p *Processor) HasPendingPacketsForNode(node uuid.UUID) bool {
	p.mu.RLock()
	nq, ok := p.queues[node]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return nq.busy.Load() || !nq.frames.Empty()
}

// PendingCount returns the number of queued frames across all nodes.
func (p *Processor) PendingCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	total := 0
	for _, nq := range p.queues {
		total += nq.frames.Len()
	}
	return total
}

// RemoveNode discards the queue of a disconnected node.
func (p *Processor) RemoveNode(node uuid.UUID) {
	p.mu.Lock()
	nq, ok := p.queues[node]
	delete(p.queues, node)
	p.mu.Unlock()
	if ok {
		nq.frames.Clear()
	}
}

// ProcessPending drains every node queue on the calling goroutine and
// returns the number of frames handled.
func (p *Processor) ProcessPending() int {
	p.mu.RLock()
	nodes := make(map[uuid.UUID]*nodeQueue, len(p.queues))
	for id, nq := range p.queues {
		nodes[id] = nq
	}
	p.mu.RUnlock()

	handled := 0
	for id, nq := range nodes {
		handled += p.drain(id, nq)
	}
	return handled
}

func (p *Processor) drain(node uuid.UUID, nq *nodeQueue) int {
	nq.busy.Store(true)
	defer nq.busy.Store(false)

	handled := 0
	for {
		f, ok := nq.frames.Pop()
		if !ok {
			return handled
		}
		handled++
		p.handle(node, f)
	}
}

func (p *Processor) handle(node uuid.UUID, f frame) {
	pkt, err := protocol.Unmarshal(f.data)
	if err != nil {
		p.malformed.Add(1)
		p.logger.Debug("dropping malformed frame", "node", node, "bytes", len(f.data), "error", err)
		return
	}
	p.processed.Add(1)
	if err := p.dispatch.Dispatch(dispatcher.Event{Node: node, Packet: pkt, Received: f.received}); err != nil {
		p.failed.Add(1)
		p.logger.Debug("packet not handled", "node", node, "packetType", pkt.Type.String(), "seq", pkt.Sequence, "error", err)
	}
}

// Stats returns the cumulative counters.
func (p *Processor) Stats() Stats {
	return Stats{
		Processed: p.processed.Load(),
		Malformed: p.malformed.Load(),
		Failed:    p.failed.Load(),
		Evicted:   p.evicted.Load(),
	}
}

// Start runs the processing goroutine until ctx is done or Stop is called.
func (p *Processor) Start(ctx context.Context) {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	p.stopChan = make(chan struct{})
	p.wg.Add(1)
	go p.loop(ctx, p.stopChan)
}

func (p *Processor) loop(ctx context.Context, stop <-chan struct{}) {
	defer p.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// A closed stop means Stop already owns the flag.
			select {
			case <-stop:
			default:
				p.running.CompareAndSwap(true, false)
			}
			return
		case <-stop:
			return
		case <-p.wake.Receive():
		case <-ticker.C:
		}
		p.ProcessPending()
	}
}

// Stop halts the processing goroutine and waits for it to exit. It is safe
// to call after the start context was cancelled.
func (p *Processor) Stop() {
	if p.running.CompareAndSwap(true, false) {
		close(p.stopChan)
	}
	p.wg.Wait()
}

// IsRunning reports whether the processing goroutine is active.
func (p *Processor) IsRunning() bool {
	return p.running.Load()
}
