package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

// ErrQueueFull is returned when a non-blocking buffered handler drops a packet.
var ErrQueueFull = errors.New("handler queue full")

// Event is one inbound packet from a remote node.
type Event struct {
	Node     uuid.UUID
	Packet   protocol.Packet
	Received time.Time
}

// HandlerFunc processes an event.
type HandlerFunc func(Event) error

// Logger interface for pluggable logging.
type Logger interface {
	Debug(msg string, keysAndValues ...any)
	Info(msg string, keysAndValues ...any)
	Error(msg string, keysAndValues ...any)
}

// Option configures handler registration.
type Option func(*config)

type config struct {
	bufferSize int
	blocking   bool
	logged     bool
}

// Buffered makes the handler async with a queue of the given size.
func Buffered(size int) Option {
	return func(c *config) {
		c.bufferSize = size
	}
}

// Blocking makes a buffered handler block when the queue is full instead of dropping.
func Blocking() Option {
	return func(c *config) {
		c.blocking = true
	}
}

// Logged adds debug logging to the handler.
func Logged() Option {
	return func(c *config) {
		c.logged = true
	}
}

// Dispatcher routes inbound packets to handlers by packet type.
type Dispatcher struct {
	handlers map[protocol.PacketType]HandlerFunc
	logger   Logger

	// OTEL metrics
	queueSize metric.Int64ObservableGauge
	processed metric.Int64Counter
	dropped   metric.Int64Counter

	// Track buffers for gauge callback
	mu      sync.RWMutex
	buffers map[protocol.PacketType]chan Event
	wg      sync.WaitGroup
}

// New creates a new Dispatcher with the given logger. Metrics go to m, or to
// the global OTel meter when m is nil.
func New(logger Logger, m metric.Meter) (*Dispatcher, error) {
	d := &Dispatcher{
		handlers: make(map[protocol.PacketType]HandlerFunc),
		buffers:  make(map[protocol.PacketType]chan Event),
		logger:   logger,
	}

	m = meterOrGlobal(m)

	var err error

	d.queueSize, err = m.Int64ObservableGauge(
		"dispatcher.queue.size",
		metric.WithDescription("Current number of packets waiting for a buffered handler"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating queue size gauge: %w", err)
	}

	_, err = m.RegisterCallback(
		func(ctx context.Context, o metric.Observer) error {
			d.mu.RLock()
			defer d.mu.RUnlock()
			for pt, buf := range d.buffers {
				o.ObserveInt64(d.queueSize, int64(len(buf)),
					metric.WithAttributes(attribute.String("packet_type", pt.String())))
			}
			return nil
		},
		d.queueSize,
	)
	if err != nil {
		return nil, fmt.Errorf("registering queue callback: %w", err)
	}

	d.processed, err = m.Int64Counter(
		"dispatcher.packets.processed",
		metric.WithDescription("Total packets handled"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating processed counter: %w", err)
	}

	d.dropped, err = m.Int64Counter(
		"dispatcher.packets.dropped",
		metric.WithDescription("Total packets dropped due to full queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating dropped counter: %w", err)
	}

	return d, nil
}

// Register adds a handler for the given packet type with optional configuration.
func (d *Dispatcher) Register(pt protocol.PacketType, h HandlerFunc, opts ...Option) {
	cfg := &config{}
	for _, opt := range opts {
		opt(cfg)
	}

	handler := h

	if cfg.bufferSize > 0 {
		handler = d.withBuffer(pt, cfg.bufferSize, cfg.blocking, handler)
	} else {
		handler = d.counted(pt, handler)
	}

	if cfg.logged {
		handler = d.withLogging(pt, handler)
	}

	d.handlers[pt] = handler
}

// Dispatch routes an event to its registered handler.
func (d *Dispatcher) Dispatch(e Event) error {
	h, ok := d.handlers[e.Packet.Type]
	if !ok {
		return fmt.Errorf("%w: %s", protocol.ErrUnknownPacketType, e.Packet.Type)
	}
	return h(e)
}

// HasHandler returns true if a handler is registered for the packet type.
func (d *Dispatcher) HasHandler(pt protocol.PacketType) bool {
	_, ok := d.handlers[pt]
	return ok
}

// Close stops the buffered handlers after their queues drain. Dispatch must
// not be called afterwards.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	for pt, buf := range d.buffers {
		close(buf)
		delete(d.buffers, pt)
	}
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *Dispatcher) counted(pt protocol.PacketType, h HandlerFunc) HandlerFunc {
	attr := metric.WithAttributes(attribute.String("packet_type", pt.String()))
	return func(e Event) error {
		err := h(e)
		d.processed.Add(context.Background(), 1, attr)
		return err
	}
}

func (d *Dispatcher) withBuffer(pt protocol.PacketType, size int, blocking bool, h HandlerFunc) HandlerFunc {
	buffer := make(chan Event, size)

	d.mu.Lock()
	d.buffers[pt] = buffer
	d.mu.Unlock()

	attr := metric.WithAttributes(attribute.String("packet_type", pt.String()))

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		for e := range buffer {
			if err := h(e); err != nil {
				d.logger.Error("buffered handler failed", "packetType", pt.String(), "node", e.Node, "error", err)
			}
			d.processed.Add(context.Background(), 1, attr)
		}
	}()

	if blocking {
		return func(e Event) error {
			buffer <- e
			return nil
		}
	}

	return func(e Event) error {
		select {
		case buffer <- e:
			return nil
		default:
			d.dropped.Add(context.Background(), 1, attr)
			return fmt.Errorf("%w: %s", ErrQueueFull, pt)
		}
	}
}

func (d *Dispatcher) withLogging(pt protocol.PacketType, h HandlerFunc) HandlerFunc {
	return func(e Event) error {
		start := time.Now()
		d.logger.Debug("handling packet", "packetType", pt.String(), "node", e.Node, "seq", e.Packet.Sequence, "bytes", len(e.Packet.Payload))

		err := h(e)

		if err != nil {
			d.logger.Error("packet failed", "packetType", pt.String(), "duration", time.Since(start), "error", err)
		} else {
			d.logger.Debug("packet complete", "packetType", pt.String(), "duration", time.Since(start))
		}

		return err
	}
}
