package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"

	"github.com/OCAP2/scenestream/pkg/protocol"
)

// testLogger implements Logger for testing
type testLogger struct {
	mu       sync.Mutex
	messages []string
}

func (l *testLogger) Debug(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("DEBUG: %s %v", msg, keysAndValues))
}

func (l *testLogger) Info(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("INFO: %s %v", msg, keysAndValues))
}

func (l *testLogger) Error(msg string, keysAndValues ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.messages = append(l.messages, fmt.Sprintf("ERROR: %s %v", msg, keysAndValues))
}

func newTestDispatcher(t *testing.T) (*Dispatcher, *testLogger) {
	logger := &testLogger{}

	d, err := New(logger, nil)
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}

	return d, logger
}

func event(pt protocol.PacketType, seq protocol.SequenceNumber) Event {
	return Event{
		Node:     uuid.New(),
		Packet:   protocol.Packet{Type: pt, Sequence: seq, Payload: []byte{1, 2, 3}},
		Received: time.Now(),
	}
}

func TestDispatcher_SyncHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	var got protocol.SequenceNumber
	d.Register(protocol.PacketTypeEntityData, func(e Event) error {
		got = e.Packet.Sequence
		return nil
	})

	if err := d.Dispatch(event(protocol.PacketTypeEntityData, 42)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if got != 42 {
		t.Errorf("expected sequence 42, got %d", got)
	}
}

func TestDispatcher_UnknownPacketType(t *testing.T) {
	d, _ := newTestDispatcher(t)

	err := d.Dispatch(event(protocol.PacketTypeOctreeStats, 1))

	if !errors.Is(err, protocol.ErrUnknownPacketType) {
		t.Errorf("expected ErrUnknownPacketType, got %v", err)
	}
}

func TestDispatcher_BufferedHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)
	defer d.Close()

	var processed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(3)

	d.Register(protocol.PacketTypeEntityData, func(e Event) error {
		processed.Add(1)
		wg.Done()
		return nil
	}, Buffered(100))

	for i := 0; i < 3; i++ {
		if err := d.Dispatch(event(protocol.PacketTypeEntityData, protocol.SequenceNumber(i))); err != nil {
			t.Errorf("unexpected error: %v", err)
		}
	}

	wg.Wait()

	if processed.Load() != 3 {
		t.Errorf("expected 3 processed, got %d", processed.Load())
	}
}

func TestDispatcher_BufferedDropsWhenFull(t *testing.T) {
	d, _ := newTestDispatcher(t)

	started := make(chan struct{}, 1)
	block := make(chan struct{})
	d.Register(protocol.PacketTypeEntityData, func(e Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}, Buffered(2))

	d.Dispatch(event(protocol.PacketTypeEntityData, 1)) // being processed
	<-started
	d.Dispatch(event(protocol.PacketTypeEntityData, 2)) // queued
	d.Dispatch(event(protocol.PacketTypeEntityData, 3)) // queued

	err := d.Dispatch(event(protocol.PacketTypeEntityData, 4))
	if !errors.Is(err, ErrQueueFull) {
		t.Errorf("expected ErrQueueFull, got %v", err)
	}

	close(block)
	d.Close()
}

func TestDispatcher_BufferedBlocking(t *testing.T) {
	d, _ := newTestDispatcher(t)

	started := make(chan struct{}, 1)
	block := make(chan struct{})
	d.Register(protocol.PacketTypeOctreeStats, func(e Event) error {
		select {
		case started <- struct{}{}:
		default:
		}
		<-block
		return nil
	}, Buffered(1), Blocking())

	d.Dispatch(event(protocol.PacketTypeOctreeStats, 1))
	<-started
	d.Dispatch(event(protocol.PacketTypeOctreeStats, 2))

	done := make(chan struct{})
	go func() {
		d.Dispatch(event(protocol.PacketTypeOctreeStats, 3))
		close(done)
	}()

	select {
	case <-done:
		t.Error("dispatch should have blocked")
	case <-time.After(50 * time.Millisecond):
	}

	close(block)
	<-done
	d.Close()
}

func TestDispatcher_LoggedHandlerError(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(protocol.PacketTypeOctreeStats, func(e Event) error {
		return protocol.ErrShortPacket
	}, Logged())

	err := d.Dispatch(event(protocol.PacketTypeOctreeStats, 1))
	if !errors.Is(err, protocol.ErrShortPacket) {
		t.Errorf("expected handler error to propagate, got %v", err)
	}

	logger.mu.Lock()
	defer logger.mu.Unlock()

	hasError := false
	for _, msg := range logger.messages {
		if strings.HasPrefix(msg, "ERROR") {
			hasError = true
			break
		}
	}
	if !hasError {
		t.Error("expected error log message")
	}
}

func TestDispatcher_HasHandler(t *testing.T) {
	d, _ := newTestDispatcher(t)

	d.Register(protocol.PacketTypeEntityData, func(e Event) error { return nil })

	if !d.HasHandler(protocol.PacketTypeEntityData) {
		t.Error("expected handler to exist")
	}
	if d.HasHandler(protocol.PacketTypeEntityQueryInitialResultsComplete) {
		t.Error("expected handler to not exist")
	}
}

func TestDispatcher_BufferedLogsHandlerErrors(t *testing.T) {
	d, logger := newTestDispatcher(t)

	d.Register(protocol.PacketTypeEntityData, func(e Event) error {
		return errors.New("bad payload")
	}, Buffered(10), Logged())

	if err := d.Dispatch(event(protocol.PacketTypeEntityData, 9)); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	d.Close()

	logger.mu.Lock()
	defer logger.mu.Unlock()

	found := false
	for _, msg := range logger.messages {
		if strings.Contains(msg, "buffered handler failed") {
			found = true
		}
	}
	if !found {
		t.Errorf("expected buffered failure to be logged, got %v", logger.messages)
	}
}

func TestDispatcher_InjectedMeter(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer mp.Shutdown(context.Background())

	d, err := New(&testLogger{}, mp.Meter("scenestream"))
	if err != nil {
		t.Fatalf("failed to create dispatcher: %v", err)
	}
	d.Register(protocol.PacketTypeEntityData, func(Event) error { return nil })

	for i := range 3 {
		if err := d.Dispatch(event(protocol.PacketTypeEntityData, protocol.SequenceNumber(i))); err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(context.Background(), &rm); err != nil {
		t.Fatalf("collect: %v", err)
	}

	var processed int64
	found := false
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != "dispatcher.packets.processed" {
				continue
			}
			found = true
			sum, ok := m.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatalf("unexpected data type %T", m.Data)
			}
			for _, dp := range sum.DataPoints {
				processed += dp.Value
			}
		}
	}
	if !found {
		t.Fatal("dispatcher.packets.processed not recorded on the injected meter")
	}
	if processed != 3 {
		t.Errorf("expected 3 processed packets, got %d", processed)
	}
}
