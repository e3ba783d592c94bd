// Package nack turns missing sequence numbers into repair requests sent to
// entity servers.
package nack

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"golang.org/x/time/rate"

	"github.com/OCAP2/scenestream/internal/nodelist"
	"github.com/OCAP2/scenestream/pkg/protocol"
)

const instrumentationName = "github.com/OCAP2/scenestream/internal/nack"

// MissingSource lists the missing sequences of a node.
type MissingSource interface {
	Missing(node uuid.UUID) []protocol.SequenceNumber
}

// PendingChecker reports whether a node still has locally queued packets.
type PendingChecker interface {
	HasPendingPacketsForNode(node uuid.UUID) bool
}

// NodeIterator walks the node directory.
type NodeIterator interface {
	EachNode(fn func(n *nodelist.Node) bool)
}

// Stats are cumulative generator counters.
type Stats struct {
	Sent        uint64
	Suppressed  uint64
	RateLimited uint64
	Failed      uint64
}

// Generator builds and sends NACK packets. Generate is called from the game
// loop's one second timer.
type Generator struct {
	nodes     NodeIterator
	missing   MissingSource
	pending   PendingChecker
	limiter   *rate.Limiter
	perPacket int
	logger    *slog.Logger
	meter     metric.Meter

	sentCounter        metric.Int64Counter
	rateLimitedCounter metric.Int64Counter

	sent        atomic.Uint64
	suppressed  atomic.Uint64
	rateLimited atomic.Uint64
	failed      atomic.Uint64
}

// Option configures a Generator.
type Option func(*Generator)

// WithLimiter caps the number of NACK packets sent per second.
func WithLimiter(l *rate.Limiter) Option {
	return func(g *Generator) {
		g.limiter = l
	}
}

// WithSequencesPerPacket overrides how many sequence numbers go in one packet.
func WithSequencesPerPacket(n int) Option {
	return func(g *Generator) {
		g.perPacket = n
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(g *Generator) {
		g.logger = l
	}
}

// WithMeter records the NACK counters on m instead of the global meter.
func WithMeter(m metric.Meter) Option {
	return func(g *Generator) {
		g.meter = m
	}
}

// New creates a generator.
func New(nodes NodeIterator, missing MissingSource, pending PendingChecker, opts ...Option) (*Generator, error) {
	g := &Generator{
		nodes:     nodes,
		missing:   missing,
		pending:   pending,
		perPacket: protocol.MaxNackSequencesPerPacket,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}

	m := g.meter
	if m == nil {
		m = otel.Meter(instrumentationName)
	}
	var err error
	g.sentCounter, err = m.Int64Counter(
		"streaming.nacks.sent",
		metric.WithDescription("NACK packets sent to entity servers"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nacks sent counter: %w", err)
	}
	g.rateLimitedCounter, err = m.Int64Counter(
		"streaming.nacks.rate_limited",
		metric.WithDescription("NACK packets withheld by the rate limiter"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating nacks rate limited counter: %w", err)
	}
	return g, nil
}

// Generate sends one batch of NACK packets per active entity server that has
// missing sequences and no locally queued packets. It returns the number of
// packets sent.
func (g *Generator) Generate(ctx context.Context) int {
	total := 0
	g.nodes.EachNode(func(n *nodelist.Node) bool {
		if n.Type != nodelist.NodeTypeEntityServer || !n.Active() {
			return true
		}
		// A gap may already be filled by a packet still waiting in the local
		// queue.
		if g.pending.HasPendingPacketsForNode(n.ID) {
			g.suppressed.Add(1)
			return true
		}
		seqs := g.missing.Missing(n.ID)
		if len(seqs) == 0 {
			return true
		}

		payloads := protocol.EncodeNackPayloads(seqs, g.perPacket)
		allowed := payloads[:0]
		for _, p := range payloads {
			if g.limiter != nil && !g.limiter.Allow() {
				g.rateLimited.Add(1)
				g.rateLimitedCounter.Add(ctx, 1)
				continue
			}
			allowed = append(allowed, p)
		}
		if len(allowed) == 0 {
			return true
		}

		if err := n.SendReliable(protocol.PacketTypeOctreeDataNack, allowed...); err != nil {
			g.failed.Add(1)
			g.logger.Warn("failed to send NACK", "node", n.ID, "missing", len(seqs), "error", err)
			return true
		}
		total += len(allowed)
		g.logger.Debug("sent NACK", "node", n.ID, "missing", len(seqs), "packets", len(allowed))
		return true
	})

	if total > 0 {
		g.sent.Add(uint64(total))
		g.sentCounter.Add(ctx, int64(total))
	}
	return total
}

// Stats returns the cumulative counters.
func (g *Generator) Stats() Stats {
	return Stats{
		Sent:        g.sent.Load(),
		Suppressed:  g.suppressed.Load(),
		RateLimited: g.rateLimited.Load(),
		Failed:      g.failed.Load(),
	}
}
