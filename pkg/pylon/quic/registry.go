package quic

import (
	"context"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/yourusername/pylon/pkg/pylon/quic/metrics"
)

// Registry indexes live connections by destination connection ID and
// periodically sweeps for ones that have finished draining. Unlike a
// Connection, the registry is shared across every goroutine handling
// inbound datagrams, so it is the one place in this package that needs
// its own lock (§5).
type Registry struct {
	mu    sync.RWMutex
	byCID map[string]*Connection
	all   map[*Connection]struct{}

	serverKey []byte

	sweepInterval time.Duration
	drainTimeout  func(*Connection) time.Duration

	collector *metrics.RegistryCollector
}

// NewRegistry builds an empty registry. serverKey is the static key used
// to derive stateless-reset secrets (SPEC_FULL §4.9); reg may be nil to
// skip metrics registration.
func NewRegistry(serverKey []byte, reg prometheus.Registerer) *Registry {
	r := &Registry{
		byCID:         make(map[string]*Connection),
		all:           make(map[*Connection]struct{}),
		serverKey:     serverKey,
		sweepInterval: 5 * time.Second,
		drainTimeout: func(c *Connection) time.Duration {
			// RFC 9000 Section 10.2: drain for three times the current
			// PTO. No standalone PTO estimator exists yet (see
			// RetransmitTimer's use elsewhere as the same placeholder),
			// so the path's retransmit timer stands in for PTO here too.
			mult := c.config.DrainTimeoutMultiplier
			if mult <= 0 {
				mult = 3
			}
			pto := 3 * time.Second
			if len(c.Paths) > 0 && c.Paths[0].RetransmitTimer > 0 {
				pto = c.Paths[0].RetransmitTimer
			}
			return time.Duration(mult) * pto
		},
	}
	if reg != nil {
		r.collector = metrics.NewRegistryCollector(reg)
	}
	return r
}

// Collector exposes the registry's packet/connection-count collector so
// an embedder can share it with each Connection's Config.PacketMetrics
// before construction, letting per-datagram receive/drop counts land on
// the same registry-wide counters.
func (r *Registry) Collector() *metrics.RegistryCollector {
	return r.collector
}

// BuildStatelessResetFor constructs a stateless-reset datagram for a
// destination CID the registry doesn't recognize, using the registry's
// static server key (SPEC_FULL §4.9). A listener calls this once Lookup
// and LookupByAddress both miss and the datagram is too short or
// malformed to be a new connection attempt.
func (r *Registry) BuildStatelessResetFor(dcid ConnectionID, datagramLen int) ([]byte, error) {
	return BuildStatelessReset(r.serverKey, dcid, datagramLen)
}

// Add registers a connection under every currently-local CID it owns.
func (r *Registry) Add(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.all[c] = struct{}{}
	for _, cid := range c.LocalCIDs {
		r.byCID[string(cid)] = c
	}
	if r.collector != nil {
		r.collector.ActiveConnections.Set(float64(len(r.all)))
	}
}

// PublishCID binds an additional local CID to an already-registered
// connection — called as NEW_CONNECTION_ID frames are issued.
func (r *Registry) PublishCID(c *Connection, cid ConnectionID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byCID[string(cid)] = c
}

// Lookup resolves a destination CID to its connection, or nil.
func (r *Registry) Lookup(dcid ConnectionID) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.byCID[string(dcid)]
}

// LookupByAddress is the zero-length-CID fallback path resolution needs
// when no destination CID distinguishes connections from one another.
func (r *Registry) LookupByAddress(addr string) *Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for c := range r.all {
		if c.config.LocalConnIDLen != 0 {
			continue
		}
		for _, p := range c.Paths {
			if p.RemoteAddr != nil && p.RemoteAddr.String() == addr {
				return c
			}
		}
	}
	return nil
}

// Remove drops a connection and every CID it registered.
func (r *Registry) Remove(c *Connection) {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.all, c)
	for cid, candidate := range r.byCID {
		if candidate == c {
			delete(r.byCID, cid)
		}
	}
	if r.collector != nil {
		r.collector.ActiveConnections.Set(float64(len(r.all)))
	}
}

// snapshot copies the live connection set under lock so the sweep can
// run its per-connection checks without holding the registry lock.
func (r *Registry) snapshot() []*Connection {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Connection, 0, len(r.all))
	for c := range r.all {
		out = append(out, c)
	}
	return out
}

// Sweep concurrently evaluates every live connection for disconnection,
// removing any that have finished their drain timeout. Concurrency is
// bounded so a registry holding many thousands of connections doesn't
// spawn an unbounded goroutine burst on every tick.
func (r *Registry) Sweep(ctx context.Context, maxConcurrency int) error {
	conns := r.snapshot()

	g, groupCtx := errgroup.WithContext(ctx)
	g.SetLimit(maxConcurrency)

	now := time.Now()
	var mu sync.Mutex
	var expired []*Connection

	for _, c := range conns {
		c := c
		g.Go(func() error {
			select {
			case <-groupCtx.Done():
				return groupCtx.Err()
			default:
			}

			if c.State == StateDisconnected && now.Sub(c.disconnectedAt) >= r.drainTimeout(c) {
				mu.Lock()
				expired = append(expired, c)
				mu.Unlock()
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}

	for _, c := range expired {
		r.Remove(c)
	}
	return nil
}

// Run drives Sweep on sweepInterval until ctx is cancelled.
func (r *Registry) Run(ctx context.Context, maxConcurrency int) error {
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := r.Sweep(ctx, maxConcurrency); err != nil && err != context.Canceled {
				return err
			}
		}
	}
}
