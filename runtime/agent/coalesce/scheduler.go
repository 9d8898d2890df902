// Package coalesce throttles and batches generation updates toward the display
// channel and the durable message store.
//
// The Scheduler keeps one record per in-flight generation. Incoming deltas are
// merged into the record's pending accumulator and flushed to the display sink
// on a short render interval, while the latest message snapshot is written to
// the store on a longer interval. Deltas of incompatible kinds are never
// merged: the pending accumulator is flushed first.
//
// Records are created by the first EnqueueDelta for a generation and removed
// by FlushAll (finalize) or Cleanup (abort). Absence of a record is the
// terminal signal: timers that fire after removal do nothing.
package coalesce

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/store"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/telemetry"
)

const (
	// DefaultRenderInterval is the minimum delay between two render flushes
	// of the same generation.
	DefaultRenderInterval = 50 * time.Millisecond
	// DefaultStoreInterval is the minimum delay between two durable writes of
	// the same generation.
	DefaultStoreInterval = 600 * time.Millisecond
	// DefaultStoreTimeout bounds a single durable write.
	DefaultStoreTimeout = 5 * time.Second
)

type (
	// Options configures a Scheduler.
	Options struct {
		// Display receives the render payloads. Required.
		Display stream.Sink
		// Store receives message snapshots. When nil snapshots are dropped.
		Store store.MessageStore
		// Clock defaults to SystemClock.
		Clock Clock
		// RenderInterval defaults to DefaultRenderInterval.
		RenderInterval time.Duration
		// StoreInterval defaults to DefaultStoreInterval.
		StoreInterval time.Duration
		// StoreTimeout defaults to DefaultStoreTimeout.
		StoreTimeout time.Duration
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Metrics defaults to a noop recorder.
		Metrics telemetry.Metrics
	}

	// Generation identifies the generation a delta belongs to.
	Generation struct {
		// ID is the generation id, also the id of the assistant message
		// receiving the snapshots.
		ID string
		// ParentID is the user message being answered.
		ParentID string
		// IsVariant marks regenerated alternatives.
		IsVariant bool
	}

	// Scheduler coalesces generation deltas. It is safe for concurrent use;
	// calls for the same generation are serialized.
	Scheduler struct {
		display        stream.Sink
		store          store.MessageStore
		clock          Clock
		renderInterval time.Duration
		storeInterval  time.Duration
		storeTimeout   time.Duration
		logger         telemetry.Logger
		metrics        telemetry.Metrics

		mu   sync.Mutex
		gens map[string]*generation

		writes sync.WaitGroup
	}

	// generation is the state record of one in-flight generation. All fields
	// but the write fields are guarded by mu.
	generation struct {
		mu sync.Mutex
		Generation

		// ctx carries the values (logger, trace) of the first enqueue for
		// use by timer callbacks.
		ctx        context.Context
		seq        int64
		sentInit   bool
		pending    Delta
		lastRender time.Time
		lastStore  time.Time
		// snapshot is the latest full message serialization and version
		// counts snapshot updates. queued is the latest version handed to a
		// durable write.
		snapshot    []byte
		version     uint64
		queued      uint64
		renderTimer Timer
		storeTimer  Timer
		closed      bool

		// writeMu serializes durable writes; written is the latest version
		// successfully stored.
		writeMu sync.Mutex
		written uint64
	}
)

// New returns a Scheduler.
func New(opts Options) (*Scheduler, error) {
	if opts.Display == nil {
		return nil, errors.New("display sink is required")
	}
	if opts.RenderInterval < 0 || opts.StoreInterval < 0 {
		return nil, errors.New("flush intervals must not be negative")
	}
	s := &Scheduler{
		display:        opts.Display,
		store:          opts.Store,
		clock:          opts.Clock,
		renderInterval: opts.RenderInterval,
		storeInterval:  opts.StoreInterval,
		storeTimeout:   opts.StoreTimeout,
		logger:         opts.Logger,
		metrics:        opts.Metrics,
		gens:           make(map[string]*generation),
	}
	if s.clock == nil {
		s.clock = SystemClock()
	}
	if s.renderInterval == 0 {
		s.renderInterval = DefaultRenderInterval
	}
	if s.storeInterval == 0 {
		s.storeInterval = DefaultStoreInterval
	}
	if s.storeTimeout <= 0 {
		s.storeTimeout = DefaultStoreTimeout
	}
	if s.logger == nil {
		s.logger = telemetry.NewNoopLogger()
	}
	if s.metrics == nil {
		s.metrics = telemetry.NewNoopMetrics()
	}
	return s, nil
}

// EnqueueDelta merges d into the pending state of gen and schedules flushes.
// snapshot, when not nil, replaces the content written by the next durable
// flush. The first call for a generation sends its init payload. A delta
// carrying both text and reasoning is enqueued as two deltas, text first.
func (s *Scheduler) EnqueueDelta(ctx context.Context, gen Generation, d Delta, snapshot []byte) {
	if text, reasoning, ok := split(d); ok {
		s.enqueue(ctx, gen, text, snapshot)
		s.enqueue(ctx, gen, reasoning, nil)
		return
	}
	s.enqueue(ctx, gen, d, snapshot)
}

// FlushAll finalizes the generation: timers are cancelled, pending data (if
// any) is sent in one last payload tagged kind, the latest snapshot is written
// synchronously and the record is removed. An empty kind means KindFinal.
// FlushAll on an unknown or already finalized generation does nothing.
func (s *Scheduler) FlushAll(ctx context.Context, id string, kind stream.Kind) {
	if kind == "" {
		kind = stream.KindFinal
	}
	g := s.lookup(id)
	if g == nil {
		s.logger.Debug(ctx, "flush all: no active generation", "generation", id)
		return
	}

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.stopTimers()
	s.flushRender(ctx, g, kind)
	g.closed = true
	snapshot, version := g.snapshot, g.version
	g.mu.Unlock()

	s.remove(id, g)
	if snapshot != nil {
		s.write(ctx, g, snapshot, version)
	}
}

// Cleanup discards the generation without emitting anything. Cleanup is
// idempotent.
func (s *Scheduler) Cleanup(id string) {
	g := s.lookup(id)
	if g == nil {
		return
	}
	g.mu.Lock()
	g.stopTimers()
	g.closed = true
	g.pending = Delta{}
	g.mu.Unlock()
	s.remove(id, g)
}

// Active reports whether the scheduler holds a record for id.
func (s *Scheduler) Active(id string) bool {
	return s.lookup(id) != nil
}

// Wait blocks until all durable writes issued so far completed.
func (s *Scheduler) Wait() {
	s.writes.Wait()
}

func (s *Scheduler) enqueue(ctx context.Context, gen Generation, d Delta, snapshot []byte) {
	g := s.acquire(ctx, gen)
	defer g.mu.Unlock()

	if !g.sentInit {
		g.sentInit = true
		s.send(ctx, g, stream.Payload{
			GenerationID: g.ID,
			ParentID:     g.ParentID,
			IsVariant:    g.IsVariant,
			Kind:         stream.KindInit,
			Seq:          g.seq,
		})
	}

	if mustFlushBefore(g.pending, d) {
		s.metrics.IncCounter(telemetry.MetricImmediateFlush, 1, "kind", classify(d).String())
		s.flushRender(ctx, g, stream.KindDelta)
	}
	merge(&g.pending, d)
	if !g.pending.IsZero() {
		s.scheduleRender(g)
	}

	if snapshot != nil {
		g.snapshot = snapshot
		g.version++
		s.scheduleStore(g)
	}
}

// acquire returns the locked record for gen, creating it when needed.
func (s *Scheduler) acquire(ctx context.Context, gen Generation) *generation {
	for {
		s.mu.Lock()
		g, ok := s.gens[gen.ID]
		if !ok {
			g = &generation{Generation: gen, ctx: context.WithoutCancel(ctx)}
			s.gens[gen.ID] = g
			s.metrics.RecordGauge(telemetry.MetricActive, float64(len(s.gens)))
			s.logger.Debug(ctx, "generation started", "generation", gen.ID)
		}
		s.mu.Unlock()

		g.mu.Lock()
		if !g.closed {
			return g
		}
		// Finalized between lookup and lock.
		g.mu.Unlock()
	}
}

func (s *Scheduler) lookup(id string) *generation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gens[id]
}

func (s *Scheduler) remove(id string, g *generation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.gens[id] == g {
		delete(s.gens, id)
	}
	s.metrics.RecordGauge(telemetry.MetricActive, float64(len(s.gens)))
}

// scheduleRender arms the render timer unless one is outstanding. g.mu must
// be held.
func (s *Scheduler) scheduleRender(g *generation) {
	if g.renderTimer != nil {
		return
	}
	delay := max(0, s.renderInterval-s.clock.Now().Sub(g.lastRender))
	g.renderTimer = s.clock.AfterFunc(delay, func() { s.onRenderTimer(g) })
}

// scheduleStore arms the store timer unless one is outstanding. g.mu must be
// held.
func (s *Scheduler) scheduleStore(g *generation) {
	if g.storeTimer != nil || s.store == nil {
		return
	}
	delay := max(0, s.storeInterval-s.clock.Now().Sub(g.lastStore))
	g.storeTimer = s.clock.AfterFunc(delay, func() { s.onStoreTimer(g) })
}

func (s *Scheduler) onRenderTimer(g *generation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.renderTimer = nil
	s.flushRender(g.ctx, g, stream.KindDelta)
}

func (s *Scheduler) onStoreTimer(g *generation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	g.storeTimer = nil
	s.flushStore(g)
}

// flushRender sends the pending accumulator as one payload of the given kind
// and clears it. It does nothing when nothing is pending. g.mu must be held.
func (s *Scheduler) flushRender(ctx context.Context, g *generation, kind stream.Kind) {
	if g.pending.IsZero() {
		return
	}
	g.seq++
	p := stream.Payload{
		GenerationID: g.ID,
		ParentID:     g.ParentID,
		IsVariant:    g.IsVariant,
		Kind:         kind,
		Seq:          g.seq,
		Delta:        g.pending,
	}
	g.pending = Delta{}
	g.lastRender = s.clock.Now()
	s.send(ctx, g, p)
	s.metrics.IncCounter(telemetry.MetricRenderFlush, 1, "kind", string(kind))
}

// flushStore hands the latest snapshot to a background durable write. g.mu
// must be held.
func (s *Scheduler) flushStore(g *generation) {
	if g.snapshot == nil || g.queued == g.version {
		return
	}
	g.lastStore = s.clock.Now()
	g.queued = g.version
	snapshot, version := g.snapshot, g.version
	s.writes.Add(1)
	go func() {
		defer s.writes.Done()
		s.write(g.ctx, g, snapshot, version)
	}()
}

// write stores snapshot unless a newer version was already written. Failures
// are logged and left for the next flush to retry.
func (s *Scheduler) write(ctx context.Context, g *generation, snapshot []byte, version uint64) {
	if s.store == nil {
		return
	}
	g.writeMu.Lock()
	defer g.writeMu.Unlock()
	if version <= g.written {
		return
	}
	wctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	start := time.Now()
	err := s.store.EditMessageSilently(wctx, g.ID, snapshot)
	s.metrics.RecordTimer(telemetry.MetricStoreLatency, time.Since(start))
	if err != nil {
		s.metrics.IncCounter(telemetry.MetricStoreFailure, 1)
		s.logger.Error(ctx, "durable flush failed", "generation", g.ID, "version", version, "err", err)
		return
	}
	g.written = version
	s.metrics.IncCounter(telemetry.MetricStoreWrite, 1)
}

func (s *Scheduler) send(ctx context.Context, g *generation, p stream.Payload) {
	if err := s.display.Send(ctx, p); err != nil {
		s.metrics.IncCounter(telemetry.MetricSinkFailure, 1)
		s.logger.Warn(ctx, "display send failed", "generation", g.ID, "seq", p.Seq, "kind", string(p.Kind), "err", err)
	}
}

// stopTimers cancels and clears both timers. g.mu must be held.
func (g *generation) stopTimers() {
	if g.renderTimer != nil {
		g.renderTimer.Stop()
		g.renderTimer = nil
	}
	if g.storeTimer != nil {
		g.storeTimer.Stop()
		g.storeTimer = nil
	}
}
