// Package middleware provides reusable model.Client middlewares such as
// per-provider QPS limiting.
package middleware

import (
	"context"
	"strconv"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"goa.design/pulse/rmap"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/model"
)

type (
	// RateLimiter queues provider requests behind a requests-per-second
	// budget. While a request waits it emits an event.RateLimit describing the
	// queue so the generation shows a pending rate limit block. The budget is
	// adaptive: a severe rate limit reported by the provider halves it, and
	// each clean request raises it back toward the configured maximum.
	RateLimiter struct {
		mu sync.Mutex

		provider string
		limiter  *rate.Limiter

		currentQPS float64
		minQPS     float64
		maxQPS     float64
		step       float64

		queued  int
		started []time.Time

		now   func() time.Time
		sleep func(ctx context.Context, d time.Duration) error

		onBackoff func(newQPS float64)
		onProbe   func(newQPS float64)
	}

	// Options configures a RateLimiter.
	Options struct {
		// Provider labels the emitted rate limit events. Required.
		Provider string
		// QPS is the initial requests-per-second budget. Defaults to 1.
		QPS float64
		// MaxQPS bounds the adaptive budget. Defaults to QPS.
		MaxQPS float64
		// Map coordinates the budget across processes when set, keyed by Key.
		Map *rmap.Map
		// Key is the replicated map key. Defaults to Provider.
		Key string
	}

	limitedClient struct {
		next    model.Client
		limiter *RateLimiter
	}

	// clusterMap is the subset of rmap.Map used by the cluster-aware limiter.
	clusterMap interface {
		Get(key string) (string, bool)
		SetIfNotExists(ctx context.Context, key, value string) (bool, error)
		TestAndSet(ctx context.Context, key, test, value string) (string, error)
		Subscribe() <-chan rmap.EventKind
	}

	rmapClusterMap struct {
		m *rmap.Map
	}
)

// NewRateLimiter constructs a RateLimiter. When opts.Map is set the budget is
// shared by every process using the same key; otherwise it is process-local.
func NewRateLimiter(ctx context.Context, opts Options) *RateLimiter {
	var cm clusterMap
	if opts.Map != nil {
		cm = &rmapClusterMap{m: opts.Map}
	}
	key := opts.Key
	if key == "" {
		key = opts.Provider
	}
	return newClusterRateLimiter(ctx, cm, key, opts.Provider, opts.QPS, opts.MaxQPS)
}

// newRateLimiter builds a process-local limiter. qps defaults to 1 and maxQPS
// is clamped to at least qps.
func newRateLimiter(provider string, qps, maxQPS float64) *RateLimiter {
	if qps <= 0 {
		qps = 1
	}
	if maxQPS < qps {
		maxQPS = qps
	}
	step := qps * 0.1
	return &RateLimiter{
		provider:   provider,
		limiter:    rate.NewLimiter(rate.Limit(qps), 1),
		currentQPS: qps,
		minQPS:     qps * 0.1,
		maxQPS:     maxQPS,
		step:       step,
		now:        time.Now,
		sleep:      sleepCtx,
	}
}

// Middleware returns a model.Middleware enforcing the limiter.
func (l *RateLimiter) Middleware() model.Middleware {
	return func(next model.Client) model.Client {
		if next == nil {
			return nil
		}
		return &limitedClient{next: next, limiter: l}
	}
}

// QPS returns the current budget.
func (l *RateLimiter) QPS() float64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.currentQPS
}

// Stream waits for capacity, then delegates to the wrapped client.
func (c *limitedClient) Stream(ctx context.Context, history []*message.Message, emit func(event.Event) error) error {
	if err := c.limiter.wait(ctx, emit); err != nil {
		return err
	}
	throttled := false
	err := c.next.Stream(ctx, history, func(ev event.Event) error {
		if rl, ok := ev.(event.RateLimit); ok && rl.Severe {
			throttled = true
		}
		return emit(ev)
	})
	switch {
	case throttled:
		c.limiter.backoff()
	case err == nil:
		c.limiter.probe()
	}
	return err
}

// wait reserves a slot and, when the slot is in the future, reports the
// queue through emit before sleeping.
func (l *RateLimiter) wait(ctx context.Context, emit func(event.Event) error) error {
	l.mu.Lock()
	now := l.now()
	r := l.limiter.ReserveN(now, 1)
	delay := r.DelayFrom(now)
	if delay <= 0 {
		l.record(now)
		l.mu.Unlock()
		return nil
	}
	l.queued++
	info := event.RateLimit{
		ProviderID:    l.provider,
		QPSLimit:      l.currentQPS,
		CurrentQPS:    l.currentRate(now),
		QueueLength:   l.queued,
		EstimatedWait: delay,
	}
	l.mu.Unlock()

	err := emit(info)
	if err == nil {
		err = l.sleep(ctx, delay)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.queued--
	if err != nil {
		r.CancelAt(l.now())
		return err
	}
	l.record(l.now())
	return nil
}

// record notes a request start. Callers hold l.mu.
func (l *RateLimiter) record(t time.Time) {
	l.started = append(l.started, t)
}

// currentRate returns the requests started during the last second. Callers
// hold l.mu.
func (l *RateLimiter) currentRate(now time.Time) float64 {
	cutoff := now.Add(-time.Second)
	i := 0
	for i < len(l.started) && !l.started[i].After(cutoff) {
		i++
	}
	l.started = l.started[i:]
	return float64(len(l.started))
}

func (l *RateLimiter) backoff() {
	l.mu.Lock()
	newQPS := max(l.currentQPS*0.5, l.minQPS)
	if newQPS == l.currentQPS {
		l.mu.Unlock()
		return
	}
	l.setQPS(newQPS)
	cb := l.onBackoff
	l.mu.Unlock()

	if cb != nil {
		cb(newQPS)
	}
}

func (l *RateLimiter) probe() {
	l.mu.Lock()
	newQPS := min(l.currentQPS+l.step, l.maxQPS)
	if newQPS == l.currentQPS {
		l.mu.Unlock()
		return
	}
	l.setQPS(newQPS)
	cb := l.onProbe
	l.mu.Unlock()

	if cb != nil {
		cb(newQPS)
	}
}

// replaceQPS adopts a budget published by another process, clamped to the
// configured range.
func (l *RateLimiter) replaceQPS(qps float64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	qps = min(max(qps, l.minQPS), l.maxQPS)
	if qps == l.currentQPS {
		return
	}
	l.setQPS(qps)
}

// setQPS updates the budget. Callers hold l.mu.
func (l *RateLimiter) setQPS(qps float64) {
	l.currentQPS = qps
	l.limiter.SetLimitAt(l.now(), rate.Limit(qps))
}

func (l *RateLimiter) setClusterCallbacks(onBackoff, onProbe func(newQPS float64)) {
	l.mu.Lock()
	l.onBackoff = onBackoff
	l.onProbe = onProbe
	l.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *rmapClusterMap) Get(key string) (string, bool) {
	return m.m.Get(key)
}

func (m *rmapClusterMap) SetIfNotExists(ctx context.Context, key, value string) (bool, error) {
	return m.m.SetIfNotExists(ctx, key, value)
}

func (m *rmapClusterMap) TestAndSet(ctx context.Context, key, test, value string) (string, error) {
	return m.m.TestAndSet(ctx, key, test, value)
}

func (m *rmapClusterMap) Subscribe() <-chan rmap.EventKind {
	return m.m.Subscribe()
}

func formatQPS(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

func parseQPS(s string) (float64, bool) {
	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func newClusterRateLimiter(ctx context.Context, m clusterMap, key, provider string, qps, maxQPS float64) *RateLimiter {
	if key == "" || m == nil {
		return newRateLimiter(provider, qps, maxQPS)
	}
	if qps <= 0 {
		qps = 1
	}

	// Seed the shared budget when missing. A concurrent writer may win; the
	// value is read back below.
	if _, ok := m.Get(key); !ok {
		if _, err := m.SetIfNotExists(ctx, key, formatQPS(qps)); err != nil {
			return newRateLimiter(provider, qps, maxQPS)
		}
	}
	shared := qps
	if cur, ok := m.Get(key); ok {
		if v, ok := parseQPS(cur); ok {
			shared = v
		}
	}

	l := newRateLimiter(provider, shared, maxQPS)
	floor, ceiling, step := l.minQPS, l.maxQPS, l.step
	l.setClusterCallbacks(
		func(float64) {
			go globalUpdate(context.Background(), m, key, func(cur float64) float64 { return max(cur*0.5, floor) })
		},
		func(float64) {
			go globalUpdate(context.Background(), m, key, func(cur float64) float64 { return min(cur+step, ceiling) })
		},
	)

	ch := m.Subscribe()
	go func() {
		for range ch {
			cur, ok := m.Get(key)
			if !ok {
				continue
			}
			if v, ok := parseQPS(cur); ok {
				l.replaceQPS(v)
			}
		}
	}()
	return l
}

// globalUpdate applies next to the shared budget with compare-and-swap
// retries.
func globalUpdate(ctx context.Context, m clusterMap, key string, next func(float64) float64) {
	const maxAttempts = 3

	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()

	for range maxAttempts {
		curStr, ok := m.Get(key)
		if !ok {
			return
		}
		cur, ok := parseQPS(curStr)
		if !ok {
			return
		}
		nextStr := formatQPS(next(cur))
		if nextStr == curStr {
			return
		}
		prev, err := m.TestAndSet(ctx, key, curStr, nextStr)
		if err != nil || prev == curStr {
			return
		}
	}
}
