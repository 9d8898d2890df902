// Package assembler drives one assistant message through a generation: it
// applies agent events to the message blocks, converts them into display
// deltas and hands both to the coalescing scheduler together with the latest
// message snapshot.
package assembler

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/blockmap"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/coalesce"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/store"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/telemetry"
)

// ErrTurnFinished is returned when handling events on a finished or aborted
// turn.
var ErrTurnFinished = errors.New("turn already finished")

type (
	// Options configures an Assembler.
	Options struct {
		// Scheduler receives deltas and snapshots. Required.
		Scheduler *coalesce.Scheduler
		// Store receives the snapshots written outside of the scheduler:
		// aborted turns and permission decisions made after the turn ended.
		// Optional.
		Store store.MessageStore
		// Clock stamps blocks. Defaults to coalesce.SystemClock.
		Clock coalesce.Clock
		// Logger defaults to a noop logger.
		Logger telemetry.Logger
		// Tracer defaults to a noop tracer.
		Tracer telemetry.Tracer
	}

	// Assembler creates turns sharing one scheduler.
	Assembler struct {
		scheduler *coalesce.Scheduler
		store     store.MessageStore
		clock     coalesce.Clock
		logger    telemetry.Logger
		tracer    telemetry.Tracer
	}

	// Turn owns the assistant message of one generation. Its methods are
	// safe for concurrent use.
	Turn struct {
		a    *Assembler
		gen  coalesce.Generation
		span telemetry.Span

		mu   sync.Mutex
		msg  *message.Message
		done bool
	}
)

// New returns an Assembler.
func New(opts Options) (*Assembler, error) {
	if opts.Scheduler == nil {
		return nil, errors.New("scheduler is required")
	}
	a := &Assembler{
		scheduler: opts.Scheduler,
		store:     opts.Store,
		clock:     opts.Clock,
		logger:    opts.Logger,
		tracer:    opts.Tracer,
	}
	if a.clock == nil {
		a.clock = coalesce.SystemClock()
	}
	if a.logger == nil {
		a.logger = telemetry.NewNoopLogger()
	}
	if a.tracer == nil {
		a.tracer = telemetry.NewNoopTracer()
	}
	return a, nil
}

// Start begins a turn for msg. The generation id is msg.ID.
func (a *Assembler) Start(ctx context.Context, msg *message.Message) *Turn {
	if msg.Status == "" {
		msg.Status = message.StatusPending
	}
	if msg.Role == "" {
		msg.Role = message.RoleAssistant
	}
	_, span := a.tracer.Start(ctx, "genstream.generation", trace.WithAttributes(
		attribute.String("generation.id", msg.ID),
		attribute.String("generation.parent_id", msg.ParentID),
	))
	return &Turn{
		a:    a,
		gen:  coalesce.Generation{ID: msg.ID, ParentID: msg.ParentID, IsVariant: msg.IsVariant},
		span: span,
		msg:  msg,
	}
}

// Run drives a turn from events until End, the end of the channel or the
// cancellation of ctx. A closed channel is treated as the end of the
// generation. Cancellation aborts the turn and returns ctx.Err(). The message
// is returned in its final state.
func (a *Assembler) Run(ctx context.Context, msg *message.Message, events <-chan event.Event) (*message.Message, error) {
	t := a.Start(ctx, msg)
	for {
		select {
		case <-ctx.Done():
			t.Abort(context.WithoutCancel(ctx))
			return t.Message(), ctx.Err()
		case ev, ok := <-events:
			if !ok {
				a.logger.Warn(ctx, "event stream closed before end", "generation", msg.ID)
				if err := t.Handle(ctx, event.End{}); err != nil {
					return t.Message(), err
				}
				return t.Message(), nil
			}
			if err := t.Handle(ctx, ev); err != nil {
				t.Abort(ctx)
				return t.Message(), err
			}
			if _, end := ev.(event.End); end {
				return t.Message(), nil
			}
		}
	}
}

// ID returns the generation id.
func (t *Turn) ID() string { return t.gen.ID }

// Message returns a copy of the current message.
func (t *Turn) Message() *message.Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.msg.Clone()
}

// Handle applies ev to the message and enqueues the resulting delta. End
// finalizes the turn. Unrecognized events return an error wrapping
// blockmap.ErrUnrecognizedEvent.
func (t *Turn) Handle(ctx context.Context, ev event.Event) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return ErrTurnFinished
	}
	b, err := blockmap.Apply(t.msg, ev, t.a.clock.Now())
	if err != nil {
		return fmt.Errorf("generation %s: %w", t.gen.ID, err)
	}
	if _, ok := ev.(event.End); ok {
		t.finish(ctx)
		return nil
	}
	d, ok := toDelta(ev, b)
	if !ok {
		return nil
	}
	snapshot, err := t.msg.Content()
	if err != nil {
		return fmt.Errorf("serialize generation %s: %w", t.gen.ID, err)
	}
	t.a.scheduler.EnqueueDelta(ctx, t.gen, d, snapshot)
	return nil
}

// Abort stops the turn without a final payload: loading blocks are marked as
// failed, the snapshot is written directly to the store and the scheduler
// state is discarded. Abort is idempotent.
func (t *Turn) Abort(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return
	}
	t.done = true
	blockmap.Recover(t.msg)
	t.msg.Status = message.StatusError
	t.a.scheduler.Cleanup(t.gen.ID)
	t.persist(ctx)
	t.span.SetStatus(codes.Error, "aborted")
	t.span.End()
}

// ResolvePermission records the decision on the pending permission request of
// toolCallID. While the generation runs the decision is pushed to the display
// channel with the updated snapshot; afterwards it is written to the store.
func (t *Turn) ResolvePermission(ctx context.Context, toolCallID string, granted bool) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	b, err := blockmap.Resolve(t.msg, toolCallID, granted)
	if err != nil {
		return err
	}
	if t.done {
		t.persist(ctx)
		return nil
	}
	snapshot, err := t.msg.Content()
	if err != nil {
		return fmt.Errorf("serialize generation %s: %w", t.gen.ID, err)
	}
	d := coalesce.Delta{
		ToolCall:         event.PhasePermissionRequired,
		ToolCallID:       toolCallID,
		PermissionStatus: b.Status,
	}
	if b.ToolCall != nil {
		d.ToolCallName = b.ToolCall.Name
	}
	t.a.scheduler.EnqueueDelta(ctx, t.gen, d, snapshot)
	return nil
}

// finish runs on End: the message status is settled, the final snapshot is
// queued and the generation is flushed. t.mu must be held.
func (t *Turn) finish(ctx context.Context) {
	t.done = true
	t.msg.Status = message.StatusSent
	if last := t.msg.LastBlock(); last != nil && last.Kind == message.KindError {
		t.msg.Status = message.StatusError
	}
	snapshot, err := t.msg.Content()
	if err != nil {
		t.a.logger.Error(ctx, "serialize final snapshot", "generation", t.gen.ID, "err", err)
	} else {
		t.a.scheduler.EnqueueDelta(ctx, t.gen, coalesce.Delta{}, snapshot)
	}
	t.a.scheduler.FlushAll(ctx, t.gen.ID, stream.KindFinal)
	if t.msg.Status == message.StatusError {
		t.span.SetStatus(codes.Error, "generation ended with an error")
	} else {
		t.span.SetStatus(codes.Ok, "finalized")
	}
	t.span.End()
}

// persist writes the snapshot straight to the store. t.mu must be held.
func (t *Turn) persist(ctx context.Context) {
	if t.a.store == nil {
		return
	}
	snapshot, err := t.msg.Content()
	if err == nil {
		err = t.a.store.EditMessageSilently(ctx, t.gen.ID, snapshot)
	}
	if err != nil {
		t.a.logger.Error(ctx, "persist generation", "generation", t.gen.ID, "err", err)
	}
}

// toDelta converts an event into the display delta. b is the block Apply
// returned for it. ok is false when the event has no display effect.
func toDelta(ev event.Event, b *message.Block) (coalesce.Delta, bool) {
	switch e := ev.(type) {
	case event.Content:
		return coalesce.Delta{Content: e.Text}, true
	case event.Reasoning:
		d := coalesce.Delta{ReasoningContent: e.Text}
		if b != nil && b.ReasoningTime != nil {
			rt := *b.ReasoningTime
			d.ReasoningTime = &rt
		}
		return d, true
	case event.ToolCall:
		if b == nil {
			return coalesce.Delta{}, false
		}
		return coalesce.Delta{
			ToolCall:         e.Phase,
			ToolCallID:       e.ID,
			ToolCallName:     e.Name,
			ToolCallParams:   e.Params,
			ToolCallResponse: e.Response,
			Permission:       e.Permission,
		}, true
	case event.Image:
		img := e
		return coalesce.Delta{ImageData: &img}, true
	case event.RateLimit:
		rl := e
		return coalesce.Delta{RateLimit: &rl}, true
	case event.Usage:
		u := e
		return coalesce.Delta{TotalUsage: &u}, true
	case event.Error:
		return coalesce.Delta{Error: e.Message}, true
	case event.MaxToolCallsReached:
		m := e
		return coalesce.Delta{MaxToolCallsReached: &m}, true
	case event.End:
	}
	return coalesce.Delta{}, false
}
