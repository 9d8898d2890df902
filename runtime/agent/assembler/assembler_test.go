package assembler

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/blockmap"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/coalesce"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/coalesce/clocktest"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/store"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
)

type recordSink struct {
	mu       sync.Mutex
	payloads []stream.Payload
}

func (s *recordSink) Send(_ context.Context, p stream.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.payloads = append(s.payloads, p)
	return nil
}

func (s *recordSink) Close(context.Context) error { return nil }

func (s *recordSink) Payloads() []stream.Payload {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]stream.Payload(nil), s.payloads...)
}

type fixture struct {
	a     *Assembler
	sched *coalesce.Scheduler
	sink  *recordSink
	store *store.Memory
	clock *clocktest.Clock
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	ctx := context.Background()
	f := &fixture{
		sink:  &recordSink{},
		store: store.NewMemory(),
		clock: clocktest.New(time.Date(2025, 6, 1, 9, 0, 0, 0, time.UTC)),
	}
	require.NoError(t, f.store.Create(ctx, "m1", nil))
	sched, err := coalesce.New(coalesce.Options{Display: f.sink, Store: f.store, Clock: f.clock})
	require.NoError(t, err)
	f.sched = sched
	a, err := New(Options{Scheduler: sched, Store: f.store, Clock: f.clock})
	require.NoError(t, err)
	f.a = a
	return f
}

func newMessage() *message.Message {
	return &message.Message{ID: "m1", ParentID: "u1", Role: message.RoleAssistant}
}

func feed(evs ...event.Event) <-chan event.Event {
	ch := make(chan event.Event, len(evs))
	for _, ev := range evs {
		ch <- ev
	}
	close(ch)
	return ch
}

func storedBlocks(t *testing.T, s *store.Memory) []*message.Block {
	t.Helper()
	data, err := s.Get(context.Background(), "m1")
	require.NoError(t, err)
	var blocks []*message.Block
	require.NoError(t, json.Unmarshal(data, &blocks))
	return blocks
}

func TestNewRequiresScheduler(t *testing.T) {
	_, err := New(Options{})
	require.Error(t, err)
}

func TestRunFullGeneration(t *testing.T) {
	f := newFixture(t)
	msg, err := f.a.Run(context.Background(), newMessage(), feed(
		event.Reasoning{Text: "think"},
		event.Content{Text: "Hello "},
		event.Content{Text: "world"},
		event.ToolCall{Phase: event.PhaseStart, ID: "t1", Name: "calc"},
		event.ToolCall{Phase: event.PhaseEnd, ID: "t1", Response: "3"},
		event.Usage{TotalTokens: 42},
		event.End{},
	))
	require.NoError(t, err)
	require.Equal(t, message.StatusSent, msg.Status)
	require.Len(t, msg.Blocks, 3)
	require.Equal(t, message.KindReasoning, msg.Blocks[0].Kind)
	require.Equal(t, "Hello world", msg.Blocks[1].Content)
	require.Equal(t, message.BlockSuccess, msg.Blocks[2].Status)
	require.Equal(t, 42, msg.Usage.TotalTokens)

	got := f.sink.Payloads()
	require.Len(t, got, 4)
	require.Equal(t, stream.KindInit, got[0].Kind)
	require.Equal(t, "think", got[1].ReasoningContent)
	require.Equal(t, "Hello world", got[2].Content)
	last := got[3]
	require.Equal(t, stream.KindFinal, last.Kind)
	require.Equal(t, int64(3), last.Seq)
	require.Equal(t, "t1", last.ToolCallID)
	require.Equal(t, "3", last.ToolCallResponse)
	require.Equal(t, 42, last.TotalUsage.TotalTokens)

	require.False(t, f.sched.Active("m1"))
	blocks := storedBlocks(t, f.store)
	require.Len(t, blocks, 3)
	require.Equal(t, "Hello world", blocks[1].Content)
}

func TestRunClosedStreamRecovers(t *testing.T) {
	f := newFixture(t)
	msg, err := f.a.Run(context.Background(), newMessage(), feed(
		event.Content{Text: "partial"},
		event.ToolCall{Phase: event.PhaseStart, ID: "t1", Name: "search"},
	))
	require.NoError(t, err)
	require.Equal(t, message.BlockError, msg.Blocks[1].Status)

	blocks := storedBlocks(t, f.store)
	require.Equal(t, message.BlockError, blocks[1].Status)
	require.False(t, f.sched.Active("m1"))
}

func TestRunCancelled(t *testing.T) {
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	msg, err := f.a.Run(ctx, newMessage(), make(chan event.Event))
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, message.StatusError, msg.Status)
	require.Empty(t, f.sink.Payloads())
}

func TestRunUnrecognizedEventAborts(t *testing.T) {
	f := newFixture(t)
	ch := make(chan event.Event, 1)
	ch <- nil
	_, err := f.a.Run(context.Background(), newMessage(), ch)
	require.ErrorIs(t, err, blockmap.ErrUnrecognizedEvent)
}

func TestAbort(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	turn := f.a.Start(ctx, newMessage())
	require.NoError(t, turn.Handle(ctx, event.ToolCall{Phase: event.PhaseStart, ID: "t1"}))
	turn.Abort(ctx)
	turn.Abort(ctx)

	require.False(t, f.sched.Active("m1"))
	msg := turn.Message()
	require.Equal(t, message.StatusError, msg.Status)
	require.Equal(t, message.BlockError, msg.Blocks[0].Status)
	require.Equal(t, message.BlockError, storedBlocks(t, f.store)[0].Status)

	got := f.sink.Payloads()
	require.Len(t, got, 1)
	require.Equal(t, stream.KindInit, got[0].Kind)

	require.ErrorIs(t, turn.Handle(ctx, event.Content{Text: "late"}), ErrTurnFinished)
}

func TestErrorEndsMessageInError(t *testing.T) {
	f := newFixture(t)
	msg, err := f.a.Run(context.Background(), newMessage(), feed(
		event.Content{Text: "so far"},
		event.Error{Message: "provider failed"},
		event.End{},
	))
	require.NoError(t, err)
	require.Equal(t, message.StatusError, msg.Status)
	last := f.sink.Payloads()
	require.Equal(t, "provider failed", last[len(last)-1].Error)
}

func TestResolvePermission(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	turn := f.a.Start(ctx, newMessage())
	require.NoError(t, turn.Handle(ctx, event.ToolCall{
		Phase:      event.PhasePermissionRequired,
		ID:         "t1",
		Name:       "write_file",
		Permission: &event.Permission{Kind: "write"},
	}))
	require.NoError(t, turn.Handle(ctx, event.End{}))

	msg := turn.Message()
	require.Equal(t, message.BlockPending, msg.Blocks[0].Status)
	require.Equal(t, message.BlockPending, storedBlocks(t, f.store)[0].Status)

	require.NoError(t, turn.ResolvePermission(ctx, "t1", true))
	require.Equal(t, message.BlockGranted, storedBlocks(t, f.store)[0].Status)
	require.False(t, f.sched.Active("m1"))

	require.ErrorIs(t, turn.ResolvePermission(ctx, "t1", false), blockmap.ErrNoPendingPermission)
}

func TestResolvePermissionDuringGeneration(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	turn := f.a.Start(ctx, newMessage())
	require.NoError(t, turn.Handle(ctx, event.ToolCall{Phase: event.PhasePermissionRequired, ID: "t1", Name: "write_file"}))
	require.NoError(t, turn.ResolvePermission(ctx, "t1", false))
	require.NoError(t, turn.Handle(ctx, event.End{}))
	require.Equal(t, message.BlockDenied, storedBlocks(t, f.store)[0].Status)

	got := f.sink.Payloads()
	last := got[len(got)-1]
	require.Equal(t, stream.KindFinal, last.Kind)
	require.Equal(t, "t1", last.ToolCallID)
	require.Equal(t, "write_file", last.ToolCallName)
	require.Equal(t, message.BlockDenied, last.PermissionStatus)
}

func TestResolvePermissionFlushesDecision(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	turn := f.a.Start(ctx, newMessage())
	require.NoError(t, turn.Handle(ctx, event.ToolCall{Phase: event.PhasePermissionRequired, ID: "t1"}))
	f.clock.Advance(time.Second)
	before := len(f.sink.Payloads())

	require.NoError(t, turn.ResolvePermission(ctx, "t1", true))
	f.clock.Advance(time.Second)

	got := f.sink.Payloads()
	require.Len(t, got, before+1)
	decision := got[len(got)-1]
	require.Equal(t, stream.KindDelta, decision.Kind)
	require.Equal(t, "t1", decision.ToolCallID)
	require.Equal(t, message.BlockGranted, decision.PermissionStatus)
}

func TestToDeltaSkipsIgnoredToolCalls(t *testing.T) {
	_, ok := toDelta(event.ToolCall{Phase: "paused"}, nil)
	require.False(t, ok)
	_, ok = toDelta(event.End{}, nil)
	require.False(t, ok)
	d, ok := toDelta(event.MaxToolCallsReached{Limit: 2}, nil)
	require.True(t, ok)
	require.Equal(t, 2, d.MaxToolCallsReached.Limit)
}
