package anthropic

import (
	"context"
	"strings"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
)

// pump drains stream through tr and emits the resulting events.
func pump(ctx context.Context, stream *ssestream.Stream[sdk.MessageStreamEventUnion], tr *translator, emit func(event.Event) error) error {
	for stream.Next() {
		if err := ctx.Err(); err != nil {
			return err
		}
		for _, ev := range tr.Handle(stream.Current()) {
			if err := emit(ev); err != nil {
				return err
			}
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := stream.Err(); err != nil {
		return emit(event.Error{Message: "anthropic: " + err.Error()})
	}
	return nil
}

// translator converts Anthropic streaming events into agent events. Tool
// arguments are accumulated so every running event carries the full
// parameter string received so far.
type translator struct {
	now      func() time.Time
	tools    map[int]*toolBuffer
	thinking map[int]time.Time
	prompt   int
}

type toolBuffer struct {
	id     string
	name   string
	params strings.Builder
}

func newTranslator(now func() time.Time) *translator {
	return &translator{
		now:      now,
		tools:    make(map[int]*toolBuffer),
		thinking: make(map[int]time.Time),
	}
}

// Handle returns the events produced by one SDK stream event.
func (t *translator) Handle(ev sdk.MessageStreamEventUnion) []event.Event {
	switch e := ev.AsAny().(type) {
	case sdk.MessageStartEvent:
		t.tools = make(map[int]*toolBuffer)
		t.thinking = make(map[int]time.Time)
		t.prompt = int(e.Message.Usage.InputTokens)
	case sdk.ContentBlockStartEvent:
		idx := int(e.Index)
		switch block := e.ContentBlock.AsAny().(type) {
		case sdk.ToolUseBlock:
			t.tools[idx] = &toolBuffer{id: block.ID, name: block.Name}
			return []event.Event{event.ToolCall{Phase: event.PhaseStart, ID: block.ID, Name: block.Name}}
		case sdk.ThinkingBlock:
			t.thinking[idx] = t.now()
		}
	case sdk.ContentBlockDeltaEvent:
		idx := int(e.Index)
		switch d := e.Delta.AsAny().(type) {
		case sdk.TextDelta:
			if d.Text != "" {
				return []event.Event{event.Content{Text: d.Text}}
			}
		case sdk.ThinkingDelta:
			if d.Thinking == "" {
				return nil
			}
			start, ok := t.thinking[idx]
			if !ok {
				start = t.now()
				t.thinking[idx] = start
			}
			return []event.Event{event.Reasoning{Text: d.Thinking, StartedAt: &start}}
		case sdk.InputJSONDelta:
			tb := t.tools[idx]
			if tb == nil || d.PartialJSON == "" {
				return nil
			}
			tb.params.WriteString(d.PartialJSON)
			return []event.Event{event.ToolCall{
				Phase:  event.PhaseRunning,
				ID:     tb.id,
				Name:   tb.name,
				Params: tb.params.String(),
			}}
		}
	case sdk.ContentBlockStopEvent:
		idx := int(e.Index)
		if _, ok := t.thinking[idx]; ok {
			delete(t.thinking, idx)
			end := t.now()
			return []event.Event{event.Reasoning{EndedAt: &end}}
		}
		delete(t.tools, idx)
	case sdk.MessageDeltaEvent:
		prompt := t.prompt
		if in := int(e.Usage.InputTokens); in > 0 {
			prompt = in
		}
		completion := int(e.Usage.OutputTokens)
		return []event.Event{event.Usage{
			PromptTokens:     prompt,
			CompletionTokens: completion,
			TotalTokens:      prompt + completion,
		}}
	}
	return nil
}
