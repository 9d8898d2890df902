package bedrock

import (
	"strings"
	"time"

	brtypes "github.com/aws/aws-sdk-go-v2/service/bedrockruntime/types"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
)

// translator converts ConverseStream events into agent events. Tool input
// fragments are accumulated per content block.
type translator struct {
	now       func() time.Time
	tools     map[int32]*toolBuffer
	reasoning map[int32]time.Time
}

type toolBuffer struct {
	id     string
	name   string
	params strings.Builder
}

func newTranslator(now func() time.Time) *translator {
	return &translator{
		now:       now,
		tools:     make(map[int32]*toolBuffer),
		reasoning: make(map[int32]time.Time),
	}
}

// Handle returns the events produced by one stream event.
func (t *translator) Handle(ev brtypes.ConverseStreamOutput) []event.Event {
	switch e := ev.(type) {
	case *brtypes.ConverseStreamOutputMemberMessageStart:
		t.tools = make(map[int32]*toolBuffer)
		t.reasoning = make(map[int32]time.Time)
	case *brtypes.ConverseStreamOutputMemberContentBlockStart:
		idx := index(e.Value.ContentBlockIndex)
		toolUse, ok := e.Value.Start.(*brtypes.ContentBlockStartMemberToolUse)
		if !ok {
			return nil
		}
		tb := &toolBuffer{
			id:   deref(toolUse.Value.ToolUseId),
			name: normalizeToolName(deref(toolUse.Value.Name)),
		}
		t.tools[idx] = tb
		return []event.Event{event.ToolCall{Phase: event.PhaseStart, ID: tb.id, Name: tb.name}}
	case *brtypes.ConverseStreamOutputMemberContentBlockDelta:
		idx := index(e.Value.ContentBlockIndex)
		switch d := e.Value.Delta.(type) {
		case *brtypes.ContentBlockDeltaMemberText:
			if d.Value != "" {
				return []event.Event{event.Content{Text: d.Value}}
			}
		case *brtypes.ContentBlockDeltaMemberReasoningContent:
			text, ok := d.Value.(*brtypes.ReasoningContentBlockDeltaMemberText)
			if !ok || text.Value == "" {
				return nil
			}
			start, seen := t.reasoning[idx]
			if !seen {
				start = t.now()
				t.reasoning[idx] = start
			}
			return []event.Event{event.Reasoning{Text: text.Value, StartedAt: &start}}
		case *brtypes.ContentBlockDeltaMemberToolUse:
			tb := t.tools[idx]
			if tb == nil || d.Value.Input == nil || *d.Value.Input == "" {
				return nil
			}
			tb.params.WriteString(*d.Value.Input)
			return []event.Event{event.ToolCall{
				Phase:  event.PhaseRunning,
				ID:     tb.id,
				Name:   tb.name,
				Params: tb.params.String(),
			}}
		}
	case *brtypes.ConverseStreamOutputMemberContentBlockStop:
		idx := index(e.Value.ContentBlockIndex)
		delete(t.tools, idx)
		if _, ok := t.reasoning[idx]; ok {
			delete(t.reasoning, idx)
			end := t.now()
			return []event.Event{event.Reasoning{EndedAt: &end}}
		}
	case *brtypes.ConverseStreamOutputMemberMetadata:
		u := e.Value.Usage
		if u == nil {
			return nil
		}
		return []event.Event{event.Usage{
			PromptTokens:     int(deref(u.InputTokens)),
			CompletionTokens: int(deref(u.OutputTokens)),
			TotalTokens:      int(deref(u.TotalTokens)),
		}}
	}
	return nil
}

func index(idx *int32) int32 {
	if idx == nil {
		return 0
	}
	return *idx
}

func deref[T any](p *T) T {
	var zero T
	if p == nil {
		return zero
	}
	return *p
}

func normalizeToolName(name string) string {
	return strings.TrimPrefix(name, "$FUNCTIONS.")
}
