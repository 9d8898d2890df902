package openai

import (
	"context"
	"encoding/json"
	"strings"

	sdk "github.com/openai/openai-go"
	"github.com/openai/openai-go/packages/ssestream"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
)

func pump(ctx context.Context, stream *ssestream.Stream[sdk.ChatCompletionChunk], tr *translator, emit func(event.Event) error) error {
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
		return emit(event.Error{Message: "openai: " + err.Error()})
	}
	return nil
}

// translator converts chat completion chunks into agent events. Tool call
// fragments are keyed by their index; the first fragment carries the id and
// name.
type translator struct {
	tools map[int64]*toolBuffer
}

type toolBuffer struct {
	id     string
	name   string
	params strings.Builder
}

func newTranslator() *translator {
	return &translator{tools: make(map[int64]*toolBuffer)}
}

// Handle returns the events produced by one chunk.
func (t *translator) Handle(chunk sdk.ChatCompletionChunk) []event.Event {
	var out []event.Event
	for _, choice := range chunk.Choices {
		d := choice.Delta
		if r := reasoningContent(d); r != "" {
			out = append(out, event.Reasoning{Text: r})
		}
		if d.Content != "" {
			out = append(out, event.Content{Text: d.Content})
		}
		for _, tc := range d.ToolCalls {
			tb, ok := t.tools[tc.Index]
			if !ok {
				tb = &toolBuffer{id: tc.ID, name: tc.Function.Name}
				t.tools[tc.Index] = tb
				out = append(out, event.ToolCall{Phase: event.PhaseStart, ID: tb.id, Name: tb.name})
			}
			if tc.Function.Arguments == "" {
				continue
			}
			tb.params.WriteString(tc.Function.Arguments)
			out = append(out, event.ToolCall{
				Phase:  event.PhaseRunning,
				ID:     tb.id,
				Name:   tb.name,
				Params: tb.params.String(),
			})
		}
	}
	if u := chunk.Usage; u.TotalTokens > 0 {
		out = append(out, event.Usage{
			PromptTokens:     int(u.PromptTokens),
			CompletionTokens: int(u.CompletionTokens),
			TotalTokens:      int(u.TotalTokens),
		})
	}
	return out
}

// reasoningContent extracts the reasoning_content extension sent by
// OpenAI-compatible reasoning models.
func reasoningContent(d sdk.ChatCompletionChunkChoiceDelta) string {
	f, ok := d.JSON.ExtraFields["reasoning_content"]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal([]byte(f.Raw()), &s); err != nil {
		return ""
	}
	return s
}
