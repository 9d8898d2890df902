// Package blockmap maps normalized agent events onto the blocks of the
// assistant message being generated.
//
// Apply is the only writer of blocks during generation. Each event updates at
// most one block: text and reasoning fragments extend the trailing block of
// the same kind, tool call lifecycle events update the block keyed by the tool
// call id, and the remaining events append a new block. Usage events are
// absorbed into the message metadata and End runs Recover.
package blockmap

import (
	"errors"
	"fmt"
	"time"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
)

var (
	// ErrUnrecognizedEvent is returned for nil or foreign event values. It
	// indicates a programming error in the producer.
	ErrUnrecognizedEvent = errors.New("unrecognized agent event")

	// ErrNoPendingPermission is returned by Resolve when no pending
	// permission request exists for the tool call.
	ErrNoPendingPermission = errors.New("no pending permission request")
)

// Apply maps ev onto msg and returns the block it created or updated. It
// returns nil for events that produce no block (usage, end, tool call events
// with an unknown phase).
func Apply(msg *message.Message, ev event.Event, now time.Time) (*message.Block, error) {
	switch e := ev.(type) {
	case event.Content:
		return appendContent(msg, e, now), nil
	case event.Reasoning:
		return appendReasoning(msg, e, now), nil
	case event.ToolCall:
		return applyToolCall(msg, e, now)
	case event.Image:
		img := e
		return msg.Append(&message.Block{
			Kind:      message.KindImage,
			Status:    message.BlockSuccess,
			Timestamp: now,
			Image:     &img,
		}), nil
	case event.RateLimit:
		return applyRateLimit(msg, e, now), nil
	case event.Usage:
		u := e
		msg.Usage = &u
		return nil, nil
	case event.Error:
		return msg.Append(&message.Block{
			Kind:      message.KindError,
			Status:    message.BlockError,
			Timestamp: now,
			Content:   e.Message,
		}), nil
	case event.MaxToolCallsReached:
		m := e
		return msg.Append(&message.Block{
			Kind:         message.KindAction,
			Action:       message.ActionMaxToolCallsReached,
			Status:       message.BlockSuccess,
			Timestamp:    now,
			MaxToolCalls: &m,
		}), nil
	case event.End:
		Recover(msg)
		return nil, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnrecognizedEvent, ev)
}

// Recover forces every block still loading to error. Pending permission
// requests are left untouched since a decision may still arrive. Recover is
// idempotent and returns the number of blocks it changed.
func Recover(msg *message.Message) int {
	n := 0
	for _, b := range msg.Blocks {
		if b.Status != message.BlockLoading {
			continue
		}
		if b.SetStatus(message.BlockError) == nil {
			n++
		}
	}
	return n
}

// Resolve records the decision on the pending permission request for the
// given tool call.
func Resolve(msg *message.Message, toolCallID string, granted bool) (*message.Block, error) {
	for i := len(msg.Blocks) - 1; i >= 0; i-- {
		b := msg.Blocks[i]
		if !b.IsPermission() || b.Status != message.BlockPending {
			continue
		}
		if b.ToolCall == nil || b.ToolCall.ID != toolCallID {
			continue
		}
		to := message.BlockDenied
		if granted {
			to = message.BlockGranted
		}
		if err := b.SetStatus(to); err != nil {
			return nil, err
		}
		return b, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNoPendingPermission, toolCallID)
}

func appendContent(msg *message.Message, e event.Content, now time.Time) *message.Block {
	last := msg.LastBlock()
	if last != nil && last.Kind == message.KindContent {
		last.Content += e.Text
		return last
	}
	closeReasoning(last, now)
	return msg.Append(&message.Block{
		Kind:      message.KindContent,
		Status:    message.BlockSuccess,
		Timestamp: now,
		Content:   e.Text,
	})
}

func appendReasoning(msg *message.Message, e event.Reasoning, now time.Time) *message.Block {
	b := msg.LastBlock()
	if b == nil || b.Kind != message.KindReasoning {
		start := now
		if e.StartedAt != nil {
			start = *e.StartedAt
		}
		b = msg.Append(&message.Block{
			Kind:          message.KindReasoning,
			Status:        message.BlockSuccess,
			Timestamp:     now,
			ReasoningTime: &message.ReasoningTime{Start: start},
		})
	}
	b.Content += e.Text
	if e.StartedAt != nil && b.ReasoningTime.Start.After(*e.StartedAt) {
		b.ReasoningTime.Start = *e.StartedAt
	}
	if e.EndedAt != nil {
		b.ReasoningTime.End = *e.EndedAt
	}
	return b
}

// closeReasoning stamps the end of a reasoning phase that was never closed
// explicitly by the producer.
func closeReasoning(b *message.Block, now time.Time) {
	if b == nil || b.Kind != message.KindReasoning || b.ReasoningTime == nil {
		return
	}
	if b.ReasoningTime.End.IsZero() {
		b.ReasoningTime.End = now
	}
}

func applyToolCall(msg *message.Message, e event.ToolCall, now time.Time) (*message.Block, error) {
	if !e.Phase.Known() {
		return nil, nil
	}
	if e.Phase == event.PhasePermissionRequired {
		var perm *event.Permission
		if e.Permission != nil {
			p := *e.Permission
			perm = &p
		}
		return msg.Append(&message.Block{
			Kind:       message.KindAction,
			Action:     message.ActionToolCallPermission,
			Status:     message.BlockPending,
			Timestamp:  now,
			ToolCall:   &message.ToolCall{ID: e.ID, Name: e.Name, Params: e.Params},
			Permission: perm,
		}), nil
	}

	b := openToolCall(msg, e.ID)
	if b == nil {
		// Lifecycle events without an open block, including reuse of an id
		// whose block already reached a terminal state, open a fresh block.
		closeReasoning(msg.LastBlock(), now)
		b = msg.Append(&message.Block{
			Kind:      message.KindToolCall,
			Status:    message.BlockLoading,
			Timestamp: now,
			ToolCall:  &message.ToolCall{ID: e.ID},
		})
	}
	if e.Name != "" {
		b.ToolCall.Name = e.Name
	}
	if e.Params != "" {
		b.ToolCall.Params = e.Params
	}
	if e.Phase == event.PhaseEnd {
		b.ToolCall.Response = e.Response
		if err := b.SetStatus(message.BlockSuccess); err != nil {
			return nil, err
		}
	}
	return b, nil
}

// openToolCall returns the latest loading tool_call block for id.
func openToolCall(msg *message.Message, id string) *message.Block {
	for i := len(msg.Blocks) - 1; i >= 0; i-- {
		b := msg.Blocks[i]
		if b.Kind != message.KindToolCall || b.ToolCall == nil || b.ToolCall.ID != id {
			continue
		}
		if b.Status == message.BlockLoading {
			return b
		}
		return nil
	}
	return nil
}

func applyRateLimit(msg *message.Message, e event.RateLimit, now time.Time) *message.Block {
	status := message.BlockPending
	if e.Severe {
		status = message.BlockError
	}
	rl := e
	last := msg.LastBlock()
	if last != nil && last.Kind == message.KindAction && last.Action == message.ActionRateLimit &&
		last.Status == message.BlockPending && last.RateLimit != nil && last.RateLimit.ProviderID == e.ProviderID {
		last.RateLimit = &rl
		_ = last.SetStatus(status)
		return last
	}
	return msg.Append(&message.Block{
		Kind:      message.KindAction,
		Action:    message.ActionRateLimit,
		Status:    status,
		Timestamp: now,
		RateLimit: &rl,
	})
}
