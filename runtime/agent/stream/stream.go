// Package stream defines the display channel of the streaming pipeline: the
// sequenced payloads emitted for each generation and the sinks that deliver
// them to display surfaces.
//
// Every generation produces exactly one init payload, followed by delta
// payloads with strictly increasing sequence numbers, optionally terminated by
// one final payload. Payloads of different generations are independent and may
// interleave.
package stream

import (
	"context"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
)

type (
	// Sink delivers display payloads to one surface (a UI bridge, a message
	// broker, a log).
	Sink interface {
		// Send delivers one payload. The scheduler calls Send for a given
		// generation in sequence order and never concurrently for the same
		// generation; implementations must be safe to call concurrently for
		// different generations.
		//
		// An error is logged by the caller and does not stop the generation.
		Send(ctx context.Context, p Payload) error

		// Close releases the resources owned by the sink. Close is idempotent;
		// Send after Close returns an error.
		Close(ctx context.Context) error
	}

	// Payload is one display update for a generation.
	Payload struct {
		// GenerationID identifies the generation (the assistant message id).
		GenerationID string `json:"generation_id"`
		// ParentID is the user message the generation answers.
		ParentID string `json:"parent_id,omitempty"`
		// IsVariant marks regenerated alternatives.
		IsVariant bool `json:"is_variant"`
		// Kind is init, delta or final.
		Kind Kind `json:"stream_kind"`
		// Seq is the generation sequence number. Init carries the initial
		// value; every later payload increments it by one.
		Seq int64 `json:"seq"`

		Delta
	}

	// Delta holds the accumulated, not yet flushed update fields of a
	// generation. Text fields are concatenations of the fragments received
	// since the last flush; every other field holds the last value received.
	// Zero values mean "absent".
	Delta struct {
		Content          string                 `json:"content,omitempty"`
		ReasoningContent string                 `json:"reasoning_content,omitempty"`
		ReasoningTime    *message.ReasoningTime `json:"reasoning_time,omitempty"`

		ToolCall         event.ToolCallPhase `json:"tool_call,omitempty"`
		ToolCallID       string              `json:"tool_call_id,omitempty"`
		ToolCallName     string              `json:"tool_call_name,omitempty"`
		ToolCallParams   string              `json:"tool_call_params,omitempty"`
		ToolCallResponse string              `json:"tool_call_response,omitempty"`
		Permission       *event.Permission   `json:"permission_request,omitempty"`
		// PermissionStatus carries the decision (granted or denied) recorded
		// on the permission request of ToolCallID.
		PermissionStatus message.BlockStatus `json:"permission_status,omitempty"`

		ImageData           *event.Image               `json:"image_data,omitempty"`
		RateLimit           *event.RateLimit           `json:"rate_limit,omitempty"`
		TotalUsage          *event.Usage               `json:"total_usage,omitempty"`
		MaxToolCallsReached *event.MaxToolCallsReached `json:"maximum_tool_calls_reached,omitempty"`
		Error               string                     `json:"error,omitempty"`
	}

	// Kind discriminates display payloads.
	Kind string
)

const (
	// KindInit is sent once per generation before any delta.
	KindInit Kind = "init"
	// KindDelta carries accumulated updates.
	KindDelta Kind = "delta"
	// KindFinal is the last payload of a finalized generation.
	KindFinal Kind = "final"
)

// IsZero reports whether d carries no field.
func (d Delta) IsZero() bool {
	return d.Content == "" &&
		d.ReasoningContent == "" &&
		d.ReasoningTime == nil &&
		!d.HasToolCall() &&
		d.ImageData == nil &&
		d.RateLimit == nil &&
		d.TotalUsage == nil &&
		d.MaxToolCallsReached == nil &&
		d.Error == ""
}

// HasToolCall reports whether any tool call field is set.
func (d Delta) HasToolCall() bool {
	return d.ToolCall != "" ||
		d.ToolCallID != "" ||
		d.ToolCallName != "" ||
		d.ToolCallParams != "" ||
		d.ToolCallResponse != "" ||
		d.Permission != nil ||
		d.PermissionStatus != ""
}
