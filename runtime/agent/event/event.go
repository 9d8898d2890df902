// Package event defines the normalized agent events produced by provider
// integrations while an assistant turn is generated. Events are immutable
// values consumed once by the block mapper and the coalescing scheduler.
//
// Event is a sealed sum type: only the variants declared in this package
// implement it, so every type switch over events (block mapping, delta
// conversion, codec) can enumerate the complete set of cases.
package event

import (
	"encoding/json"
	"time"
)

type (
	// Event is one normalized agent event. The unexported marker method seals
	// the interface to the variants declared below.
	//
	//sumtype:decl
	Event interface {
		// Type returns the wire discriminator for the event.
		Type() Type
		isEvent()
	}

	// Content carries an assistant text fragment. Fragments for the same
	// block are appended, never replaced.
	Content struct {
		Text string
	}

	// Reasoning carries a reasoning ("thinking") fragment. StartedAt and
	// EndedAt, when set, bracket the reasoning phase.
	Reasoning struct {
		Text      string
		StartedAt *time.Time
		EndedAt   *time.Time
	}

	// ToolCall reports one step of a tool call lifecycle. All phases for the
	// same ID update the same block.
	ToolCall struct {
		// Phase is the lifecycle step.
		Phase ToolCallPhase
		// ID correlates the lifecycle steps of one tool call.
		ID string
		// Name is the tool name when known.
		Name string
		// Params is the (possibly partial) JSON argument string.
		Params string
		// Response is the tool result, set on the end phase.
		Response string
		// Permission describes the decision requested on the
		// permission-required phase.
		Permission *Permission
	}

	// Permission describes a human decision requested before a tool runs.
	Permission struct {
		// Kind is the kind of access requested ("read", "write", "all", ...).
		Kind string `json:"permission_type"`
		// Description is a human-facing explanation of the request.
		Description string `json:"description,omitempty"`
		// ServerName identifies the tool server that asked, if any.
		ServerName string `json:"server_name,omitempty"`
	}

	// Image carries a base64 encoded image produced by the model.
	Image struct {
		Data     string `json:"data"`
		MimeType string `json:"mime_type"`
	}

	// RateLimit reports that the provider request is queued behind a QPS
	// limit.
	RateLimit struct {
		ProviderID    string
		QPSLimit      float64
		CurrentQPS    float64
		QueueLength   int
		EstimatedWait time.Duration
		// Severe marks waits the producer considers failures rather than
		// transient queueing.
		Severe bool
	}

	// Usage reports token usage. It never produces a block.
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
		// ContextTokens is the context window size of the model when known.
		ContextTokens int `json:"context_length,omitempty"`
	}

	// Error reports a generation failure.
	Error struct {
		Message string
	}

	// MaxToolCallsReached reports that the turn stopped issuing tool calls
	// because the configured limit was hit.
	MaxToolCallsReached struct {
		ToolCallID string
		Limit      int
	}

	// End marks the end of the generation.
	End struct{}

	// Type is the wire discriminator of an event.
	Type string

	// ToolCallPhase enumerates tool call lifecycle steps.
	ToolCallPhase string
)

const (
	TypeContent             Type = "content"
	TypeReasoning           Type = "reasoning_content"
	TypeToolCall            Type = "tool_call"
	TypeImage               Type = "image_data"
	TypeRateLimit           Type = "rate_limit"
	TypeUsage               Type = "usage"
	TypeError               Type = "error"
	TypeMaxToolCallsReached Type = "maximum_tool_calls_reached"
	TypeEnd                 Type = "end"
)

const (
	PhaseStart              ToolCallPhase = "start"
	PhaseRunning            ToolCallPhase = "running"
	PhaseEnd                ToolCallPhase = "end"
	PhasePermissionRequired ToolCallPhase = "permission-required"
)

func (Content) Type() Type             { return TypeContent }
func (Reasoning) Type() Type           { return TypeReasoning }
func (ToolCall) Type() Type            { return TypeToolCall }
func (Image) Type() Type               { return TypeImage }
func (RateLimit) Type() Type           { return TypeRateLimit }
func (Usage) Type() Type               { return TypeUsage }
func (Error) Type() Type               { return TypeError }
func (MaxToolCallsReached) Type() Type { return TypeMaxToolCallsReached }
func (End) Type() Type                 { return TypeEnd }

func (Content) isEvent()             {}
func (Reasoning) isEvent()           {}
func (ToolCall) isEvent()            {}
func (Image) isEvent()               {}
func (RateLimit) isEvent()           {}
func (Usage) isEvent()               {}
func (Error) isEvent()               {}
func (MaxToolCallsReached) isEvent() {}
func (End) isEvent()                 {}

// Known reports whether p is one of the lifecycle phases the mapper handles.
func (p ToolCallPhase) Known() bool {
	switch p {
	case PhaseStart, PhaseRunning, PhaseEnd, PhasePermissionRequired:
		return true
	}
	return false
}

// MarshalJSON encodes the duration in milliseconds so display surfaces do not
// need to know Go duration units.
func (r RateLimit) MarshalJSON() ([]byte, error) {
	return json.Marshal(rateLimitJSON{
		ProviderID:      r.ProviderID,
		QPSLimit:        r.QPSLimit,
		CurrentQPS:      r.CurrentQPS,
		QueueLength:     r.QueueLength,
		EstimatedWaitMs: r.EstimatedWait.Milliseconds(),
		Severe:          r.Severe,
	})
}

// UnmarshalJSON decodes the millisecond wait estimate.
func (r *RateLimit) UnmarshalJSON(data []byte) error {
	var v rateLimitJSON
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*r = RateLimit{
		ProviderID:    v.ProviderID,
		QPSLimit:      v.QPSLimit,
		CurrentQPS:    v.CurrentQPS,
		QueueLength:   v.QueueLength,
		EstimatedWait: time.Duration(v.EstimatedWaitMs) * time.Millisecond,
		Severe:        v.Severe,
	}
	return nil
}

type rateLimitJSON struct {
	ProviderID      string  `json:"provider_id"`
	QPSLimit        float64 `json:"qps_limit"`
	CurrentQPS      float64 `json:"current_qps"`
	QueueLength     int     `json:"queue_length"`
	EstimatedWaitMs int64   `json:"estimated_wait_ms"`
	Severe          bool    `json:"severe,omitempty"`
}
