package coalesce

import (
	"github.com/wangle201210/deepchat-sub006/runtime/agent/stream"
)

// Delta is an incremental generation update. See stream.Delta for field
// semantics.
type Delta = stream.Delta

// deltaKind is the coarse classification used to decide whether an incoming
// delta may be merged into the pending accumulator.
type deltaKind int

const (
	kindNone deltaKind = iota
	kindContent
	kindReasoning
	kindToolCall
	kindImage
	kindRateLimit
	kindMixed
)

func (k deltaKind) String() string {
	switch k {
	case kindContent:
		return "content"
	case kindReasoning:
		return "reasoning"
	case kindToolCall:
		return "tool_call"
	case kindImage:
		return "image"
	case kindRateLimit:
		return "rate_limit"
	case kindMixed:
		return "mixed"
	}
	return "none"
}

// classify returns the kind of d. Usage, error, reasoning time and maximum
// tool calls fields do not contribute.
func classify(d Delta) deltaKind {
	k, n := kindNone, 0
	if d.Content != "" {
		k, n = kindContent, n+1
	}
	if d.ReasoningContent != "" {
		k, n = kindReasoning, n+1
	}
	if d.HasToolCall() {
		k, n = kindToolCall, n+1
	}
	if d.ImageData != nil {
		k, n = kindImage, n+1
	}
	if d.RateLimit != nil {
		k, n = kindRateLimit, n+1
	}
	if n > 1 {
		return kindMixed
	}
	return k
}

// mustFlushBefore reports whether pending has to be flushed before in is
// merged into it.
func mustFlushBefore(pending, in Delta) bool {
	pk, ik := classify(pending), classify(in)
	if pk == kindNone || ik == kindNone {
		return false
	}
	if pk != ik {
		return true
	}
	switch pk {
	case kindImage, kindRateLimit:
		return true
	case kindToolCall:
		if in.ToolCallID != "" && in.ToolCallID != pending.ToolCallID {
			return true
		}
		return in.ToolCallName != "" && pending.ToolCallName != "" && in.ToolCallName != pending.ToolCallName
	}
	return false
}

// merge folds in into dst: text fields concatenate, every other set field
// replaces the pending value.
func merge(dst *Delta, in Delta) {
	dst.Content += in.Content
	dst.ReasoningContent += in.ReasoningContent
	if in.ReasoningTime != nil {
		rt := *in.ReasoningTime
		dst.ReasoningTime = &rt
	}
	if in.ToolCall != "" {
		dst.ToolCall = in.ToolCall
	}
	if in.ToolCallID != "" {
		dst.ToolCallID = in.ToolCallID
	}
	if in.ToolCallName != "" {
		dst.ToolCallName = in.ToolCallName
	}
	if in.ToolCallParams != "" {
		dst.ToolCallParams = in.ToolCallParams
	}
	if in.ToolCallResponse != "" {
		dst.ToolCallResponse = in.ToolCallResponse
	}
	if in.Permission != nil {
		p := *in.Permission
		dst.Permission = &p
	}
	if in.PermissionStatus != "" {
		dst.PermissionStatus = in.PermissionStatus
	}
	if in.ImageData != nil {
		img := *in.ImageData
		dst.ImageData = &img
	}
	if in.RateLimit != nil {
		rl := *in.RateLimit
		dst.RateLimit = &rl
	}
	if in.TotalUsage != nil {
		u := *in.TotalUsage
		dst.TotalUsage = &u
	}
	if in.MaxToolCallsReached != nil {
		m := *in.MaxToolCallsReached
		dst.MaxToolCallsReached = &m
	}
	if in.Error != "" {
		dst.Error = in.Error
	}
}

// split separates the text and reasoning fragments of a delta carrying both.
// The text half keeps every other field.
func split(d Delta) (Delta, Delta, bool) {
	if d.Content == "" || d.ReasoningContent == "" {
		return d, Delta{}, false
	}
	reasoning := Delta{ReasoningContent: d.ReasoningContent, ReasoningTime: d.ReasoningTime}
	text := d
	text.ReasoningContent = ""
	text.ReasoningTime = nil
	return text, reasoning, true
}
