// Package message defines the conversation message model assembled from agent
// events: an ordered list of typed blocks plus role and status metadata.
package message

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/event"
)

type (
	// Message is one conversation message. Assistant messages carry Blocks,
	// user messages carry User.
	Message struct {
		// ID uniquely identifies the message. For assistant messages under
		// generation it doubles as the generation id.
		ID string `json:"id"`
		// ConversationID groups messages of one conversation.
		ConversationID string `json:"conversation_id,omitempty"`
		// ParentID is the user message an assistant message answers.
		ParentID string `json:"parent_id,omitempty"`
		// Role is the author of the message.
		Role Role `json:"role"`
		// Status tracks delivery: pending while generating, sent once complete.
		Status Status `json:"status"`
		// ContextEdge marks the message as non-droppable when selecting
		// context for the next prompt.
		ContextEdge bool `json:"context_edge,omitempty"`
		// IsVariant marks alternative answers regenerated for the same parent.
		IsVariant bool `json:"is_variant,omitempty"`
		// CreatedAt is the creation time.
		CreatedAt time.Time `json:"created_at"`
		// User is the content of a user message.
		User *UserContent `json:"user,omitempty"`
		// Blocks is the ordered content of an assistant message. Blocks are
		// only ever appended.
		Blocks []*Block `json:"blocks,omitempty"`
		// Usage is the last token usage reported for the generation.
		Usage *event.Usage `json:"usage,omitempty"`
	}

	// UserContent is the structured content of a user message.
	UserContent struct {
		Text  string   `json:"text"`
		Files []File   `json:"files,omitempty"`
		Links []string `json:"links,omitempty"`
	}

	// File is a file attached to a user message. Content holds the extracted
	// text, or the base64 payload for images.
	File struct {
		Name     string `json:"name"`
		MimeType string `json:"mime_type"`
		Content  string `json:"content,omitempty"`
	}

	// Block is one typed unit of assistant output.
	Block struct {
		// Kind discriminates the block.
		Kind BlockKind `json:"type"`
		// Action is the sub-kind of action blocks.
		Action ActionType `json:"action_type,omitempty"`
		// Status is the lifecycle state. Use SetStatus to change it.
		Status BlockStatus `json:"status"`
		// Timestamp is the creation time.
		Timestamp time.Time `json:"timestamp"`
		// Content is the text of content, reasoning and error blocks.
		Content string `json:"content,omitempty"`
		// ToolCall is set on tool_call and tool_call_permission blocks.
		ToolCall *ToolCall `json:"tool_call,omitempty"`
		// Permission is set on tool_call_permission blocks.
		Permission *event.Permission `json:"permission,omitempty"`
		// Image is set on image blocks.
		Image *event.Image `json:"image_data,omitempty"`
		// RateLimit is set on rate_limit action blocks.
		RateLimit *event.RateLimit `json:"rate_limit,omitempty"`
		// MaxToolCalls is set on maximum_tool_calls_reached action blocks.
		MaxToolCalls *event.MaxToolCallsReached `json:"maximum_tool_calls_reached,omitempty"`
		// ReasoningTime brackets the reasoning phase of reasoning blocks.
		ReasoningTime *ReasoningTime `json:"reasoning_time,omitempty"`
	}

	// ToolCall is the tool invocation recorded by a block.
	ToolCall struct {
		ID       string `json:"id"`
		Name     string `json:"name,omitempty"`
		Params   string `json:"params,omitempty"`
		Response string `json:"response,omitempty"`
	}

	// ReasoningTime brackets a reasoning phase.
	ReasoningTime struct {
		Start time.Time `json:"start"`
		End   time.Time `json:"end,omitzero"`
	}

	// Role identifies the author of a message.
	Role string

	// Status is the delivery status of a message.
	Status string

	// BlockKind discriminates blocks.
	BlockKind string

	// ActionType discriminates action blocks.
	ActionType string

	// BlockStatus is the lifecycle state of a block.
	BlockStatus string
)

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
)

const (
	StatusPending Status = "pending"
	StatusSent    Status = "sent"
	StatusError   Status = "error"
)

const (
	KindContent   BlockKind = "content"
	KindReasoning BlockKind = "reasoning_content"
	KindToolCall  BlockKind = "tool_call"
	KindAction    BlockKind = "action"
	KindImage     BlockKind = "image"
	KindError     BlockKind = "error"
)

const (
	ActionToolCallPermission  ActionType = "tool_call_permission"
	ActionRateLimit           ActionType = "rate_limit"
	ActionMaxToolCallsReached ActionType = "maximum_tool_calls_reached"
)

const (
	BlockLoading BlockStatus = "loading"
	BlockPending BlockStatus = "pending"
	BlockSuccess BlockStatus = "success"
	BlockError   BlockStatus = "error"
	BlockGranted BlockStatus = "granted"
	BlockDenied  BlockStatus = "denied"
)

// ErrIllegalTransition is returned by SetStatus for transitions outside
// loading -> {success, error} and pending -> {granted, denied, error}.
var ErrIllegalTransition = errors.New("illegal block status transition")

// CanTransition reports whether a block may move from one status to another.
// Terminal states have no outgoing transitions.
func CanTransition(from, to BlockStatus) bool {
	switch from {
	case BlockLoading:
		return to == BlockSuccess || to == BlockError
	case BlockPending:
		return to == BlockGranted || to == BlockDenied || to == BlockError
	}
	return false
}

// Terminal reports whether s has no outgoing transitions.
func (s BlockStatus) Terminal() bool {
	switch s {
	case BlockSuccess, BlockError, BlockGranted, BlockDenied:
		return true
	}
	return false
}

// SetStatus moves the block to status to. Setting the current status again is
// a no-op.
func (b *Block) SetStatus(to BlockStatus) error {
	if b.Status == to {
		return nil
	}
	if !CanTransition(b.Status, to) {
		return fmt.Errorf("%w: %s -> %s", ErrIllegalTransition, b.Status, to)
	}
	b.Status = to
	return nil
}

// IsPermission reports whether b is a tool call permission request.
func (b *Block) IsPermission() bool {
	return b.Kind == KindAction && b.Action == ActionToolCallPermission
}

// Clone returns a copy of b. Nested values are copied so the clone can be
// mutated independently.
func (b *Block) Clone() *Block {
	c := *b
	if b.ToolCall != nil {
		tc := *b.ToolCall
		c.ToolCall = &tc
	}
	if b.Permission != nil {
		p := *b.Permission
		c.Permission = &p
	}
	if b.Image != nil {
		img := *b.Image
		c.Image = &img
	}
	if b.RateLimit != nil {
		rl := *b.RateLimit
		c.RateLimit = &rl
	}
	if b.MaxToolCalls != nil {
		m := *b.MaxToolCalls
		c.MaxToolCalls = &m
	}
	if b.ReasoningTime != nil {
		rt := *b.ReasoningTime
		c.ReasoningTime = &rt
	}
	return &c
}

// Clone returns a copy of m whose block list and blocks can be mutated
// without affecting m.
func (m *Message) Clone() *Message {
	c := *m
	if m.User != nil {
		u := *m.User
		u.Files = append([]File(nil), m.User.Files...)
		u.Links = append([]string(nil), m.User.Links...)
		c.User = &u
	}
	if m.Blocks != nil {
		c.Blocks = make([]*Block, len(m.Blocks))
		for i, b := range m.Blocks {
			c.Blocks[i] = b.Clone()
		}
	}
	if m.Usage != nil {
		u := *m.Usage
		c.Usage = &u
	}
	return &c
}

// LastBlock returns the trailing block or nil.
func (m *Message) LastBlock() *Block {
	if len(m.Blocks) == 0 {
		return nil
	}
	return m.Blocks[len(m.Blocks)-1]
}

// Append adds b to the end of the block list.
func (m *Message) Append(b *Block) *Block {
	m.Blocks = append(m.Blocks, b)
	return b
}

// HasImages reports whether a user message carries image attachments.
func (m *Message) HasImages() bool {
	if m.User == nil {
		return false
	}
	for _, f := range m.User.Files {
		if f.IsImage() {
			return true
		}
	}
	return false
}

// IsImage reports whether the file is an image attachment.
func (f File) IsImage() bool {
	return strings.HasPrefix(f.MimeType, "image/")
}

// Content serializes the message body for durable storage: the block list
// of assistant messages, the user content of user messages.
func (m *Message) Content() ([]byte, error) {
	if m.Role == RoleUser {
		if m.User == nil {
			return []byte("{}"), nil
		}
		return json.Marshal(m.User)
	}
	if m.Blocks == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(m.Blocks)
}
