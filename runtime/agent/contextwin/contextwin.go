// Package contextwin selects the prior conversation messages that fit the
// token budget of the next prompt.
//
// Selection keeps the most recent history: messages are grouped into
// user/assistant pairs, pinned pairs (context edges and, with vision enabled,
// user turns carrying images) are always kept, tool call blocks are stripped
// when that is enough to fit, and the oldest pairs are dropped until the rest
// fits. A pair is always kept or dropped as a whole.
package contextwin

import (
	"slices"
	"strings"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
)

type (
	// CostFunc returns the token cost of a text.
	CostFunc func(text string) int

	// Options configures one selection.
	Options struct {
		// Remaining is the token budget available for history.
		Remaining int
		// ToolCallsAllowed includes tool call blocks in the prompt (and in
		// their cost) and enables the stripping pass.
		ToolCallsAllowed bool
		// VisionEnabled pins user messages carrying image attachments.
		VisionEnabled bool
		// Cost defaults to Estimate.
		Cost CostFunc
	}

	// Budget describes the context window of the target model.
	Budget struct {
		// ModelMaxTokens is the context window size.
		ModelMaxTokens int
		// ThinkingBudget is reserved for reasoning output.
		ThinkingBudget int
	}

	// pair is a user message followed by the replies it received.
	pair struct {
		msgs   []*message.Message
		index  int
		pinned bool
		cost   int
	}
)

// Remaining returns the tokens left for history once used tokens (system
// prompt, new user message) and the thinking reservation are accounted for.
// The result may be negative.
func (b Budget) Remaining(used int) int {
	return b.ModelMaxTokens - b.ThinkingBudget - used
}

// Select returns the history messages to include in the next prompt in
// chronological order. newUser, the message about to be sent, is never part
// of the selection. Messages are returned as is unless tool call blocks were
// stripped, in which case stripped copies are returned.
func Select(history []*message.Message, newUser *message.Message, opts Options) []*message.Message {
	if opts.Remaining <= 0 {
		return nil
	}
	cost := opts.Cost
	if cost == nil {
		cost = Estimate
	}

	var eligible []*message.Message
	for _, m := range history {
		if m == nil || m.Status != message.StatusSent {
			continue
		}
		if newUser != nil && newUser.ID != "" && m.ID == newUser.ID {
			continue
		}
		eligible = append(eligible, m)
	}
	if len(eligible) == 0 {
		return nil
	}

	pairs := group(eligible)
	remaining := opts.Remaining
	var pinned, free []*pair
	for _, p := range pairs {
		p.pinned = isPinned(p, opts.VisionEnabled)
		p.cost = pairCost(p.msgs, cost, opts.ToolCallsAllowed)
		if p.pinned {
			remaining -= p.cost
			pinned = append(pinned, p)
			continue
		}
		free = append(free, p)
	}

	total := sumCost(free)
	if total > remaining && opts.ToolCallsAllowed {
		for _, p := range free {
			p.msgs = StripToolCalls(p.msgs)
			p.cost = pairCost(p.msgs, cost, false)
		}
		total = sumCost(free)
	}
	for total > remaining && len(free) > 0 {
		total -= free[0].cost
		free = free[1:]
	}

	kept := append(pinned, free...)
	slices.SortFunc(kept, func(a, b *pair) int { return a.index - b.index })
	var out []*message.Message
	for _, p := range kept {
		out = append(out, p.msgs...)
	}
	return out
}

// group splits messages into pairs. A user message opens a pair and the
// following non-user messages join it; messages preceding the first user
// message form pairs of their own.
func group(msgs []*message.Message) []*pair {
	var pairs []*pair
	var cur *pair
	for _, m := range msgs {
		if m.Role == message.RoleUser || cur == nil {
			cur = &pair{index: len(pairs)}
			pairs = append(pairs, cur)
			cur.msgs = append(cur.msgs, m)
			if m.Role != message.RoleUser {
				cur = nil
			}
			continue
		}
		cur.msgs = append(cur.msgs, m)
	}
	return pairs
}

func isPinned(p *pair, vision bool) bool {
	for _, m := range p.msgs {
		if m.ContextEdge {
			return true
		}
		if vision && m.Role == message.RoleUser && m.HasImages() {
			return true
		}
	}
	return false
}

func sumCost(pairs []*pair) int {
	n := 0
	for _, p := range pairs {
		n += p.cost
	}
	return n
}

func pairCost(msgs []*message.Message, cost CostFunc, withTools bool) int {
	n := 0
	for _, m := range msgs {
		n += messageCost(m, cost, withTools)
	}
	return n
}

func messageCost(m *message.Message, cost CostFunc, withTools bool) int {
	if m.Role == message.RoleUser {
		return cost(RenderUser(m.User))
	}
	n := 0
	for _, b := range m.Blocks {
		switch {
		case b.Kind == message.KindContent:
			n += cost(b.Content)
		case b.Kind == message.KindToolCall && withTools && b.ToolCall != nil:
			n += cost(b.ToolCall.Name) + cost(b.ToolCall.Params) + cost(b.ToolCall.Response)
		}
	}
	return n
}

// RenderUser renders the textual context of a user message as sent to the
// model: the text, then every attached file, then the links. Image payloads
// are referenced by name only.
func RenderUser(u *message.UserContent) string {
	if u == nil {
		return ""
	}
	var sb strings.Builder
	sb.WriteString(u.Text)
	for _, f := range u.Files {
		sb.WriteString("\n\n")
		if f.IsImage() {
			sb.WriteString("[image: " + f.Name + "]")
			continue
		}
		sb.WriteString("<file name=\"" + f.Name + "\" mime_type=\"" + f.MimeType + "\">\n")
		sb.WriteString(f.Content)
		sb.WriteString("\n</file>")
	}
	if len(u.Links) > 0 {
		sb.WriteString("\n\nLinks:")
		for _, l := range u.Links {
			sb.WriteString("\n- " + l)
		}
	}
	return sb.String()
}

// RenderAssistant renders an assistant message as sent back to the model: its
// content blocks followed by every tool call with its parameters and
// response. Reasoning and permission blocks are left out.
func RenderAssistant(m *message.Message) string {
	var sb strings.Builder
	for _, b := range m.Blocks {
		if b.Kind == message.KindContent {
			sb.WriteString(b.Content)
		}
	}
	for _, b := range m.Blocks {
		if b.Kind != message.KindToolCall || b.ToolCall == nil {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		tc := b.ToolCall
		sb.WriteString("<tool_call name=\"" + tc.Name + "\">\n")
		sb.WriteString(tc.Params)
		sb.WriteString("\n</tool_call>\n<tool_response>\n")
		sb.WriteString(tc.Response)
		sb.WriteString("\n</tool_response>")
	}
	return sb.String()
}

// StripToolCalls returns copies of msgs without tool call and permission
// blocks. Messages without such blocks are returned unchanged.
func StripToolCalls(msgs []*message.Message) []*message.Message {
	out := make([]*message.Message, len(msgs))
	for i, m := range msgs {
		if !hasToolCalls(m) {
			out[i] = m
			continue
		}
		c := m.Clone()
		c.Blocks = slices.DeleteFunc(c.Blocks, isToolCallBlock)
		out[i] = c
	}
	return out
}

func hasToolCalls(m *message.Message) bool {
	return slices.ContainsFunc(m.Blocks, isToolCallBlock)
}

func isToolCallBlock(b *message.Block) bool {
	return b.Kind == message.KindToolCall || b.IsPermission()
}
