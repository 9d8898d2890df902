package contextwin

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
)

func byteCost(s string) int { return len(s) }

func user(id, text string) *message.Message {
	return &message.Message{ID: id, Role: message.RoleUser, Status: message.StatusSent, User: &message.UserContent{Text: text}}
}

func assistant(id, text string, blocks ...*message.Block) *message.Message {
	m := &message.Message{ID: id, Role: message.RoleAssistant, Status: message.StatusSent}
	m.Append(&message.Block{Kind: message.KindContent, Status: message.BlockSuccess, Content: text})
	for _, b := range blocks {
		m.Append(b)
	}
	return m
}

func toolBlock(name, params, response string) *message.Block {
	return &message.Block{
		Kind:     message.KindToolCall,
		Status:   message.BlockSuccess,
		ToolCall: &message.ToolCall{ID: "t-" + name, Name: name, Params: params, Response: response},
	}
}

func ids(msgs []*message.Message) []string {
	out := make([]string, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.ID)
	}
	return out
}

func threePairs() []*message.Message {
	return []*message.Message{
		user("u1", "uuuuu"), assistant("a1", "aaaaa"),
		user("u2", "uuuuu"), assistant("a2", "aaaaa"),
		user("u3", "uuuuu"), assistant("a3", "aaaaa"),
	}
}

func TestSelectBudgetBoundaries(t *testing.T) {
	newUser := user("n", "next")
	require.Empty(t, Select(threePairs(), newUser, Options{Remaining: 0, Cost: byteCost}))
	require.Empty(t, Select(threePairs(), newUser, Options{Remaining: -10, Cost: byteCost}))
	require.Empty(t, Select(nil, newUser, Options{Remaining: 1000, Cost: byteCost}))
}

func TestSelectOnlySentMessages(t *testing.T) {
	h := threePairs()
	for _, m := range h {
		m.Status = message.StatusPending
	}
	require.Empty(t, Select(h, nil, Options{Remaining: 1000, Cost: byteCost}))

	h[0].Status = message.StatusSent
	h[1].Status = message.StatusSent
	h[3].Status = message.StatusError
	require.Equal(t, []string{"u1", "a1"}, ids(Select(h, nil, Options{Remaining: 1000, Cost: byteCost})))
}

func TestSelectExcludesNewUser(t *testing.T) {
	h := threePairs()
	newUser := user("n", "next")
	h = append(h, newUser)
	got := Select(h, newUser, Options{Remaining: 1000, Cost: byteCost})
	require.Equal(t, []string{"u1", "a1", "u2", "a2", "u3", "a3"}, ids(got))
	require.Same(t, h[0], got[0])
}

func TestSelectKeepsMessagesWithoutIDs(t *testing.T) {
	h := []*message.Message{user("", "hi"), assistant("", "hello")}
	got := Select(h, user("", "next"), Options{Remaining: 1000, Cost: byteCost})
	require.Len(t, got, 2)
	require.Same(t, h[0], got[0])
	require.Same(t, h[1], got[1])
}

func TestSelectDropsOldestPairs(t *testing.T) {
	got := Select(threePairs(), nil, Options{Remaining: 25, Cost: byteCost})
	require.Equal(t, []string{"u2", "a2", "u3", "a3"}, ids(got))

	got = Select(threePairs(), nil, Options{Remaining: 9, Cost: byteCost})
	require.Empty(t, got)
}

func TestSelectStripsToolCallsBeforeDropping(t *testing.T) {
	a1 := assistant("a1", "aaaaa", toolBlock("t", "pppp", "rrrr"))
	h := []*message.Message{user("u1", "uuuuu"), a1, user("u2", "uuuuu"), assistant("a2", "aaaaa")}

	got := Select(h, nil, Options{Remaining: 20, ToolCallsAllowed: true, Cost: byteCost})
	require.Equal(t, []string{"u1", "a1", "u2", "a2"}, ids(got))
	require.Len(t, got[1].Blocks, 1)
	require.Equal(t, message.KindContent, got[1].Blocks[0].Kind)
	require.NotSame(t, a1, got[1])
	require.Len(t, a1.Blocks, 2)

	got = Select(h, nil, Options{Remaining: 29, ToolCallsAllowed: true, Cost: byteCost})
	require.Same(t, a1, got[1])
	require.Len(t, got[1].Blocks, 2)
}

func TestSelectIgnoresToolCostWhenToolsDisabled(t *testing.T) {
	a1 := assistant("a1", "aaaaa", toolBlock("t", "pppp", "rrrr"))
	h := []*message.Message{user("u1", "uuuuu"), a1, user("u2", "uuuuu"), assistant("a2", "aaaaa")}

	got := Select(h, nil, Options{Remaining: 20, Cost: byteCost})
	require.Equal(t, []string{"u1", "a1", "u2", "a2"}, ids(got))
	require.Same(t, a1, got[1])
}

func TestSelectStripsPermissionBlocks(t *testing.T) {
	perm := &message.Block{
		Kind:     message.KindAction,
		Action:   message.ActionToolCallPermission,
		Status:   message.BlockGranted,
		ToolCall: &message.ToolCall{ID: "t1", Name: "w"},
	}
	a1 := assistant("a1", "aaaaa", perm, toolBlock("w", "pppppppppp", ""))
	h := []*message.Message{user("u1", "uuuuu"), a1}
	got := Select(h, nil, Options{Remaining: 10, ToolCallsAllowed: true, Cost: byteCost})
	require.Equal(t, []string{"u1", "a1"}, ids(got))
	require.Len(t, got[1].Blocks, 1)
}

func TestSelectPinsContextEdges(t *testing.T) {
	h := threePairs()
	h[0].ContextEdge = true

	got := Select(h, nil, Options{Remaining: 25, Cost: byteCost})
	require.Equal(t, []string{"u1", "a1", "u3", "a3"}, ids(got))

	got = Select(h, nil, Options{Remaining: 5, Cost: byteCost})
	require.Equal(t, []string{"u1", "a1"}, ids(got))
}

func TestSelectPinsImagesWithVision(t *testing.T) {
	h := threePairs()
	h[0].User.Files = []message.File{{Name: "cat.png", MimeType: "image/png", Content: "base64"}}
	imgCost := byteCost(RenderUser(h[0].User)) + 5

	got := Select(h, nil, Options{Remaining: imgCost + 10, VisionEnabled: true, Cost: byteCost})
	require.Equal(t, []string{"u1", "a1", "u3", "a3"}, ids(got))

	got = Select(h, nil, Options{Remaining: imgCost + 10, Cost: byteCost})
	require.NotContains(t, ids(got), "u1")
}

func TestSelectLeadingAssistantFormsOwnPair(t *testing.T) {
	h := append([]*message.Message{assistant("greeting", "hello")}, threePairs()...)
	got := Select(h, nil, Options{Remaining: 30, Cost: byteCost})
	require.Equal(t, []string{"u1", "a1", "u2", "a2", "u3", "a3"}, ids(got))
}

func TestRenderUser(t *testing.T) {
	require.Equal(t, "", RenderUser(nil))
	out := RenderUser(&message.UserContent{
		Text:  "see attached",
		Files: []message.File{{Name: "a.txt", MimeType: "text/plain", Content: "hello"}, {Name: "b.png", MimeType: "image/png", Content: "xxxx"}},
		Links: []string{"https://example.com"},
	})
	require.True(t, strings.HasPrefix(out, "see attached"))
	require.Contains(t, out, "<file name=\"a.txt\" mime_type=\"text/plain\">\nhello\n</file>")
	require.Contains(t, out, "[image: b.png]")
	require.NotContains(t, out, "xxxx")
	require.Contains(t, out, "- https://example.com")
}

func TestBudgetRemaining(t *testing.T) {
	b := Budget{ModelMaxTokens: 1000, ThinkingBudget: 200}
	require.Equal(t, 700, b.Remaining(100))
	require.Equal(t, -100, b.Remaining(900))
}

func TestEstimate(t *testing.T) {
	require.Equal(t, 0, Estimate(""))
	require.Equal(t, 1, Estimate("abc"))
	require.Equal(t, 2, Estimate("hello"))
	require.Equal(t, 2, Estimate("你好"))
	require.Equal(t, 3, Estimate("你好 ab"))
}

func TestRenderAssistantIncludesToolCalls(t *testing.T) {
	a := assistant("a1", "done", toolBlock("grep", "pattern", "3 matches"))
	got := RenderAssistant(a)
	require.Equal(t, "done\n\n<tool_call name=\"grep\">\npattern\n</tool_call>\n<tool_response>\n3 matches\n</tool_response>", got)

	stripped := StripToolCalls([]*message.Message{a})
	require.Equal(t, "done", RenderAssistant(stripped[0]))
	require.Len(t, a.Blocks, 2)
}

func TestSelectChargesRenderedToolCalls(t *testing.T) {
	a1 := assistant("a1", "aaaaa", toolBlock("t", "pppp", "rrrr"))
	h := []*message.Message{user("u1", "uuuuu"), a1}

	got := Select(h, nil, Options{Remaining: 19, ToolCallsAllowed: true, Cost: byteCost})
	require.Same(t, a1, got[1])
	require.Contains(t, RenderAssistant(got[1]), "<tool_call name=\"t\">")

	got = Select(h, nil, Options{Remaining: 18, ToolCallsAllowed: true, Cost: byteCost})
	require.Len(t, got, 2)
	require.Equal(t, "aaaaa", RenderAssistant(got[1]))

	got = StripToolCalls(Select(h, nil, Options{Remaining: 10, Cost: byteCost}))
	require.Len(t, got, 2)
	require.Equal(t, "aaaaa", RenderAssistant(got[1]))
}
