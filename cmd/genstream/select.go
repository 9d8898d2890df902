package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/wangle201210/deepchat-sub006/runtime/agent/contextwin"
	"github.com/wangle201210/deepchat-sub006/runtime/agent/message"
)

type (
	// historyFile is the JSON document read by -select and -history.
	historyFile struct {
		// History is the conversation in chronological order.
		History []*message.Message `json:"history"`
		// NewUser is the message about to be sent. Optional.
		NewUser *message.Message `json:"new_user,omitempty"`
		// Used overrides the token count charged before history (system
		// prompt and new user message). Defaults to the estimate of
		// NewUser.
		Used *int `json:"used,omitempty"`
	}

	// selection is the -select output.
	selection struct {
		Remaining int      `json:"remaining"`
		Selected  []string `json:"selected"`
	}
)

func readHistory(path string) (*historyFile, error) {
	data, err := os.ReadFile(path) // #nosec G304 -- path is an operator supplied flag
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	var h historyFile
	if err := json.Unmarshal(data, &h); err != nil {
		return nil, fmt.Errorf("parse history: %w", err)
	}
	return &h, nil
}

// selectContext runs the context window selection over h with the budget of
// cfg and writes the chosen message ids to out.
func selectContext(h *historyFile, cfg *Config, out io.Writer) error {
	used := 0
	if h.Used != nil {
		used = *h.Used
	} else if h.NewUser != nil {
		used = contextwin.Estimate(contextwin.RenderUser(h.NewUser.User))
	}
	remaining := cfg.budget().Remaining(used)
	msgs := contextwin.Select(h.History, h.NewUser, contextwin.Options{
		Remaining:        remaining,
		ToolCallsAllowed: cfg.Budget.ToolCallsAllowed,
		VisionEnabled:    cfg.Budget.VisionEnabled,
	})
	sel := selection{Remaining: remaining, Selected: make([]string, 0, len(msgs))}
	for _, m := range msgs {
		sel.Selected = append(sel.Selected, m.ID)
	}
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(sel)
}
