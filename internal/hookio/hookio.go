// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package hookio reads the agent's policy-hook payload from stdin and
// writes the decision document the agent expects on stdout.
package hookio

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/relaygate/relaygate/internal/flow"
	"github.com/relaygate/relaygate/internal/request"
)

// Payload is the hook invocation the agent pipes to us.
type Payload struct {
	SessionID string          `json:"session_id"`
	ToolName  string          `json:"tool_name"`
	ToolInput json.RawMessage `json:"tool_input"`
	Cwd       string          `json:"cwd"`
}

// ParsePayload decodes a hook payload from r.
func ParsePayload(r io.Reader) (*Payload, error) {
	var p Payload
	if err := json.NewDecoder(r).Decode(&p); err != nil {
		return nil, fmt.Errorf("parse hook payload: %w", err)
	}
	if p.ToolName == "" {
		return nil, fmt.Errorf("hook payload missing tool_name")
	}
	return &p, nil
}

// InputText returns the tool input as a compact string for display.
func (p *Payload) InputText() string {
	if len(p.ToolInput) == 0 {
		return ""
	}
	// Prefer the command field of shell-style tools.
	var shell struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(p.ToolInput, &shell); err == nil && shell.Command != "" {
		return shell.Command
	}
	return string(p.ToolInput)
}

type rawQuestion struct {
	Header   string `json:"header"`
	Question string `json:"question"`
	Options  []struct {
		Label       string `json:"label"`
		Description string `json:"description"`
	} `json:"options"`
}

// Questions extracts the sub-questions of a multi-choice tool input.
// Option ids are assigned positionally: A, B, C within each sub-question.
// Returns nil when the input carries no questions.
func (p *Payload) Questions() []flow.SubQuestion {
	if len(p.ToolInput) == 0 {
		return nil
	}
	var in struct {
		Questions []rawQuestion `json:"questions"`
	}
	if err := json.Unmarshal(p.ToolInput, &in); err != nil || len(in.Questions) == 0 {
		return nil
	}

	subs := make([]flow.SubQuestion, 0, len(in.Questions))
	for _, q := range in.Questions {
		opts := make([]request.Option, 0, len(q.Options))
		for i, o := range q.Options {
			opts = append(opts, request.Option{
				ID:          string(rune('A' + i)),
				Label:       o.Label,
				Description: o.Description,
			})
		}
		subs = append(subs, flow.SubQuestion{
			Header:  q.Header,
			Prompt:  q.Question,
			Options: opts,
		})
	}
	return subs
}

// DecisionDoc is the agent-facing outcome printed on stdout. An empty
// document (no decision, no selection) tells the agent to fall back to its
// local prompt.
type DecisionDoc struct {
	Decision       string `json:"decision,omitempty"`
	SelectedOption string `json:"selectedOption,omitempty"`
	Reason         string `json:"reason,omitempty"`
}

// WriteDecision prints the decision document to w.
func WriteDecision(w io.Writer, doc DecisionDoc) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("write decision: %w", err)
	}
	return nil
}
