// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package client is the HTTP client side of the broker API, used by the
// wrap and hook subcommands.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/relaygate/relaygate/internal/flow"
	"github.com/relaygate/relaygate/internal/orchestrator"
	"github.com/relaygate/relaygate/internal/request"
	"github.com/relaygate/relaygate/internal/session"
	"github.com/relaygate/relaygate/internal/task"
)

// Client talks to a running broker daemon.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

func New(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// IntakeParams mirrors the broker's intake body.
type IntakeParams struct {
	SessionID    string             `json:"sessionId"`
	Kind         request.Kind       `json:"kind"`
	ToolName     string             `json:"toolName"`
	ToolInput    string             `json:"toolInput"`
	Cwd          string             `json:"cwd"`
	Question     string             `json:"question,omitempty"`
	Options      []request.Option   `json:"options,omitempty"`
	SubQuestions []flow.SubQuestion `json:"subQuestions,omitempty"`
}

// Intake submits a new request for mediation.
func (c *Client) Intake(ctx context.Context, p IntakeParams) (*orchestrator.IntakeResult, error) {
	var res orchestrator.IntakeResult
	if err := c.do(ctx, http.MethodPost, "/requests", p, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// PollRequest reports the current state of a request.
func (c *Client) PollRequest(ctx context.Context, requestID string) (*orchestrator.PollResult, error) {
	var res orchestrator.PollResult
	if err := c.do(ctx, http.MethodGet, "/requests/"+requestID, nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// CancelRequest abandons a request.
func (c *Client) CancelRequest(ctx context.Context, requestID string) (*orchestrator.PollResult, error) {
	var res orchestrator.PollResult
	if err := c.do(ctx, http.MethodPost, "/requests/"+requestID+"/cancel", nil, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// RegisterSession announces a wrapped terminal to the broker.
func (c *Client) RegisterSession(ctx context.Context, name, cwd string) (*session.Session, error) {
	var sess session.Session
	body := map[string]string{"name": name, "cwd": cwd}
	if err := c.do(ctx, http.MethodPost, "/sessions", body, &sess); err != nil {
		return nil, err
	}
	return &sess, nil
}

// UnregisterSession removes a session on wrapper exit.
func (c *Client) UnregisterSession(ctx context.Context, sessionID string) error {
	return c.do(ctx, http.MethodDelete, "/sessions/"+sessionID, nil, nil)
}

// Tasks fetches a session's pending injection tasks.
func (c *Client) Tasks(ctx context.Context, sessionID string) ([]*task.PendingTask, error) {
	var res struct {
		Tasks []*task.PendingTask `json:"tasks"`
	}
	if err := c.do(ctx, http.MethodGet, "/sessions/"+sessionID+"/tasks", nil, &res); err != nil {
		return nil, err
	}
	return res.Tasks, nil
}

// AckTask reports a task delivered (or failed).
func (c *Client) AckTask(ctx context.Context, taskID, outcome string) error {
	body := map[string]string{"outcome": outcome}
	return c.do(ctx, http.MethodPost, "/tasks/"+taskID+"/ack", body, nil)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("X-Internal-Token", c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, bytes.TrimSpace(msg))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
