// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/relaygate/relaygate/internal/flow"
	"github.com/relaygate/relaygate/internal/id"
	"github.com/relaygate/relaygate/internal/request"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	initialBackoff = time.Second
	maxBackoff     = 30 * time.Second
)

// outbound frame pushed to the messaging gateway. The gateway renders it
// and echoes messageId in the human's button callbacks and replies.
type frame struct {
	Type      string             `json:"type"`
	MessageID string             `json:"messageId"`
	RequestID string             `json:"requestId,omitempty"`
	Kind      string             `json:"kind,omitempty"`
	ToolName  string             `json:"toolName,omitempty"`
	ToolInput string             `json:"toolInput,omitempty"`
	Cwd       string             `json:"cwd,omitempty"`
	Question  string             `json:"question,omitempty"`
	Options   []request.Option   `json:"options,omitempty"`
	Decision  string             `json:"decision,omitempty"`
	Selected  string             `json:"selected,omitempty"`
	Steps     []flow.SubQuestion `json:"steps,omitempty"`
	StepIndex int                `json:"stepIndex,omitempty"`
	Answers   []string           `json:"answers,omitempty"`
}

// Channel is a websocket client connected to the messaging gateway. It is
// both the Notifier (outbound frames) and the sole source of human-driven
// events (inbound frames dispatched to the handler).
type Channel struct {
	url     string
	token   string
	newID   id.Generator
	log     zerolog.Logger
	handler EventHandler

	mu   sync.Mutex
	conn *websocket.Conn
}

func NewChannel(url, token string, gen id.Generator, log zerolog.Logger, handler EventHandler) *Channel {
	if gen == nil {
		gen = id.New
	}
	return &Channel{
		url:     url,
		token:   token,
		newID:   gen,
		log:     log.With().Str("component", "channel").Logger(),
		handler: handler,
	}
}

// Run dials the gateway and pumps inbound events until ctx is cancelled,
// reconnecting with capped exponential backoff. Outbound sends fail between
// connections; callers treat notification delivery as best effort.
func (c *Channel) Run(ctx context.Context) {
	backoff := initialBackoff
	for {
		if err := c.connect(ctx); err != nil {
			c.log.Warn().Err(err).Dur("retry_in", backoff).Msg("channel connect failed")
		} else {
			backoff = initialBackoff
			c.readPump(ctx)
		}

		select {
		case <-ctx.Done():
			c.closeConn()
			return
		case <-time.After(backoff):
		}
		backoff *= 2
		if backoff > maxBackoff {
			backoff = maxBackoff
		}
	}
}

func (c *Channel) connect(ctx context.Context) error {
	header := http.Header{}
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", c.url, err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	c.log.Info().Str("url", c.url).Msg("channel connected")
	return nil
}

// readPump reads gateway frames until the connection breaks or ctx ends.
// A ping ticker keeps the read deadline honest.
func (c *Channel) readPump(ctx context.Context) {
	defer c.closeConn()

	done := make(chan struct{})
	defer close(done)
	go func() {
		ticker := time.NewTicker(pingPeriod)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				// Pings share the write lock with outbound frames; the
				// connection supports only one writer at a time.
				c.mu.Lock()
				conn := c.conn
				if conn == nil {
					c.mu.Unlock()
					return
				}
				conn.SetWriteDeadline(time.Now().Add(writeWait))
				err := conn.WriteMessage(websocket.PingMessage, nil)
				c.mu.Unlock()
				if err != nil {
					conn.Close()
					return
				}
			case <-done:
				return
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		var ev Event
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}
		if err := conn.ReadJSON(&ev); err != nil {
			if ctx.Err() == nil {
				c.log.Warn().Err(err).Msg("channel read failed, reconnecting")
			}
			return
		}
		switch ev.Type {
		case EventOptionSelected, EventReply, EventAllowAll:
			c.handler(ev)
		default:
			c.log.Debug().Str("type", ev.Type).Msg("ignoring unknown channel event")
		}
	}
}

func (c *Channel) closeConn() {
	c.mu.Lock()
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
	c.mu.Unlock()
}

func (c *Channel) send(f frame) error {
	data, err := json.Marshal(f)
	if err != nil {
		return fmt.Errorf("marshal frame: %w", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return fmt.Errorf("channel not connected")
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	return nil
}

func (c *Channel) DecisionNeeded(_ context.Context, req *request.PendingRequest) (string, error) {
	mid := c.newID()
	err := c.send(frame{
		Type:      "decision_needed",
		MessageID: mid,
		RequestID: req.ID,
		Kind:      string(req.Kind),
		ToolName:  req.ToolName,
		ToolInput: req.ToolInput,
		Cwd:       req.Cwd,
		Question:  req.Question,
		Options:   req.Options,
	})
	if err != nil {
		return "", err
	}
	return mid, nil
}

func (c *Channel) DecisionResolved(_ context.Context, req *request.PendingRequest) error {
	return c.send(frame{
		Type:      "decision_resolved",
		MessageID: req.ExternalMessageID,
		RequestID: req.ID,
		Decision:  string(req.Decision),
		Selected:  req.SelectedOption,
	})
}

func (c *Channel) SelectionProgress(_ context.Context, st *flow.State) error {
	return c.send(frame{
		Type:      "selection_progress",
		MessageID: st.MessageID,
		Steps:     st.SubQuestions,
		StepIndex: st.Index,
		Answers:   st.Answers,
	})
}

func (c *Channel) RequestExpired(_ context.Context, req *request.PendingRequest) error {
	return c.send(frame{
		Type:      "request_expired",
		MessageID: req.ExternalMessageID,
		RequestID: req.ID,
	})
}

func (c *Channel) SelectionExpired(_ context.Context, messageID string) error {
	return c.send(frame{
		Type:      "selection_expired",
		MessageID: messageID,
	})
}
