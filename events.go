package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"log"
	"time"

	"brancher-go/internal/broker"
	"brancher-go/internal/socket"
	"brancher-go/internal/terminal"
)

const requestConfigTimeout = 5 * time.Second

// terminalSink forwards a client's shell output back to that client.
type terminalSink struct {
	client *socket.Client
}

func (s terminalSink) Output(data string) {
	_ = s.client.Emit("ssh_output", map[string]string{"data": data})
}

func (s terminalSink) Closed() {
	_ = s.client.Emit("ssh_closed", map[string]string{"status": "closed"})
}

// decodeData unmarshals an event's data member. Missing data leaves v as is.
func decodeData(data json.RawMessage, v any) error {
	if len(bytes.TrimSpace(data)) == 0 || bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		return nil
	}
	return json.Unmarshal(data, v)
}

func emitError(c *socket.Client, event string, msg string) {
	_ = c.Emit(event, map[string]string{"error": msg})
}

func (a *app) registerSocketEvents() {
	h := a.hub

	h.OnConnect(func(c *socket.Client) {
		_ = c.Emit(broker.EventStatus, a.broker.StatusEvent())
	})
	h.OnDisconnect(func(c *socket.Client) {
		if err := a.terms.Close(c.ID()); err != nil {
			log.Printf("[socket] Closing session of %s: %v", c.ID(), err)
		}
	})

	h.On("request_config", func(c *socket.Client, data json.RawMessage) {
		var req struct {
			Token string `json:"token"`
		}
		if err := decodeData(data, &req); err != nil || !tokenMatches(a.settings.APIToken, req.Token) {
			emitError(c, "config_error", errUnauthorized.Error())
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), requestConfigTimeout)
		defer cancel()
		cfg, err := a.configs.Load(ctx)
		if err != nil {
			log.Printf("[socket] request_config: %v", err)
			emitError(c, "config_error", err.Error())
			return
		}
		_ = c.Emit("config_data", cfg)
	})

	h.On("start_ssh", func(c *socket.Client, _ json.RawMessage) {
		err := a.terms.Start(c.ID(), terminalSink{client: c})
		switch {
		case errors.Is(err, terminal.ErrSessionExists):
			emitError(c, "ssh_error", "Session already exists")
		case err != nil:
			emitError(c, "ssh_error", err.Error())
		default:
			_ = c.Emit("ssh_ready", map[string]string{"status": "ready"})
		}
	})

	h.On("ssh_input", func(c *socket.Client, data json.RawMessage) {
		var req struct {
			Data string `json:"data"`
		}
		if err := decodeData(data, &req); err != nil {
			emitError(c, "ssh_error", err.Error())
			return
		}
		err := a.terms.Write(c.ID(), []byte(req.Data))
		switch {
		case errors.Is(err, terminal.ErrNoSession):
			emitError(c, "ssh_error", "No active session")
		case err != nil:
			log.Printf("[socket] ssh_input from %s: %v", c.ID(), err)
			emitError(c, "ssh_error", err.Error())
		}
	})

	h.On("ssh_resize", func(c *socket.Client, data json.RawMessage) {
		var req struct {
			Rows int `json:"rows"`
			Cols int `json:"cols"`
		}
		if err := decodeData(data, &req); err != nil {
			log.Printf("[socket] ssh_resize from %s: %v", c.ID(), err)
			return
		}
		if err := a.terms.Resize(c.ID(), req.Rows, req.Cols); err != nil {
			log.Printf("[socket] ssh_resize from %s: %v", c.ID(), err)
		}
	})

	h.On("close_ssh", func(c *socket.Client, _ json.RawMessage) {
		if err := a.terms.Close(c.ID()); err != nil {
			log.Printf("[socket] close_ssh from %s: %v", c.ID(), err)
		}
	})
}
