package socket

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"brancher-go/internal/logutil"
)

const (
	readLimit  = 1024 * 1024
	sendBuffer = 64
)

// ErrClientGone is returned by Emit once the client has disconnected.
var ErrClientGone = errors.New("client disconnected")

// Handler processes one inbound event. data is the raw "data" member of the
// frame and may be empty.
type Handler func(c *Client, data json.RawMessage)

type frame struct {
	Event string `json:"event"`
	Data  any    `json:"data"`
}

type inboundFrame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data"`
}

// Client is one websocket connection.
type Client struct {
	id     string
	conn   *websocket.Conn
	send   chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// ID is the session identifier assigned on connect.
func (c *Client) ID() string { return c.id }

// Emit writes an event to this client, blocking until it is written or the
// client goes away.
func (c *Client) Emit(event string, payload any) error {
	b, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		return err
	}
	if c.ctx.Err() != nil {
		return ErrClientGone
	}
	if err := c.conn.Write(c.ctx, websocket.MessageText, b); err != nil {
		if c.ctx.Err() != nil {
			return ErrClientGone
		}
		return err
	}
	return nil
}

func (c *Client) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case b := <-c.send:
			if err := c.conn.Write(c.ctx, websocket.MessageText, b); err != nil {
				c.cancel()
				return
			}
		}
	}
}

type Options struct {
	// OriginPatterns lists extra allowed origins. Same-origin requests are
	// always accepted.
	OriginPatterns []string
}

// Hub accepts websocket clients and routes {"event","data"} frames to
// registered handlers.
type Hub struct {
	origins []string

	mu           sync.RWMutex
	clients      map[string]*Client
	handlers     map[string]Handler
	onConnect    func(*Client)
	onDisconnect func(*Client)
}

func NewHub(opts Options) *Hub {
	return &Hub{
		origins:  opts.OriginPatterns,
		clients:  make(map[string]*Client),
		handlers: make(map[string]Handler),
	}
}

// On registers the handler for an inbound event.
func (h *Hub) On(event string, fn Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[event] = fn
}

func (h *Hub) OnConnect(fn func(*Client)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onConnect = fn
}

func (h *Hub) OnDisconnect(fn func(*Client)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onDisconnect = fn
}

// Broadcast queues an event for every client. Clients whose queue is full
// miss the event.
func (h *Hub) Broadcast(event string, payload any) {
	b, err := json.Marshal(frame{Event: event, Data: payload})
	if err != nil {
		log.Printf("[socket] Broadcast %s: %v", event, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, c := range h.clients {
		select {
		case c.send <- b:
		default:
			log.Printf("[socket] Client %s is slow, dropped %s", c.id, event)
		}
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.origins,
	})
	if err != nil {
		log.Printf("[socket] Accept from %s: %v", logutil.Sanitize(r.RemoteAddr), err)
		return
	}
	conn.SetReadLimit(readLimit)

	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		id:     uuid.NewString(),
		conn:   conn,
		send:   make(chan []byte, sendBuffer),
		ctx:    ctx,
		cancel: cancel,
	}

	h.mu.Lock()
	h.clients[c.id] = c
	onConnect, onDisconnect := h.onConnect, h.onDisconnect
	h.mu.Unlock()

	log.Printf("[socket] Client %s connected from %s", c.id, logutil.Sanitize(r.RemoteAddr))
	go c.writeLoop()

	defer func() {
		cancel()
		h.mu.Lock()
		delete(h.clients, c.id)
		h.mu.Unlock()
		if onDisconnect != nil {
			onDisconnect(c)
		}
		conn.CloseNow()
		log.Printf("[socket] Client %s disconnected", c.id)
	}()

	if onConnect != nil {
		onConnect(c)
	}

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == -1 && ctx.Err() == nil {
				log.Printf("[socket] Read from %s: %v", c.id, err)
			}
			return
		}

		var in inboundFrame
		if err := json.Unmarshal(data, &in); err != nil {
			log.Printf("[socket] Malformed frame from %s: %v", c.id, err)
			continue
		}
		h.dispatch(c, in)
	}
}

func (h *Hub) dispatch(c *Client, in inboundFrame) {
	h.mu.RLock()
	fn := h.handlers[in.Event]
	h.mu.RUnlock()
	if fn == nil {
		log.Printf("[socket] Unhandled event %q from %s", logutil.Sanitize(in.Event), c.id)
		return
	}
	fn(c, in.Data)
}
