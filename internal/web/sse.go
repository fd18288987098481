package web

import (
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
)

const (
	clientQueueSize = 256
	hubQueueSize    = 64
)

// Hub fans events out to connected SSE streams. A single goroutine (Run)
// owns membership changes and delivery; readers only take the lock for
// Count.
type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	seq     uint64

	join    chan *Client
	leave   chan *Client
	publish chan *Event

	done     chan struct{}
	stopOnce sync.Once
}

// Client is one connected SSE stream. A client with no type filter
// receives every event.
type Client struct {
	id      string
	types   map[string]bool
	events  chan *Event
	dropped atomic.Uint64
}

func NewHub() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		join:    make(chan *Client),
		leave:   make(chan *Client),
		publish: make(chan *Event, hubQueueSize),
		done:    make(chan struct{}),
	}
}

// Run delivers events until Stop. On stop every client channel is closed.
func (h *Hub) Run() {
	for {
		select {
		case <-h.done:
			h.mu.Lock()
			for id, c := range h.clients {
				close(c.events)
				delete(h.clients, id)
			}
			h.mu.Unlock()
			return

		case c := <-h.join:
			h.mu.Lock()
			h.clients[c.id] = c
			h.mu.Unlock()

		case c := <-h.leave:
			h.mu.Lock()
			if _, ok := h.clients[c.id]; ok {
				delete(h.clients, c.id)
				close(c.events)
			}
			h.mu.Unlock()

		case ev := <-h.publish:
			h.seq++
			ev.ID = h.seq
			h.mu.RLock()
			for _, c := range h.clients {
				c.deliver(ev)
			}
			h.mu.RUnlock()
		}
	}
}

// Stop ends Run. Safe to call more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Register adds a client. It returns false once the hub is stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.join <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *Hub) Unregister(c *Client) {
	select {
	case h.leave <- c:
	case <-h.done:
	}
}

// Broadcast queues e for delivery. After Stop it is a no-op.
func (h *Hub) Broadcast(e *Event) {
	select {
	case h.publish <- e:
	case <-h.done:
	}
}

func (h *Hub) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// NewClient creates a client subscribed to the given event types, or to
// all of them when none are given.
func NewClient(types ...string) *Client {
	c := &Client{
		id:     uuid.NewString(),
		events: make(chan *Event, clientQueueSize),
	}
	for _, t := range types {
		if t = strings.TrimSpace(t); t != "" {
			if c.types == nil {
				c.types = make(map[string]bool)
			}
			c.types[t] = true
		}
	}
	return c
}

func (c *Client) ID() string { return c.id }

// Dropped counts events skipped because the client fell behind.
func (c *Client) Dropped() uint64 { return c.dropped.Load() }

func (c *Client) wants(eventType string) bool {
	return c.types == nil || c.types[eventType]
}

func (c *Client) deliver(ev *Event) {
	if !c.wants(ev.Type) {
		return
	}
	select {
	case c.events <- ev:
	default:
		c.dropped.Add(1)
	}
}
