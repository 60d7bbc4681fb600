// Copyright 2024-2026 Aiku AI

// Package push broadcasts dispatched events to websocket subscribers.
//
// Every subscriber of a [Hub] receives every delivered payload as one JSON
// text frame. There is no per-subscriber filtering; the dispatcher has
// already decided what goes out.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/aiku/mattermost-relay/pkg/dispatch"
)

// SinkName is the name the hub registers under in a dispatch.SinkSet.
const SinkName = "push"

const defaultSendBuffer = 64

// ErrTooManyConnections is returned by AddClient when the hub is full.
var ErrTooManyConnections = errors.New("push: too many subscriber connections")

type client struct {
	conn *websocket.Conn
	hub  *Hub
	send chan []byte
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			c.hub.RemoveClient(c)
			// Drain so a concurrent broadcast never blocks on a dead client.
			for range c.send {
			}
			return
		}
	}
}

// Hub is the set of connected push subscribers. It implements dispatch.Sink.
type Hub struct {
	mu         sync.RWMutex
	clients    map[*client]struct{}
	maxConns   int
	sendBuffer int
	log        zerolog.Logger
}

var _ dispatch.Sink = (*Hub)(nil)

// NewHub creates a hub. maxConns <= 0 means unlimited; sendBuffer <= 0 uses
// the default per-subscriber queue length.
func NewHub(maxConns, sendBuffer int, log zerolog.Logger) *Hub {
	if sendBuffer <= 0 {
		sendBuffer = defaultSendBuffer
	}
	return &Hub{
		clients:    make(map[*client]struct{}),
		maxConns:   maxConns,
		sendBuffer: sendBuffer,
		log:        log.With().Str("component", "push_hub").Logger(),
	}
}

func (h *Hub) Name() string {
	return SinkName
}

// AddClient registers a connection and starts its write pump.
func (h *Hub) AddClient(conn *websocket.Conn) (*client, error) {
	h.mu.Lock()
	if h.maxConns > 0 && len(h.clients) >= h.maxConns {
		h.mu.Unlock()
		return nil, ErrTooManyConnections
	}
	c := &client{conn: conn, hub: h, send: make(chan []byte, h.sendBuffer)}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	return c, nil
}

// RemoveClient unregisters c and closes its queue. Safe to call more than once.
func (h *Hub) RemoveClient(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Deliver marshals the payload and queues it for every subscriber. Having no
// subscribers is not an error.
func (h *Hub) Deliver(_ context.Context, d dispatch.Delivery) error {
	data, err := json.Marshal(d.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", d.Kind, err)
	}
	h.Broadcast(data)
	return nil
}

// Broadcast queues one frame for every subscriber. Subscribers whose queue is
// full are disconnected.
func (h *Hub) Broadcast(data []byte) {
	h.mu.RLock()
	clients := make([]*client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()

	for _, c := range clients {
		h.send(c, data)
	}
}

func (h *Hub) send(c *client, data []byte) {
	// Hold the read lock so RemoveClient cannot close the queue mid-send.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[c]; !ok {
		return
	}
	select {
	case c.send <- data:
	default:
		h.log.Warn().Msg("Push subscriber too slow, disconnecting")
		go h.RemoveClient(c)
	}
}

// Close disconnects every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
