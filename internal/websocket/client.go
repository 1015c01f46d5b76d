package websocket

import (
	"context"
	"time"

	ws "github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

const (
	eventBufferSize = 16
	pingInterval    = 30 * time.Second
)

// Client is a single status-feed subscriber. The feed is one-way: job
// events flow out as JSON, incoming frames are drained and dropped.
type Client struct {
	hub    *Hub
	conn   *ws.Conn
	events chan Message
}

// NewClient creates a Client tied to the given hub and connection.
func NewClient(hub *Hub, conn *ws.Conn) *Client {
	return &Client{
		hub:    hub,
		conn:   conn,
		events: make(chan Message, eventBufferSize),
	}
}

// Run subscribes the client to the hub and streams events until the peer
// disconnects or ctx ends.
func (c *Client) Run(ctx context.Context) {
	c.hub.Register(c)
	defer c.hub.Unregister(c)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	// The read side exists only to notice the peer going away.
	go func() {
		defer cancel()
		for {
			if _, _, err := c.conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-c.events:
			if !ok {
				// Hub closed the feed; the subscriber is done.
				return
			}
			if err := wsjson.Write(ctx, c.conn, ev); err != nil {
				return
			}
		case <-ticker.C:
			if err := c.conn.Ping(ctx); err != nil {
				return
			}
		}
	}
}
