package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// clientConn wraps one websocket with a write mutex so the reader loop,
// broadcasts and the pinger never interleave frames. It implements
// relay.Conn.
type clientConn struct {
	id         string
	remoteAddr string
	rawConn    *websocket.Conn

	mu     sync.Mutex
	closed bool
	done   chan struct{} // closed with the connection; stops the pinger

	roomsMu sync.Mutex
	rooms   map[string]struct{} // room ids this connection participates in
}

func newClientConn(id, remoteAddr string, raw *websocket.Conn) *clientConn {
	return &clientConn{
		id:         id,
		remoteAddr: remoteAddr,
		rawConn:    raw,
		done:       make(chan struct{}),
		rooms:      make(map[string]struct{}),
	}
}

func (c *clientConn) ID() string { return c.id }

// Send marshals v as a JSON text frame. A write failure marks the
// connection closed so room pruning can reclaim the slot.
func (c *clientConn) Send(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return websocket.ErrCloseSent
	}
	_ = c.rawConn.SetWriteDeadline(time.Now().Add(writeWait))
	err := c.rawConn.WriteJSON(v)
	if err != nil {
		c.markClosedLocked()
	}
	return err
}

// Close sends a close frame with reason and tears the socket down. Safe to
// call more than once.
func (c *clientConn) Close(reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		_ = c.rawConn.Close()
		return
	}
	c.markClosedLocked()

	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason)
	_ = c.rawConn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait))
	_ = c.rawConn.Close()
}

// markClosedLocked flips the closed flag and releases the done channel.
// Caller holds mu.
func (c *clientConn) markClosedLocked() {
	if !c.closed {
		c.closed = true
		close(c.done)
	}
}

func (c *clientConn) IsOpen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return !c.closed
}

func (c *clientConn) trackRoom(roomID string) {
	c.roomsMu.Lock()
	c.rooms[roomID] = struct{}{}
	c.roomsMu.Unlock()
}

func (c *clientConn) untrackRoom(roomID string) {
	c.roomsMu.Lock()
	delete(c.rooms, roomID)
	c.roomsMu.Unlock()
}

func (c *clientConn) joinedRooms() []string {
	c.roomsMu.Lock()
	defer c.roomsMu.Unlock()

	out := make([]string, 0, len(c.rooms))
	for id := range c.rooms {
		out = append(out, id)
	}
	return out
}
