// ABOUTME: One accepted agent WebSocket and its outbound write queue
// ABOUTME: Frames are queued by requesters and written by a single goroutine

package agent

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

const (
	sendQueueSize = 256
	writeTimeout  = 10 * time.Second
)

// Connection is a single agent WebSocket.
type Connection struct {
	ID   string
	Addr string

	ws        *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
	logger    *slog.Logger
}

func newConnection(ws *websocket.Conn, addr string, logger *slog.Logger) *Connection {
	id := uuid.New().String()
	return &Connection{
		ID:     id,
		Addr:   addr,
		ws:     ws,
		send:   make(chan []byte, sendQueueSize),
		done:   make(chan struct{}),
		logger: logger.With("conn_id", id, "addr", addr),
	}
}

// enqueue queues a raw frame for writing. It fails with ErrNoConnection once
// the connection is closed.
func (c *Connection) enqueue(ctx context.Context, frame []byte) error {
	select {
	case <-c.done:
		return ErrNoConnection
	default:
	}

	select {
	case c.send <- frame:
		return nil
	case <-c.done:
		return ErrNoConnection
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeLoop drains the send queue until the connection closes.
func (c *Connection) writeLoop(ctx context.Context) {
	for {
		select {
		case frame := <-c.send:
			wctx, cancel := context.WithTimeout(ctx, writeTimeout)
			err := c.ws.Write(wctx, websocket.MessageText, frame)
			cancel()
			if err != nil {
				c.logger.Warn("failed to write frame", "error", err)
				c.close(websocket.StatusInternalError, "write failed")
				return
			}
		case <-c.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// close shuts the socket down once.
func (c *Connection) close(code websocket.StatusCode, reason string) {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.ws.Close(code, reason)
	})
}
