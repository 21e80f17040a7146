package ws

import (
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

var (
	errConnClosed = errors.New("connection closed")
	errQueueFull  = errors.New("send queue full")
)

// connection adapts a websocket to hub.Conn. Frames are queued and written
// by writeLoop, the only goroutine that writes to the socket.
type connection struct {
	id     string
	chatID string
	ws     *websocket.Conn

	sendCh chan []byte
	done   chan struct{}

	pingInterval time.Duration
	writeTimeout time.Duration
	log          zerolog.Logger

	mu     sync.Mutex
	closed bool
}

func newConnection(id, chatID string, ws *websocket.Conn, queue int, pingInterval, writeTimeout time.Duration, log zerolog.Logger) *connection {
	return &connection{
		id:           id,
		chatID:       chatID,
		ws:           ws,
		sendCh:       make(chan []byte, queue),
		done:         make(chan struct{}),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		log:          log,
	}
}

func (c *connection) ID() string     { return c.id }
func (c *connection) ChatID() string { return c.chatID }

// Send queues a frame without blocking.
func (c *connection) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return errConnClosed
	}

	select {
	case c.sendCh <- frame:
		return nil
	default:
		return errQueueFull
	}
}

// Close stops accepting frames. writeLoop flushes what is queued, sends a
// close frame and closes the socket.
func (c *connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}

// writeLoop drains the queue and keeps the peer alive with pings.
func (c *connection) writeLoop() {
	ticker := time.NewTicker(c.pingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				_ = c.Close()
				return
			}

		case <-ticker.C:
			if err := c.write(websocket.PingMessage, nil); err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				_ = c.Close()
				return
			}

		case <-c.done:
			c.flush()
			_ = c.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}

// flush writes whatever was queued before Close.
func (c *connection) flush() {
	for {
		select {
		case frame := <-c.sendCh:
			if err := c.write(websocket.TextMessage, frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *connection) write(messageType int, data []byte) error {
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.ws.WriteMessage(messageType, data)
}
