package stream

import (
	"errors"
	"sync"
)

var (
	errObserverClosed = errors.New("observer closed")
	errObserverSlow   = errors.New("observer queue full")
)

// observer is a read-only hub connection drained by an SSE response.
type observer struct {
	id     string
	chatID string

	frames chan []byte
	done   chan struct{}

	mu     sync.Mutex
	closed bool
}

func newObserver(id, chatID string, queue int) *observer {
	return &observer{
		id:     id,
		chatID: chatID,
		frames: make(chan []byte, queue),
		done:   make(chan struct{}),
	}
}

func (o *observer) ID() string     { return o.id }
func (o *observer) ChatID() string { return o.chatID }

func (o *observer) Send(frame []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed {
		return errObserverClosed
	}
	select {
	case o.frames <- frame:
		return nil
	default:
		return errObserverSlow
	}
}

func (o *observer) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		o.closed = true
		close(o.done)
	}
	return nil
}
