package service

import (
	"context"
	"errors"
	"io"
	"sync"

	"github.com/dftlab/dftsup/internal/model"
)

var ErrChannelClosed = errors.New("progress channel closed")

// Channel is the ordered event stream of one run with a single observer.
// Sending never blocks; the channel closes itself after the terminal event.
type Channel struct {
	mx     sync.Mutex
	queue  []model.ProgressEvent
	closed bool
	notify chan struct{}

	gone     chan struct{}
	goneOnce sync.Once
}

func NewChannel() *Channel {
	return &Channel{
		notify: make(chan struct{}, 1),
		gone:   make(chan struct{}),
	}
}

// Send appends ev. Any event after the terminal one is rejected.
func (c *Channel) Send(ev model.ProgressEvent) error {
	c.mx.Lock()
	if c.closed {
		c.mx.Unlock()
		return ErrChannelClosed
	}
	c.queue = append(c.queue, ev)
	if ev.Terminal {
		c.closed = true
	}
	c.mx.Unlock()

	select {
	case c.notify <- struct{}{}:
	default:
	}
	return nil
}

// Recv returns the next event in order. io.EOF means the terminal event was
// already delivered.
func (c *Channel) Recv(ctx context.Context) (model.ProgressEvent, error) {
	for {
		c.mx.Lock()
		if len(c.queue) > 0 {
			ev := c.queue[0]
			c.queue[0] = model.ProgressEvent{}
			c.queue = c.queue[1:]
			c.mx.Unlock()
			return ev, nil
		}
		closed := c.closed
		c.mx.Unlock()
		if closed {
			return model.ProgressEvent{}, io.EOF
		}

		select {
		case <-ctx.Done():
			return model.ProgressEvent{}, ctx.Err()
		case <-c.notify:
		}
	}
}

// Disconnect tells the run that nobody listens anymore.
func (c *Channel) Disconnect() {
	c.goneOnce.Do(func() { close(c.gone) })
}

func (c *Channel) Gone() <-chan struct{} {
	return c.gone
}

func (c *Channel) Closed() bool {
	c.mx.Lock()
	defer c.mx.Unlock()
	return c.closed
}
