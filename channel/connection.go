package channel

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// DefaultRequestTimeout bounds how long a Request waits for its correlated
// reply. The popup approval flow passes its own context instead; everything
// else gives up rather than leak a waiter forever.
const DefaultRequestTimeout = 2 * time.Minute

// ErrRequestTimeout is returned when the matching reply never arrived.
var ErrRequestTimeout = errors.New("request timed out waiting for reply")

// HandlerFunc consumes an inbound message that is not a reply to a pending
// request. Reply through the connection using the message's id.
type HandlerFunc func(msg *Message)

// Connection turns a fire-and-forget Transport into an id-correlated duplex
// channel: Send with a generated id, then take the first inbound message
// whose id matches. Unmatched inbound messages flow to registered handlers.
type Connection struct {
	transport Transport
	timeout   time.Duration

	mu       sync.Mutex
	pending  map[string]chan *Message
	handlers map[int]HandlerFunc
	nextSub  int
	closed   bool

	done chan struct{}
}

// NewConnection wraps a transport and starts the inbound dispatch loop.
func NewConnection(transport Transport) *Connection {
	c := &Connection{
		transport: transport,
		timeout:   DefaultRequestTimeout,
		pending:   make(map[string]chan *Message),
		handlers:  make(map[int]HandlerFunc),
		done:      make(chan struct{}),
	}
	go c.readLoop()
	return c
}

// SetRequestTimeout overrides the default reply timeout.
func (c *Connection) SetRequestTimeout(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.timeout = d
}

// Send wraps the payload with a fresh id and writes it without waiting for a
// reply. The sent message is returned so the caller can correlate later.
func (c *Connection) Send(payload Payload) (*Message, error) {
	msg := NewMessage(payload)
	if err := c.transport.Send(msg); err != nil {
		return nil, err
	}
	return msg, nil
}

// Reply answers the request with the given id.
func (c *Connection) Reply(responseForID string, payload Payload) error {
	return c.transport.Send(NewResponse(responseForID, payload))
}

// Request sends the payload and waits for the correlated reply. It fails
// with ErrRequestTimeout when no reply arrives within the configured window,
// or with ctx.Err() when the caller gives up first. Either way the waiter is
// deregistered, so a late reply is dropped instead of leaking.
func (c *Connection) Request(ctx context.Context, payload Payload) (*Message, error) {
	msg := NewMessage(payload)

	replyCh := make(chan *Message, 1)
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrTransportClosed
	}
	c.pending[msg.ID] = replyCh
	timeout := c.timeout
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, msg.ID)
		c.mu.Unlock()
	}()

	if err := c.transport.Send(msg); err != nil {
		return nil, err
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case reply := <-replyCh:
		return reply, nil
	case <-timer.C:
		log.Debug().Str("id", msg.ID).Msg("Request timed out")
		return nil, ErrRequestTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrTransportClosed
	}
}

// Handle registers a handler for non-reply inbound messages and returns an
// unsubscribe function.
func (c *Connection) Handle(fn HandlerFunc) func() {
	c.mu.Lock()
	id := c.nextSub
	c.nextSub++
	c.handlers[id] = fn
	c.mu.Unlock()

	return func() {
		c.mu.Lock()
		delete(c.handlers, id)
		c.mu.Unlock()
	}
}

// Close shuts down the connection and the underlying transport. Pending
// requests fail with ErrTransportClosed.
func (c *Connection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	close(c.done)
	return c.transport.Close()
}

func (c *Connection) readLoop() {
	for msg := range c.transport.Messages() {
		c.dispatch(msg)
	}

	// Transport is gone; wake up pending requesters.
	c.mu.Lock()
	if !c.closed {
		c.closed = true
		close(c.done)
	}
	c.mu.Unlock()
}

// dispatch routes an inbound message: a pending waiter with a matching id
// takes it exactly once, otherwise handlers see it. A reply whose id matches
// nothing is dropped.
func (c *Connection) dispatch(msg *Message) {
	c.mu.Lock()
	waiter, ok := c.pending[msg.ID]
	if ok {
		// One reply per request: deregister before delivering so a second
		// message with the same id falls through to the handlers.
		delete(c.pending, msg.ID)
	}
	var handlers []HandlerFunc
	if !ok {
		handlers = make([]HandlerFunc, 0, len(c.handlers))
		for _, fn := range c.handlers {
			handlers = append(handlers, fn)
		}
	}
	c.mu.Unlock()

	if ok {
		waiter <- msg
		return
	}

	if len(handlers) == 0 {
		log.Debug().Str("id", msg.ID).Str("type", string(msg.Payload.Type)).
			Msg("Dropping unroutable message")
		return
	}
	for _, fn := range handlers {
		fn(msg)
	}
}
