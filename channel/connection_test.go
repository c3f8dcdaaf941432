package channel

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"
)

// fakeTransport is an in-memory transport whose far side is driven by the
// test directly.
type fakeTransport struct {
	mu      sync.Mutex
	sent    []*Message
	inbound chan *Message
	closed  bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{inbound: make(chan *Message, 16)}
}

func (f *fakeTransport) Send(msg *Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return ErrTransportClosed
	}
	f.sent = append(f.sent, msg)
	return nil
}

func (f *fakeTransport) Messages() <-chan *Message { return f.inbound }

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.closed = true
		close(f.inbound)
	}
	return nil
}

func (f *fakeTransport) lastSent() *Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		return nil
	}
	return f.sent[len(f.sent)-1]
}

func (f *fakeTransport) deliver(msg *Message) {
	f.inbound <- msg
}

func TestRequestCorrelatesOutOfOrderReplies(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection(transport)
	defer conn.Close()

	type result struct {
		reply *Message
		err   error
	}

	methods := []string{"unlock", "checkPassword"}
	results := make([]chan result, len(methods))
	for i, method := range methods {
		results[i] = make(chan result, 1)
		i, method := i, method
		go func() {
			reply, err := conn.Request(context.Background(), Payload{Type: PayloadKeyring, Method: method})
			results[i] <- result{reply, err}
		}()
	}

	// Wait until both requests are on the wire, then find who is who.
	deadline := time.Now().Add(2 * time.Second)
	for {
		transport.mu.Lock()
		n := len(transport.sent)
		transport.mu.Unlock()
		if n == 2 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("Requests never reached the transport")
		}
		time.Sleep(5 * time.Millisecond)
	}

	idByMethod := make(map[string]string)
	transport.mu.Lock()
	for _, sent := range transport.sent {
		idByMethod[sent.Payload.Method] = sent.ID
	}
	transport.mu.Unlock()

	// Reply out of order: the second request's reply first.
	for i := len(methods) - 1; i >= 0; i-- {
		ret, _ := MarshalReturn("reply-" + methods[i])
		transport.deliver(NewResponse(idByMethod[methods[i]], Payload{Type: PayloadKeyring, Return: ret}))
	}

	for i, method := range methods {
		res := <-results[i]
		if res.err != nil {
			t.Fatalf("Request %q failed: %v", method, res.err)
		}
		var got string
		if err := json.Unmarshal(res.reply.Payload.Return, &got); err != nil {
			t.Fatalf("Failed to decode return: %v", err)
		}
		if got != "reply-"+method {
			t.Errorf("Request %q got reply %q", method, got)
		}
	}
}

func TestUnknownReplyIDIsIgnored(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection(transport)
	defer conn.Close()

	conn.SetRequestTimeout(100 * time.Millisecond)

	unmatched := make(chan *Message, 1)
	unsubscribe := conn.Handle(func(msg *Message) {
		unmatched <- msg
	})
	defer unsubscribe()

	done := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), Payload{Type: PayloadKeyring, Method: "lock"})
		done <- err
	}()

	// Give the request time to register, then deliver a reply for an id
	// nobody asked for.
	time.Sleep(20 * time.Millisecond)
	transport.deliver(NewResponse("no-such-request", Payload{Type: PayloadKeyring}))

	if err := <-done; err != ErrRequestTimeout {
		t.Fatalf("Expected ErrRequestTimeout, got %v", err)
	}

	// The stray message went to handlers, not to the waiter.
	select {
	case msg := <-unmatched:
		if msg.ID != "no-such-request" {
			t.Errorf("Handler saw unexpected message id %q", msg.ID)
		}
	case <-time.After(time.Second):
		t.Fatal("Stray reply never reached the handler")
	}
}

func TestRequestTimesOut(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection(transport)
	defer conn.Close()

	conn.SetRequestTimeout(50 * time.Millisecond)

	start := time.Now()
	_, err := conn.Request(context.Background(), Payload{Type: PayloadKeyring, Method: "unlock"})
	if err != ErrRequestTimeout {
		t.Fatalf("Expected ErrRequestTimeout, got %v", err)
	}
	if time.Since(start) > time.Second {
		t.Error("Timeout took far longer than configured")
	}

	// The waiter is deregistered; a late reply must not panic or leak.
	last := transport.lastSent()
	if last == nil {
		t.Fatal("Request never hit the transport")
	}
	transport.deliver(NewResponse(last.ID, Payload{Type: PayloadKeyring}))
	time.Sleep(20 * time.Millisecond)
}

func TestRequestHonorsContext(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection(transport)
	defer conn.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := conn.Request(ctx, Payload{Type: PayloadKeyring, Method: "unlock"})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	cancel()

	if err := <-done; err != context.Canceled {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
}

func TestReplyEchoesRequestID(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection(transport)
	defer conn.Close()

	ret, _ := MarshalReturn(true)
	if err := conn.Reply("req-42", Payload{Type: PayloadKeyring, Return: ret}); err != nil {
		t.Fatalf("Reply failed: %v", err)
	}

	sent := transport.lastSent()
	if sent == nil || sent.ID != "req-42" {
		t.Fatalf("Reply did not reuse the request id: %+v", sent)
	}
}

func TestPendingRequestFailsWhenTransportDrops(t *testing.T) {
	transport := newFakeTransport()
	conn := NewConnection(transport)

	done := make(chan error, 1)
	go func() {
		_, err := conn.Request(context.Background(), Payload{Type: PayloadKeyring, Method: "unlock"})
		done <- err
	}()

	time.Sleep(10 * time.Millisecond)
	transport.Close()

	if err := <-done; err != ErrTransportClosed {
		t.Fatalf("Expected ErrTransportClosed, got %v", err)
	}
}
