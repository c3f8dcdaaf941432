package main

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/sablewallet/sable/background/store"
)

type fakePopupHandle struct {
	once   sync.Once
	closed chan struct{}
}

func (h *fakePopupHandle) Closed() <-chan struct{} { return h.closed }
func (h *fakePopupHandle) Close()                  {}

func (h *fakePopupHandle) dismiss() {
	h.once.Do(func() { close(h.closed) })
}

type fakePopup struct {
	mu      sync.Mutex
	handles map[string]*fakePopupHandle
	failing bool
}

func newFakePopup() *fakePopup {
	return &fakePopup{handles: make(map[string]*fakePopupHandle)}
}

func (p *fakePopup) Open(req *store.ApprovalRecord) (PopupHandle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failing {
		return nil, errors.New("no window")
	}
	h := &fakePopupHandle{closed: make(chan struct{})}
	p.handles[req.ID] = h
	return h, nil
}

func (p *fakePopup) handle(id string) *fakePopupHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.handles[id]
}

func (p *fakePopup) waitOpen(t *testing.T, id string) *fakePopupHandle {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if h := p.handle(id); h != nil {
			return h
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("popup for %s never opened", id)
	return nil
}

func newTestCoordinator(t *testing.T) (*ApprovalCoordinator, *fakePopup, *store.DurableStore) {
	t.Helper()
	durable, err := store.OpenDurable(":memory:", "test-key")
	if err != nil {
		t.Fatalf("OpenDurable: %v", err)
	}
	t.Cleanup(func() { durable.Close() })

	popup := newFakePopup()
	return NewApprovalCoordinator(durable, popup, zerolog.Nop()), popup, durable
}

func requestAsync(c *ApprovalCoordinator, req *store.ApprovalRecord) (chan bool, chan error) {
	approvedCh := make(chan bool, 1)
	errCh := make(chan error, 1)
	go func() {
		approved, err := c.Request(context.Background(), req)
		approvedCh <- approved
		errCh <- err
	}()
	return approvedCh, errCh
}

func TestExplicitApprove(t *testing.T) {
	c, popup, durable := newTestCoordinator(t)

	approvedCh, errCh := requestAsync(c, &store.ApprovalRecord{
		ID: "req-1", Origin: "https://dapp.example", Kind: "transaction",
	})
	popup.waitOpen(t, "req-1")

	did, err := c.Resolve("req-1", true)
	if err != nil || !did {
		t.Fatalf("Resolve = %v, %v, want true", did, err)
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !<-approvedCh {
		t.Fatal("explicit approval reported as rejection")
	}

	rec, err := durable.ApprovalRequest("req-1")
	if err != nil || rec == nil || rec.Approved == nil || !*rec.Approved {
		t.Fatalf("stored outcome = %+v, %v, want approved", rec, err)
	}
}

func TestPopupCloseRejects(t *testing.T) {
	c, popup, durable := newTestCoordinator(t)

	approvedCh, errCh := requestAsync(c, &store.ApprovalRecord{
		ID: "req-2", Origin: "https://dapp.example", Kind: "permission",
	})
	popup.waitOpen(t, "req-2").dismiss()

	if err := <-errCh; err != nil {
		t.Fatalf("Request: %v", err)
	}
	if <-approvedCh {
		t.Fatal("dismissed popup reported as approval")
	}

	rec, err := durable.ApprovalRequest("req-2")
	if err != nil || rec == nil || rec.Approved == nil || *rec.Approved {
		t.Fatalf("stored outcome = %+v, %v, want rejected", rec, err)
	}
}

func TestDecisionRacingCloseIsSingle(t *testing.T) {
	c, popup, durable := newTestCoordinator(t)

	approvedCh, errCh := requestAsync(c, &store.ApprovalRecord{
		ID: "req-3", Origin: "https://dapp.example", Kind: "signMessage",
	})
	h := popup.waitOpen(t, "req-3")

	// Dismissal and explicit approval race; exactly one outcome wins and
	// the caller sees the same one the store recorded.
	go h.dismiss()
	go c.Resolve("req-3", true)

	if err := <-errCh; err != nil {
		t.Fatalf("Request: %v", err)
	}
	got := <-approvedCh

	rec, err := durable.ApprovalRequest("req-3")
	if err != nil || rec == nil || rec.Approved == nil {
		t.Fatalf("stored outcome = %+v, %v", rec, err)
	}
	if got != *rec.Approved {
		t.Errorf("caller saw %v but store recorded %v", got, *rec.Approved)
	}
}

func TestLateDecisionIsNoop(t *testing.T) {
	c, popup, _ := newTestCoordinator(t)

	approvedCh, errCh := requestAsync(c, &store.ApprovalRecord{
		ID: "req-4", Origin: "https://dapp.example", Kind: "transaction",
	})
	popup.waitOpen(t, "req-4")

	if did, err := c.Resolve("req-4", false); err != nil || !did {
		t.Fatalf("first Resolve = %v, %v", did, err)
	}
	<-errCh
	if <-approvedCh {
		t.Fatal("rejection delivered as approval")
	}

	did, err := c.Resolve("req-4", true)
	if err != nil {
		t.Fatalf("late Resolve: %v", err)
	}
	if did {
		t.Fatal("late decision overrode the recorded one")
	}
}

func TestPopupCloseWithFailingStoreSettles(t *testing.T) {
	c, popup, durable := newTestCoordinator(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, &store.ApprovalRecord{
			ID: "req-7", Origin: "https://dapp.example", Kind: "transaction",
		})
		errCh <- err
	}()
	h := popup.waitOpen(t, "req-7")

	// The store dies underneath; dismissing the popup must still settle
	// the request instead of leaving the caller blocked.
	durable.Close()
	h.dismiss()

	select {
	case err := <-errCh:
		if err == nil {
			t.Fatal("Request succeeded despite unrecordable rejection")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Request never returned after popup close with failing store")
	}
}

func TestContextExpiryRejects(t *testing.T) {
	c, _, durable := newTestCoordinator(t)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() {
		_, err := c.Request(ctx, &store.ApprovalRecord{
			ID: "req-5", Origin: "https://dapp.example", Kind: "transaction",
		})
		errCh <- err
	}()

	// Give the request time to persist, then abandon it.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec, _ := durable.ApprovalRequest("req-5"); rec != nil {
			break
		}
		time.Sleep(time.Millisecond)
	}
	cancel()

	if err := <-errCh; !errors.Is(err, context.Canceled) {
		t.Fatalf("Request: err = %v, want context.Canceled", err)
	}

	rec, err := durable.ApprovalRequest("req-5")
	if err != nil || rec == nil || rec.Approved == nil || *rec.Approved {
		t.Fatalf("abandoned request outcome = %+v, %v, want rejected", rec, err)
	}
}

func TestPendingSurvivesForReload(t *testing.T) {
	c, popup, _ := newTestCoordinator(t)

	ids := []string{"req-a", "req-b"}
	for _, id := range ids {
		requestAsync(c, &store.ApprovalRecord{
			ID: id, Origin: "https://dapp.example", Kind: "transaction",
		})
		popup.waitOpen(t, id)
	}

	pending, err := c.Pending()
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 2 {
		t.Fatalf("len(pending) = %d, want 2", len(pending))
	}
	for i, id := range ids {
		if pending[i].ID != id {
			t.Errorf("pending[%d] = %s, want %s", i, pending[i].ID, id)
		}
	}

	for _, id := range ids {
		c.Resolve(id, false)
	}
	pending, _ = c.Pending()
	if len(pending) != 0 {
		t.Errorf("len(pending) = %d after resolving, want 0", len(pending))
	}
}

func TestRequestSurvivesPopupOpenFailure(t *testing.T) {
	c, popup, _ := newTestCoordinator(t)
	popup.failing = true

	approvedCh, errCh := requestAsync(c, &store.ApprovalRecord{
		ID: "req-6", Origin: "https://dapp.example", Kind: "transaction",
	})

	// The request stays pending; an explicit decision still settles it.
	deadline := time.Now().Add(2 * time.Second)
	resolved := false
	for time.Now().Before(deadline) {
		did, err := c.Resolve("req-6", true)
		if err != nil {
			t.Fatalf("Resolve: %v", err)
		}
		if did {
			resolved = true
			break
		}
		time.Sleep(time.Millisecond)
	}
	if !resolved {
		t.Fatal("request never became resolvable")
	}

	if err := <-errCh; err != nil {
		t.Fatalf("Request: %v", err)
	}
	if !<-approvedCh {
		t.Fatal("approval lost when popup failed to open")
	}
}
