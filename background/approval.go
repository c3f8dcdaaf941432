package main

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sablewallet/sable/background/store"
)

// PopupHandle is an open approval window. Closed fires when the user
// dismisses it without deciding.
type PopupHandle interface {
	Closed() <-chan struct{}
	Close()
}

// PopupOpener surfaces an approval request to the user. The background
// service never renders anything itself.
type PopupOpener interface {
	Open(req *store.ApprovalRecord) (PopupHandle, error)
}

// ApprovalCoordinator parks page-originated requests until the user decides.
// The durable store is the arbiter: the first write of a decision wins, so
// an explicit choice racing a window close resolves to exactly one outcome.
type ApprovalCoordinator struct {
	durable *store.DurableStore
	opener  PopupOpener
	log     zerolog.Logger

	mu      sync.Mutex
	waiters map[string]chan bool
}

// NewApprovalCoordinator wires the coordinator over the durable store.
func NewApprovalCoordinator(durable *store.DurableStore, opener PopupOpener, logger zerolog.Logger) *ApprovalCoordinator {
	return &ApprovalCoordinator{
		durable: durable,
		opener:  opener,
		log:     logger.With().Str("component", "approval").Logger(),
		waiters: make(map[string]chan bool),
	}
}

// Request persists the approval, opens the popup, and blocks until a
// decision lands or ctx expires. A dismissed popup counts as a rejection.
// ctx expiry also records a rejection so the request cannot be approved
// after its originator gave up.
func (c *ApprovalCoordinator) Request(ctx context.Context, req *store.ApprovalRecord) (bool, error) {
	if req.CreatedAt == 0 {
		req.CreatedAt = time.Now().UnixMilli()
	}

	// The waiter registers before the request persists; a decision can only
	// win the durable gate once the row exists, and by then delivery works.
	ch := make(chan bool, 1)
	c.mu.Lock()
	c.waiters[req.ID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.waiters, req.ID)
		c.mu.Unlock()
	}()

	if err := c.durable.PutApprovalRequest(req); err != nil {
		return false, err
	}

	var closed <-chan struct{}
	handle, err := c.opener.Open(req)
	if err != nil {
		// The request stays pending; a later popup load picks it up.
		c.log.Warn().Err(err).Str("id", req.ID).Msg("Failed to open approval popup")
	} else {
		closed = handle.Closed()
		defer handle.Close()
	}

	c.log.Info().Str("id", req.ID).Str("origin", req.Origin).
		Str("kind", req.Kind).Msg("Awaiting user decision")

	select {
	case approved := <-ch:
		return approved, nil
	case <-closed:
		// Closing the window is a rejection, unless an explicit decision
		// won the race; either way the stored outcome is authoritative.
		// A store failure here must still settle the caller.
		if _, err := c.Resolve(req.ID, false); err != nil {
			return false, err
		}
		select {
		case approved := <-ch:
			return approved, nil
		case <-ctx.Done():
			return false, ctx.Err()
		}
	case <-ctx.Done():
		c.Resolve(req.ID, false)
		return false, ctx.Err()
	}
}

// Resolve records a decision. Only the first decision for an id takes
// effect; the return value reports whether this call was it.
func (c *ApprovalCoordinator) Resolve(id string, approved bool) (bool, error) {
	did, err := c.durable.ResolveApprovalRequest(id, approved, time.Now().UnixMilli())
	if err != nil {
		return false, err
	}
	if !did {
		c.log.Debug().Str("id", id).Msg("Ignoring duplicate approval decision")
		return false, nil
	}

	c.mu.Lock()
	ch, ok := c.waiters[id]
	c.mu.Unlock()
	if ok {
		ch <- approved
	}

	c.log.Info().Str("id", id).Bool("approved", approved).Msg("Approval resolved")
	return true, nil
}

// Pending lists unresolved requests so a reopened popup can re-render its
// queue.
func (c *ApprovalCoordinator) Pending() ([]store.ApprovalRecord, error) {
	return c.durable.PendingApprovalRequests()
}
