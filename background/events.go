package main

import (
	"sync"

	"github.com/rs/zerolog"

	"github.com/sablewallet/sable/background/store"
	"github.com/sablewallet/sable/channel"
)

// BroadcastEvents pushes lock-status changes out over the connection so the
// UI tracks state it did not itself change (auto-lock, another window).
func BroadcastEvents(conn *channel.Connection, keyring *Keyring, logger zerolog.Logger) {
	log := logger.With().Str("component", "events").Logger()

	keyring.Subscribe(func(status WalletStatus) {
		args, err := channel.MarshalArgs(status)
		if err != nil {
			log.Error().Err(err).Msg("Failed to encode status event")
			return
		}
		_, err = conn.Send(channel.Payload{
			Type:   channel.PayloadEvent,
			Method: "lockStatusChanged",
			Args:   args,
		})
		if err != nil {
			log.Warn().Err(err).Msg("Failed to broadcast status event")
		}
	})
}

// BusPopup opens approval popups by sending an event over the connection and
// learns about dismissals from popup-closed events routed back to it.
type BusPopup struct {
	conn *channel.Connection
	log  zerolog.Logger

	mu   sync.Mutex
	open map[string]*busPopupHandle
}

// NewBusPopup creates the popup opener.
func NewBusPopup(conn *channel.Connection, logger zerolog.Logger) *BusPopup {
	return &BusPopup{
		conn: conn,
		log:  logger.With().Str("component", "popup").Logger(),
		open: make(map[string]*busPopupHandle),
	}
}

// Open asks the UI shell to surface the approval request.
func (p *BusPopup) Open(req *store.ApprovalRecord) (PopupHandle, error) {
	args, err := channel.MarshalArgs(req)
	if err != nil {
		return nil, err
	}
	_, err = p.conn.Send(channel.Payload{
		Type:   channel.PayloadEvent,
		Method: "openApprovalPopup",
		Args:   args,
	})
	if err != nil {
		return nil, err
	}

	h := &busPopupHandle{
		owner:  p,
		id:     req.ID,
		closed: make(chan struct{}),
	}
	p.mu.Lock()
	p.open[req.ID] = h
	p.mu.Unlock()
	return h, nil
}

// NotifyClosed marks a popup as dismissed by the user.
func (p *BusPopup) NotifyClosed(id string) {
	p.mu.Lock()
	h, ok := p.open[id]
	delete(p.open, id)
	p.mu.Unlock()

	if ok {
		h.signalClosed()
	}
}

func (p *BusPopup) forget(id string) {
	p.mu.Lock()
	delete(p.open, id)
	p.mu.Unlock()
}

type busPopupHandle struct {
	owner  *BusPopup
	id     string
	once   sync.Once
	closed chan struct{}
}

func (h *busPopupHandle) Closed() <-chan struct{} {
	return h.closed
}

func (h *busPopupHandle) Close() {
	h.owner.forget(h.id)
}

func (h *busPopupHandle) signalClosed() {
	h.once.Do(func() { close(h.closed) })
}
