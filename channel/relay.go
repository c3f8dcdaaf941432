package channel

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog/log"
)

// Dialer establishes a fresh transport to the background service.
type Dialer func() (Transport, error)

// Relay is the content-script bridge: it forwards envelopes between the
// page-side transport and the background port. The background port can drop
// under navigation or a service restart, so the relay redials and keeps
// forwarding; only requests that were in flight across the drop are orphaned,
// and their callers time out at the Connection layer.
type Relay struct {
	page       Transport
	dial       Dialer
	redialWait time.Duration
}

// NewRelay builds a relay over an established page transport and a dialer
// for the background side.
func NewRelay(page Transport, dial Dialer) *Relay {
	return &Relay{
		page:       page,
		dial:       dial,
		redialWait: 250 * time.Millisecond,
	}
}

// Run pumps messages in both directions until the context is cancelled or
// the page side goes away. A background-side failure is not fatal: the relay
// re-establishes the port and resumes.
func (r *Relay) Run(ctx context.Context) error {
	for {
		background, err := r.dial()
		if err != nil {
			log.Warn().Err(err).Msg("Background port dial failed, retrying")
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(r.redialWait):
				continue
			}
		}

		err = r.pump(ctx, background)
		background.Close()

		switch err {
		case nil:
			// Background port dropped; redial transparently.
			log.Info().Msg("Background port dropped, reconnecting")
			continue
		case errPageClosed:
			log.Info().Msg("Page transport closed, relay stopping")
			return nil
		default:
			return err
		}
	}
}

// errPageClosed distinguishes a page-side shutdown from a background drop.
var errPageClosed = errors.New("page transport closed")

// pump forwards messages until one side disconnects. Returns nil when the
// background side dropped (caller redials) and errPageClosed when the page
// side is gone.
func (r *Relay) pump(ctx context.Context, background Transport) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case msg, ok := <-r.page.Messages():
			if !ok {
				return errPageClosed
			}
			if err := background.Send(msg); err != nil {
				// The orphaned request fails upstream; future ones use the
				// next connection.
				log.Debug().Err(err).Str("id", msg.ID).Msg("Forward to background failed")
				return nil
			}

		case msg, ok := <-background.Messages():
			if !ok {
				return nil
			}
			if err := r.page.Send(msg); err != nil {
				return errPageClosed
			}
		}
	}
}
