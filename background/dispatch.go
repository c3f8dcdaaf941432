package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/sablewallet/sable/background/store"
	"github.com/sablewallet/sable/channel"
)

// errCodeGeneric is the error code the UI maps to an inline field error.
const errCodeGeneric = -1

// Dispatcher routes inbound messages to the keyring and the approval
// coordinator and writes the correlated reply for every request. Any
// handler error becomes an error reply carrying the same id, so the
// caller's promise always settles.
type Dispatcher struct {
	conn      *channel.Connection
	keyring   *Keyring
	approvals *ApprovalCoordinator
	popups    *BusPopup
	log       zerolog.Logger
}

// NewDispatcher attaches a dispatcher to the connection. popups may be nil
// when no popup shell is connected.
func NewDispatcher(conn *channel.Connection, keyring *Keyring, approvals *ApprovalCoordinator, popups *BusPopup, logger zerolog.Logger) *Dispatcher {
	d := &Dispatcher{
		conn:      conn,
		keyring:   keyring,
		approvals: approvals,
		popups:    popups,
		log:       logger.With().Str("component", "dispatch").Logger(),
	}
	conn.Handle(d.handle)
	return d
}

func (d *Dispatcher) handle(msg *channel.Message) {
	switch msg.Payload.Type {
	case channel.PayloadKeyring:
		d.handleKeyring(msg)
	case channel.PayloadPermission, channel.PayloadTransaction, channel.PayloadSignMessage:
		// Approval requests block on the user, so they get their own
		// goroutine; the reply still carries the request id.
		go d.handleApprovalRequest(msg)
	case channel.PayloadApproval:
		d.handleApprovalDecision(msg)
	case channel.PayloadEvent:
		d.handleEvent(msg)
	default:
		d.log.Debug().Str("type", string(msg.Payload.Type)).Msg("Ignoring unknown payload type")
	}
}

// ===============================
// Keyring methods
// ===============================

type passwordArgs struct {
	Password string `json:"password"`
}

type createArgs struct {
	Password string `json:"password"`
	Mnemonic string `json:"mnemonic,omitempty"`
}

type addVaultArgs struct {
	Mnemonic string `json:"mnemonic,omitempty"`
}

type importAccountArgs struct {
	Seed string `json:"seed"`
}

type changePasswordArgs struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

type accountArgs struct {
	Address string `json:"address"`
}

type accountMetaArgs struct {
	Address string `json:"address"`
	Alias   string `json:"alias"`
	Avatar  string `json:"avatar"`
}

type lockTimeoutArgs struct {
	Minutes int `json:"minutes"`
}

func (d *Dispatcher) handleKeyring(msg *channel.Message) {
	result, err := d.callKeyring(msg)
	if err != nil {
		d.log.Warn().Err(err).Str("method", msg.Payload.Method).Msg("Keyring request failed")
		d.sendError(msg.ID, err)
		return
	}
	d.sendReturn(msg.ID, result)
}

func (d *Dispatcher) callKeyring(msg *channel.Message) (interface{}, error) {
	// Keyring traffic is user activity as far as the idle timer cares,
	// except the status poll the UI fires on every render.
	if msg.Payload.Method != "walletStatusUpdate" {
		d.keyring.Touch()
	}

	switch msg.Payload.Method {
	case "create":
		var args createArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		return d.keyring.CreateVault(args.Password, args.Mnemonic)

	case "add":
		var args addVaultArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		return d.keyring.AddVault(args.Mnemonic)

	case "importAccount":
		var args importAccountArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		return d.keyring.ImportAccount(args.Seed)

	case "getEntropy":
		var args passwordArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		mnemonic, ok, err := d.keyring.RevealMnemonic(args.Password)
		if err != nil {
			return nil, err
		}
		if !ok {
			return nil, fmt.Errorf("invalid password")
		}
		return map[string]string{"mnemonic": mnemonic}, nil

	case "unlock":
		var args passwordArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		if err := d.keyring.Unlock(args.Password); err != nil {
			return nil, err
		}
		return d.keyring.Status()

	case "checkPassword":
		var args passwordArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		ok, err := d.keyring.CheckPassword(args.Password)
		if err != nil {
			return nil, err
		}
		return map[string]bool{"valid": ok}, nil

	case "changePassword":
		var args changePasswordArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		if err := d.keyring.ChangePassword(args.OldPassword, args.NewPassword); err != nil {
			return nil, err
		}
		return map[string]bool{"changed": true}, nil

	case "walletStatusUpdate":
		return d.keyring.Status()

	case "lock":
		if err := d.keyring.Lock(); err != nil {
			return nil, err
		}
		return d.keyring.Status()

	case "clear":
		if err := d.keyring.Clear(); err != nil {
			return nil, err
		}
		return d.keyring.Status()

	case "allAccounts":
		return d.keyring.AllAccounts()

	case "setActiveAccount":
		var args accountArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		if err := d.keyring.SetActiveAccount(args.Address); err != nil {
			return nil, err
		}
		return d.keyring.AllAccounts()

	case "setMeta":
		var args accountMetaArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		if err := d.keyring.SetAccountMeta(args.Address, args.Alias, args.Avatar); err != nil {
			return nil, err
		}
		return d.keyring.AllAccounts()

	case "setLockTimeout":
		var args lockTimeoutArgs
		if err := decodeArgs(msg, &args); err != nil {
			return nil, err
		}
		if err := d.keyring.SetLockTimeout(args.Minutes); err != nil {
			return nil, err
		}
		return map[string]bool{"ok": true}, nil

	case "appStatusUpdate":
		// Activity ping from the UI; Touch already ran above.
		return map[string]bool{"ok": true}, nil

	case "pendingApprovals":
		return d.approvals.Pending()

	default:
		return nil, fmt.Errorf("unknown keyring method: %s", msg.Payload.Method)
	}
}

// ===============================
// Approvals
// ===============================

type approvalRequestArgs struct {
	Origin  string          `json:"origin"`
	Favicon string          `json:"favicon,omitempty"`
	Body    json.RawMessage `json:"body,omitempty"`
}

type approvalDecisionArgs struct {
	ID       string `json:"id"`
	Approved bool   `json:"approved"`
}

// handleApprovalRequest parks a page request on the user's decision. The
// request's correlation id doubles as the approval id, so the eventual
// decision and the reply line up with the originating call.
func (d *Dispatcher) handleApprovalRequest(msg *channel.Message) {
	var args approvalRequestArgs
	if err := decodeArgs(msg, &args); err != nil {
		d.sendError(msg.ID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), channel.DefaultRequestTimeout)
	defer cancel()

	approved, err := d.approvals.Request(ctx, &store.ApprovalRecord{
		ID:      msg.ID,
		Origin:  args.Origin,
		Favicon: args.Favicon,
		Kind:    string(msg.Payload.Type),
		Payload: args.Body,
	})
	if err != nil {
		d.sendError(msg.ID, err)
		return
	}
	if !approved {
		d.sendError(msg.ID, fmt.Errorf("user rejected the request"))
		return
	}
	d.sendReturn(msg.ID, map[string]bool{"approved": true})
}

type popupClosedArgs struct {
	ID string `json:"id"`
}

// handleEvent consumes fire-and-forget notifications; events carry no reply.
func (d *Dispatcher) handleEvent(msg *channel.Message) {
	switch msg.Payload.Method {
	case "approvalPopupClosed":
		var args popupClosedArgs
		if err := decodeArgs(msg, &args); err != nil {
			d.log.Warn().Err(err).Msg("Malformed popup-closed event")
			return
		}
		if d.popups != nil {
			d.popups.NotifyClosed(args.ID)
		}
	}
}

func (d *Dispatcher) handleApprovalDecision(msg *channel.Message) {
	var args approvalDecisionArgs
	if err := decodeArgs(msg, &args); err != nil {
		d.sendError(msg.ID, err)
		return
	}
	did, err := d.approvals.Resolve(args.ID, args.Approved)
	if err != nil {
		d.sendError(msg.ID, err)
		return
	}
	d.sendReturn(msg.ID, map[string]bool{"resolved": did})
}

// ===============================
// Reply plumbing
// ===============================

func (d *Dispatcher) sendReturn(id string, result interface{}) {
	ret, err := channel.MarshalReturn(result)
	if err != nil {
		d.sendError(id, err)
		return
	}
	err = d.conn.Reply(id, channel.Payload{
		Type:   channel.PayloadKeyring,
		Return: ret,
	})
	if err != nil {
		d.log.Error().Err(err).Str("id", id).Msg("Failed to send reply")
	}
}

func (d *Dispatcher) sendError(id string, cause error) {
	msg := channel.NewErrorResponse(id, errCodeGeneric, cause.Error())
	if err := d.conn.Reply(id, msg.Payload); err != nil {
		d.log.Error().Err(err).Str("id", id).Msg("Failed to send error reply")
	}
}

func decodeArgs(msg *channel.Message, v interface{}) error {
	if len(msg.Payload.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(msg.Payload.Args, v); err != nil {
		return fmt.Errorf("malformed arguments: %w", err)
	}
	return nil
}
