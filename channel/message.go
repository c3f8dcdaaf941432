// Package channel implements the id-correlated message protocol spoken
// between the wallet's isolated contexts (page, content script, background,
// popup UI). Every exchange is a Message envelope; a reply carries the same
// id as its request so callers can correlate over unordered transports.
package channel

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
)

// PayloadType selects the payload family of a message.
type PayloadType string

const (
	PayloadKeyring     PayloadType = "keyring"
	PayloadPermission  PayloadType = "permission"
	PayloadTransaction PayloadType = "transaction"
	PayloadSignMessage PayloadType = "signMessage"
	PayloadApproval    PayloadType = "approvalDecision"
	PayloadEvent       PayloadType = "event"
)

// Payload is the tagged body of a message. Type selects the family,
// Method the operation within the keyring family. A reply populates
// Return, or the error fields when the handler failed.
type Payload struct {
	Type   PayloadType     `json:"type"`
	Method string          `json:"method,omitempty"`
	Args   json.RawMessage `json:"args,omitempty"`
	Return json.RawMessage `json:"return,omitempty"`

	Error   bool   `json:"error,omitempty"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Message is the wire envelope for all channels.
type Message struct {
	ID      string  `json:"id"`
	Payload Payload `json:"payload"`
}

// NewMessage wraps a payload in an envelope with a fresh correlation id.
func NewMessage(payload Payload) *Message {
	return &Message{
		ID:      uuid.New().String(),
		Payload: payload,
	}
}

// NewResponse wraps a payload in an envelope that answers the given request id.
func NewResponse(responseForID string, payload Payload) *Message {
	return &Message{
		ID:      responseForID,
		Payload: payload,
	}
}

// NewErrorResponse builds the correlated error reply for a failed request.
// Code -1 is the generic handler failure the UI maps to a field error.
func NewErrorResponse(responseForID string, code int, message string) *Message {
	return &Message{
		ID: responseForID,
		Payload: Payload{
			Type:    PayloadKeyring,
			Error:   true,
			Code:    code,
			Message: message,
		},
	}
}

// IsError reports whether the payload carries an error reply.
func (p Payload) IsError() bool {
	return p.Error
}

// MarshalArgs encodes v into a payload's Args field.
func MarshalArgs(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal args: %w", err)
	}
	return data, nil
}

// MarshalReturn encodes v into a payload's Return field.
func MarshalReturn(v interface{}) (json.RawMessage, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal return value: %w", err)
	}
	return data, nil
}
