package protocol

import "encoding/json"

// Rendezvous message types. The rendezvous service routes envelopes
// between registered identities and never inspects payloads.
const (
	SignalRegister   = "register"
	SignalRegistered = "registered"
	SignalIDTaken    = "id-taken"
	SignalOffer      = "offer"
	SignalAnswer     = "answer"
	SignalCandidate  = "candidate"
	SignalError      = "error"
)

// SignalMessage is the JSON envelope on the rendezvous socket. Register
// uses ID and Resume; routed messages use From/To with an opaque
// payload.
type SignalMessage struct {
	Type    string          `json:"type"`
	ID      string          `json:"id,omitempty"`
	From    string          `json:"from,omitempty"`
	To      string          `json:"to,omitempty"`
	Resume  bool            `json:"resume,omitempty"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Error   string          `json:"error,omitempty"`
}
