// Package proto holds the wire formats shared by goopcall clients and the
// relay: WebSocket paths, messaging events and call-signaling messages.
package proto

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// ChatPath is the relay WebSocket endpoint for the messaging channel.
	ChatPath = "/ws/chat"

	// SignalPath is the relay WebSocket endpoint for call signaling.
	SignalPath = "/ws/signal"

	// APIPrefix is where the relay mounts its REST routes.
	APIPrefix = "/api"
)

// Messaging channel event names.
const (
	EventJoinChat       = "joinChat"
	EventUpdateUsers    = "updateUsers"
	EventSendMessage    = "sendMessage"
	EventReceiveMessage = "receiveMessage"
	EventInvitePlayer   = "invitePlayer"
)

// Envelope is one messaging channel frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewEnvelope marshals data into an envelope for event.
func NewEnvelope(event string, data any) (Envelope, error) {
	b, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Event: event, Data: b}, nil
}

// InviteMsg is the payload of invitePlayer.
type InviteMsg struct {
	FromUser string `json:"fromUser" validate:"required"`
	ToUser   string `json:"toUser" validate:"required"`
}

// User is a directory entry as served by GET /users.
type User struct {
	ID       string `json:"id"`
	Username string `json:"username" validate:"required"`
	Email    string `json:"email" validate:"omitempty,email"`
}

// ── Call signaling ───────────────────────────────────────────────────────────

// SignalType is the "type" field of a signaling message.
type SignalType string

const (
	SignalOpen      SignalType = "open"      // relay → client: assigned identity
	SignalOffer     SignalType = "offer"     // caller → callee
	SignalAnswer    SignalType = "answer"    // callee → caller
	SignalCandidate SignalType = "candidate" // either side, trickle ICE
	SignalClose     SignalType = "close"     // either side, hang up
	SignalReject    SignalType = "reject"    // callee → caller, with reason
	SignalError     SignalType = "error"     // relay → client
)

// Reject reasons.
const (
	ReasonBusy     = "busy"
	ReasonDeclined = "declined"
	ReasonTimeout  = "timeout"
)

// Relay error codes.
const (
	CodeUnavailableID = "unavailable-id"
	CodeInvalid       = "invalid-message"
	CodeRateLimited   = "rate-limited"
)

// SDP mirrors RTCSessionDescriptionInit.
type SDP struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate mirrors RTCIceCandidateInit.
type Candidate struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// SignalMsg is one frame on the signaling WebSocket.
type SignalMsg struct {
	Type      SignalType `json:"type"`
	ID        string     `json:"id,omitempty"` // open only
	Src       string     `json:"src,omitempty"`
	Dst       string     `json:"dst,omitempty"`
	CallID    string     `json:"callId,omitempty"`
	SDP       *SDP       `json:"sdp,omitempty"`
	Candidate *Candidate `json:"candidate,omitempty"`
	Reason    string     `json:"reason,omitempty"`
	Code      string     `json:"code,omitempty"`
	Message   string     `json:"message,omitempty"`
}

// ParseSignal decodes and validates a single signaling frame.
func ParseSignal(data []byte) (SignalMsg, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()

	var msg SignalMsg
	if err := dec.Decode(&msg); err != nil {
		return SignalMsg{}, err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return SignalMsg{}, errors.New("unexpected trailing data")
	}
	if err := msg.Validate(); err != nil {
		return SignalMsg{}, err
	}
	return msg, nil
}

// Validate checks the fields required by each message type. Src is not
// required on client-originated frames; the relay stamps it.
func (m SignalMsg) Validate() error {
	switch m.Type {
	case SignalOpen:
		if m.ID == "" {
			return errors.New("open message missing id")
		}
		return nil
	case SignalError:
		if m.Code == "" {
			return errors.New("error message missing code")
		}
		return nil
	case SignalOffer, SignalAnswer, SignalCandidate, SignalClose, SignalReject:
	default:
		return fmt.Errorf("unsupported message type %q", m.Type)
	}

	if m.Dst == "" || m.CallID == "" {
		return fmt.Errorf("%s message missing dst/callId", m.Type)
	}
	switch m.Type {
	case SignalOffer, SignalAnswer:
		if m.SDP == nil || m.SDP.SDP == "" {
			return fmt.Errorf("%s message missing sdp", m.Type)
		}
		if m.SDP.Type != string(m.Type) {
			return fmt.Errorf("%s message has sdp.type=%q", m.Type, m.SDP.Type)
		}
		if m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected candidate", m.Type)
		}
	case SignalCandidate:
		if m.Candidate == nil {
			return errors.New("candidate message missing candidate")
		}
		if m.SDP != nil {
			return errors.New("candidate message has unexpected sdp")
		}
	case SignalClose, SignalReject:
		if m.SDP != nil || m.Candidate != nil {
			return fmt.Errorf("%s message has unexpected fields", m.Type)
		}
	}
	return nil
}

func NowMillis() int64 { return time.Now().UnixMilli() }
