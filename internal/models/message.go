package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mossy-p/lancast/internal/apperr"
)

// MessageType represents the type of a signaling message
type MessageType string

const (
	TypeJoinRequest  MessageType = "join-request"
	TypeJoinResponse MessageType = "join-response"
	TypeOffer        MessageType = "offer"
	TypeAnswer       MessageType = "answer"
	TypeICECandidate MessageType = "ice-candidate"
	TypeDisconnect   MessageType = "disconnect"
)

// TargetServer addresses the router itself rather than a peer.
const TargetServer = "server"

// ErrUnknownType is returned by Decode for messages whose type this build
// does not recognize. Callers drop these silently.
var ErrUnknownType = errors.New("unknown message type")

// Known reports whether t is one of the six protocol message types.
func (t MessageType) Known() bool {
	switch t {
	case TypeJoinRequest, TypeJoinResponse, TypeOffer, TypeAnswer, TypeICECandidate, TypeDisconnect:
		return true
	}
	return false
}

// SignalingMessage is the unit of exchange between peers and the router.
// TargetID is nil for broadcast and serializes as JSON null.
type SignalingMessage struct {
	Type     MessageType     `json:"type"`
	SenderID PeerID          `json:"senderId"`
	TargetID *PeerID         `json:"targetId"`
	Payload  json.RawMessage `json:"payload"`
}

// JoinRequestPayload is sent by a peer when it first attaches to a router.
type JoinRequestPayload struct {
	DeviceName string `json:"deviceName,omitempty"`
	DeviceType string `json:"deviceType,omitempty"`
	Token      string `json:"token,omitempty"`
}

// JoinResponsePayload answers a join-request.
type JoinResponsePayload struct {
	Accepted bool   `json:"accepted"`
	Reason   string `json:"reason,omitempty"`
}

// SessionDescriptionPayload carries an offer or answer.
type SessionDescriptionPayload struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// CandidatePayload carries one connectivity candidate.
type CandidatePayload struct {
	Candidate        string  `json:"candidate"`
	SDPMid           *string `json:"sdpMid,omitempty"`
	SDPMLineIndex    *uint16 `json:"sdpMLineIndex,omitempty"`
	UsernameFragment *string `json:"usernameFragment,omitempty"`
}

// DisconnectPayload optionally explains a disconnect.
type DisconnectPayload struct {
	Reason string `json:"reason,omitempty"`
}

// NewMessage builds a message, marshaling payload. A nil target broadcasts.
func NewMessage(typ MessageType, sender PeerID, target *PeerID, payload any) (SignalingMessage, error) {
	msg := SignalingMessage{Type: typ, SenderID: sender, TargetID: target}
	if payload == nil {
		msg.Payload = json.RawMessage("null")
		return msg, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return msg, fmt.Errorf("marshal %s payload: %w", typ, err)
	}
	msg.Payload = data
	return msg, nil
}

// To returns a pointer suitable for TargetID.
func To(id PeerID) *PeerID {
	return &id
}

// IsBroadcast reports whether the message has no target.
func (m SignalingMessage) IsBroadcast() bool {
	return m.TargetID == nil || *m.TargetID == ""
}

// Target returns the target id, or "" for broadcast.
func (m SignalingMessage) Target() PeerID {
	if m.TargetID == nil {
		return ""
	}
	return *m.TargetID
}

// Encode serializes the message as compact JSON without a trailing newline.
func (m SignalingMessage) Encode() ([]byte, error) {
	if len(m.Payload) == 0 {
		m.Payload = json.RawMessage("null")
	}
	return json.Marshal(m)
}

// Decode parses one framed message and checks that its payload fits its type.
// It returns ErrUnknownType for unrecognized types and an apperr.ProtocolError
// for anything else that is malformed.
func Decode(data []byte) (SignalingMessage, error) {
	var msg SignalingMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, apperr.New(apperr.ProtocolError, "decode", err)
	}
	if !msg.Type.Known() {
		return msg, fmt.Errorf("%w: %q", ErrUnknownType, msg.Type)
	}
	if msg.SenderID == "" {
		return msg, apperr.Newf(apperr.ProtocolError, "decode", "%s without senderId", msg.Type)
	}
	if err := msg.validatePayload(); err != nil {
		return msg, apperr.New(apperr.ProtocolError, "decode", err)
	}
	return msg, nil
}

func (m SignalingMessage) validatePayload() error {
	switch m.Type {
	case TypeOffer, TypeAnswer:
		p, err := m.SessionDescription()
		if err != nil {
			return err
		}
		if p.SDP == "" {
			return fmt.Errorf("%s without sdp", m.Type)
		}
	case TypeICECandidate:
		if _, err := m.Candidate(); err != nil {
			return err
		}
	case TypeJoinResponse:
		if _, err := m.JoinResponse(); err != nil {
			return err
		}
	case TypeJoinRequest:
		if _, err := m.JoinRequest(); err != nil {
			return err
		}
	}
	return nil
}

func (m SignalingMessage) hasPayload() bool {
	p := bytes.TrimSpace(m.Payload)
	return len(p) > 0 && !bytes.Equal(p, []byte("null"))
}

func decodePayload[T any](m SignalingMessage) (T, error) {
	var v T
	if !m.hasPayload() {
		return v, fmt.Errorf("%s without payload", m.Type)
	}
	if err := json.Unmarshal(m.Payload, &v); err != nil {
		return v, fmt.Errorf("%s payload: %w", m.Type, err)
	}
	return v, nil
}

// SessionDescription decodes an offer or answer payload.
func (m SignalingMessage) SessionDescription() (SessionDescriptionPayload, error) {
	return decodePayload[SessionDescriptionPayload](m)
}

// Candidate decodes an ice-candidate payload.
func (m SignalingMessage) Candidate() (CandidatePayload, error) {
	return decodePayload[CandidatePayload](m)
}

// JoinResponse decodes a join-response payload.
func (m SignalingMessage) JoinResponse() (JoinResponsePayload, error) {
	return decodePayload[JoinResponsePayload](m)
}

// JoinRequest decodes a join-request payload. An empty payload is valid.
func (m SignalingMessage) JoinRequest() (JoinRequestPayload, error) {
	if !m.hasPayload() {
		return JoinRequestPayload{}, nil
	}
	return decodePayload[JoinRequestPayload](m)
}

// Disconnect decodes a disconnect payload. An empty payload is valid.
func (m SignalingMessage) Disconnect() DisconnectPayload {
	p, _ := decodePayload[DisconnectPayload](m)
	return p
}
