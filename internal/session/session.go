// Package session implements SNaP2P: mutual attestation over a transport
// stream, followed by framed application messages. Grounded on the
// session-phase bookkeeping idiom of the teacher's (now-adapted-away)
// internal/crypto/session.go, narrowed from per-message ratchet state to
// SNaP2P's coarser handshake phases and a per-direction sequence counter.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"clawgate/internal/identity"
	"clawgate/internal/model"
	"clawgate/internal/transport"
)

// Phase is the session's position in the SNaP2P state machine.
type Phase string

const (
	PhaseHandshakingSend Phase = "handshaking_send"
	PhaseHandshakingRecv Phase = "handshaking_recv"
	PhaseAuthenticated   Phase = "authenticated"
	PhaseClosed          Phase = "closed"
)

// FrameType names the application frames SNaP2P carries after handshake.
type FrameType string

const (
	FrameChat       FrameType = "chat"
	FramePxPush     FrameType = "px_push"
	FramePxRequest  FrameType = "px_request"
	FramePxResponse FrameType = "px_response"
)

const (
	maxControlFrame = 64 * 1024
	maxChatFrame    = 256 * 1024
)

var (
	ErrClosed            = errors.New("session: closed")
	ErrAttestationInvalid = errors.New("session: peer attestation invalid")
	ErrNodeKeyMismatch    = errors.New("session: attestation node key does not match transport")
	ErrOversizeFrame      = errors.New("session: frame exceeds size limit")
)

// ChatFrame is the wire shape of a chat message.
type ChatFrame struct {
	ID        string `json:"id"`
	Content   string `json:"content"`
	Timestamp int64  `json:"timestamp"`
	FromNick  string `json:"fromNick,omitempty"`
}

// PxPeerRecord is one gossiped peer record, the wire shape of model.PeerRecord.
type PxPeerRecord struct {
	Principal     string   `json:"principal"`
	NodePublicKey string   `json:"nodePublicKey,omitempty"`
	Addresses     []string `json:"addresses"`
	LastSeen      int64    `json:"lastSeen"`
}

// PxPushFrame carries a batch of peer records.
type PxPushFrame struct {
	Records []PxPeerRecord `json:"records"`
}

// PxRequestFrame asks the peer to resolve a principal.
type PxRequestFrame struct {
	Principal string `json:"principal"`
}

// PxResponseFrame answers a PxRequestFrame; Record is nil if unknown.
type PxResponseFrame struct {
	Record *PxPeerRecord `json:"record,omitempty"`
}

type envelope struct {
	Type    FrameType       `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Session is a live pairing of a local identity and a remote principal over
// one transport stream.
type Session struct {
	mu sync.Mutex

	LocalPrincipal  string
	RemotePrincipal string
	RemoteNodeKey   [32]byte
	Phase           Phase
	SendSeq         uint64
	CreatedAt       time.Time
	LastUsed        time.Time

	stream *transport.Stream
}

// Dial performs the initiator side of SNaP2P over an already-connected
// transport stream, and Accept the responder side; the handshake is
// symmetric (spec §4.C steps 1-2 run identically on both ends), so both
// call Handshake with an attestation binding the caller's own node key.
func Dial(ctx context.Context, stream *transport.Stream, outbound *model.Attestation) (*Session, error) {
	return Handshake(ctx, stream, outbound)
}

func Accept(ctx context.Context, stream *transport.Stream, outbound *model.Attestation) (*Session, error) {
	return Handshake(ctx, stream, outbound)
}

// Handshake sends outbound (an attestation binding the local identity to
// the local transport Node's own public key) and verifies the peer's
// attestation in return.
func Handshake(ctx context.Context, stream *transport.Stream, outbound *model.Attestation) (*Session, error) {
	s := &Session{
		LocalPrincipal: outbound.Principal,
		Phase:          PhaseHandshakingSend,
		CreatedAt:      time.Now().UTC(),
		stream:         stream,
	}
	if err := s.sendAttestation(outbound); err != nil {
		return nil, err
	}
	s.Phase = PhaseHandshakingRecv
	theirAttestation, err := s.recvAttestation()
	if err != nil {
		return nil, err
	}
	if !identity.VerifyAttestation(theirAttestation) {
		s.Phase = PhaseClosed
		return nil, ErrAttestationInvalid
	}
	var theirNodeKey [32]byte
	copy(theirNodeKey[:], theirAttestation.NodePublicKey)
	if theirNodeKey != stream.RemoteNodeKey {
		s.Phase = PhaseClosed
		return nil, ErrNodeKeyMismatch
	}
	s.RemotePrincipal = theirAttestation.Principal
	s.RemoteNodeKey = theirNodeKey
	s.Phase = PhaseAuthenticated
	s.LastUsed = time.Now().UTC()
	return s, nil
}

func (s *Session) sendAttestation(att *model.Attestation) error {
	payload, err := json.Marshal(att)
	if err != nil {
		return err
	}
	return writeFrame(s.stream, payload, maxControlFrame)
}

func (s *Session) recvAttestation() (*model.Attestation, error) {
	payload, err := readFrame(s.stream, maxControlFrame)
	if err != nil {
		return nil, err
	}
	var att model.Attestation
	if err := json.Unmarshal(payload, &att); err != nil {
		return nil, err
	}
	return &att, nil
}

// SendChat writes a chat frame, enforcing the 256KiB chat-frame ceiling.
func (s *Session) SendChat(frame ChatFrame) error {
	return s.sendFrame(FrameChat, frame, maxChatFrame)
}

// SendPxPush writes a px_push frame.
func (s *Session) SendPxPush(frame PxPushFrame) error {
	return s.sendFrame(FramePxPush, frame, maxControlFrame)
}

// SendPxRequest writes a px_request frame.
func (s *Session) SendPxRequest(frame PxRequestFrame) error {
	return s.sendFrame(FramePxRequest, frame, maxControlFrame)
}

// SendPxResponse writes a px_response frame.
func (s *Session) SendPxResponse(frame PxResponseFrame) error {
	return s.sendFrame(FramePxResponse, frame, maxControlFrame)
}

func (s *Session) sendFrame(frameType FrameType, payload any, limit int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.Phase == PhaseClosed {
		return ErrClosed
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	env, err := json.Marshal(envelope{Type: frameType, Payload: body})
	if err != nil {
		return err
	}
	if len(env) > limit {
		return ErrOversizeFrame
	}
	s.SendSeq++
	s.LastUsed = time.Now().UTC()
	return writeFrame(s.stream, env, limit)
}

// RecvFrame blocks for the next application frame and returns its type and
// decoded payload (one of ChatFrame, PxPushFrame, PxRequestFrame,
// PxResponseFrame).
func (s *Session) RecvFrame() (FrameType, any, error) {
	raw, err := readFrame(s.stream, maxChatFrame)
	if err != nil {
		return "", nil, err
	}
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return "", nil, err
	}
	limit := maxControlFrame
	if env.Type == FrameChat {
		limit = maxChatFrame
	}
	if len(raw) > limit {
		return "", nil, ErrOversizeFrame
	}

	switch env.Type {
	case FrameChat:
		var f ChatFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return "", nil, err
		}
		s.touch()
		return FrameChat, f, nil
	case FramePxPush:
		var f PxPushFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return "", nil, err
		}
		s.touch()
		return FramePxPush, f, nil
	case FramePxRequest:
		var f PxRequestFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return "", nil, err
		}
		s.touch()
		return FramePxRequest, f, nil
	case FramePxResponse:
		var f PxResponseFrame
		if err := json.Unmarshal(env.Payload, &f); err != nil {
			return "", nil, err
		}
		s.touch()
		return FramePxResponse, f, nil
	default:
		return "", nil, errors.New("session: unknown frame type " + string(env.Type))
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.LastUsed = time.Now().UTC()
	s.mu.Unlock()
}

// Close transitions the session to closed and closes the underlying stream.
func (s *Session) Close() error {
	s.mu.Lock()
	s.Phase = PhaseClosed
	s.mu.Unlock()
	return s.stream.Close()
}

func (s *Session) IsAuthenticated() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Phase == PhaseAuthenticated
}
