package gateway

import (
	"clawgate/internal/session"
)

// sessionAdapter narrows *session.Session to the small interfaces the
// mailbox retry engine (mailbox.OutboundSession) and PX-1 exchange
// (pex.SessionSender) need, so neither package imports session directly.
type sessionAdapter struct {
	s *session.Session
}

func (a sessionAdapter) RemotePrincipal() string { return a.s.RemotePrincipal }

func (a sessionAdapter) SendChat(id, content, fromNick string, timestampMillis int64) error {
	return a.s.SendChat(session.ChatFrame{ID: id, Content: content, FromNick: fromNick, Timestamp: timestampMillis})
}

func (a sessionAdapter) SendPxPush(frame session.PxPushFrame) error {
	return a.s.SendPxPush(frame)
}

func (a sessionAdapter) SendPxRequest(frame session.PxRequestFrame) error {
	return a.s.SendPxRequest(frame)
}

func (a sessionAdapter) SendPxResponse(frame session.PxResponseFrame) error {
	return a.s.SendPxResponse(frame)
}
