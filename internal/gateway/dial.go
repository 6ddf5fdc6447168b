package gateway

import (
	"context"
	"sort"
	"time"

	"clawgate/internal/identity"
	"clawgate/internal/mailbox"
	"clawgate/internal/metrics"
	"clawgate/internal/router"
	"clawgate/internal/session"
	"clawgate/internal/transport"
)

// ExistingSession implements mailbox.Dialer: the most-recently-used live
// session to principal under owner's runtime, if any (spec §4.G tie-break
// rule 1).
func (g *Gateway) ExistingSession(owner, principal string) (mailbox.OutboundSession, bool) {
	rt, ok := g.runtime(owner)
	if !ok {
		return nil, false
	}
	rt.sessionsMu.Lock()
	defer rt.sessionsMu.Unlock()
	sess, ok := rt.sessions[principal]
	if !ok || !sess.IsAuthenticated() {
		return nil, false
	}
	return sessionAdapter{sess}, true
}

// CandidateAddresses implements mailbox.Dialer: the addresses this
// identity's peer book holds for principal (exchange.Resolve reads the same
// peer book; no px_request is sent to other sessions), deduplicated, with
// the most recently successful address first and the remainder
// lexicographic (spec §4.G tie-break rules 2-3).
func (g *Gateway) CandidateAddresses(owner, principal string) []string {
	rt, ok := g.runtime(owner)
	if !ok {
		return nil
	}
	rec, ok := rt.book.Get(principal)
	addrs := []string{}
	if ok {
		addrs = append(addrs, rec.Addresses...)
	}
	if resolved := rt.exchange.Resolve(principal); resolved != nil {
		addrs = append(addrs, resolved.Addresses...)
	}
	set := map[string]struct{}{}
	dedup := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if _, seen := set[a]; !seen && a != "" {
			set[a] = struct{}{}
			dedup = append(dedup, a)
		}
	}
	sort.Strings(dedup)

	last, ok := rt.lastSuccessAddr(principal)
	if !ok {
		return dedup
	}
	out := make([]string, 0, len(dedup))
	out = append(out, last)
	for _, a := range dedup {
		if a != last {
			out = append(out, a)
		}
	}
	return out
}

// DialAndHandshake implements mailbox.Dialer: connects to addr under
// owner's transport node, runs SNaP2P, and registers the resulting session
// if the remote's attested principal matches expectPrincipal.
func (g *Gateway) DialAndHandshake(ctx context.Context, owner, addr, expectPrincipal string) (mailbox.OutboundSession, error) {
	rt, ok := g.runtime(owner)
	if !ok {
		return nil, transport.ErrClosed
	}
	stream, err := rt.node.Dial(ctx, addr)
	if err != nil {
		return nil, err
	}
	outbound, err := identity.CreateAttestation(rt.identity, rt.identity.BoxPublicKey, 0)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	sess, err := session.Dial(ctx, stream, outbound)
	if err != nil {
		_ = stream.Close()
		return nil, err
	}
	if sess.RemotePrincipal != expectPrincipal {
		_ = sess.Close()
		return nil, session.ErrAttestationInvalid
	}

	g.registerSession(rt, sess, addr)
	go g.readLoop(owner, rt, sess)
	_ = rt.exchange.PushPeers(sessionAdapter{sess})
	return sessionAdapter{sess}, nil
}

func (g *Gateway) runtime(principal string) (*identityRuntime, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	rt, ok := g.runtimes[principal]
	return rt, ok
}

func (g *Gateway) registerSession(rt *identityRuntime, sess *session.Session, addr string) {
	rt.sessionsMu.Lock()
	old := rt.sessions[sess.RemotePrincipal]
	rt.sessions[sess.RemotePrincipal] = sess
	rt.sessionsMu.Unlock()
	if old != nil && old != sess {
		_ = old.Close()
	}
	if addr != "" {
		rt.setLastSuccessAddr(sess.RemotePrincipal, addr)
	}
	_ = rt.book.MarkVerified(sess.RemotePrincipal, sess.RemoteNodeKey[:], addrSlice(addr))
	g.hub.Publish("p2p:connected", map[string]string{"principal": rt.identity.Principal, "remote": sess.RemotePrincipal})

	direction := "inbound"
	if addr != "" {
		direction = "outbound"
	}
	metrics.SessionsOpened.WithLabelValues(direction).Inc()
}

func addrSlice(addr string) []string {
	if addr == "" {
		return nil
	}
	return []string{addr}
}

// acceptIncoming is the transport.Node accept handler: it runs the
// responder side of SNaP2P and, on success, registers the session and
// starts its receive loop.
func (g *Gateway) acceptIncoming(ctx context.Context, rt *identityRuntime, stream *transport.Stream) {
	hsCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	outbound, err := identity.CreateAttestation(rt.identity, rt.identity.BoxPublicKey, 0)
	if err != nil {
		_ = stream.Close()
		return
	}
	sess, err := session.Accept(hsCtx, stream, outbound)
	if err != nil {
		_ = stream.Close()
		return
	}
	g.registerSession(rt, sess, "")
	go g.readLoop(rt.identity.Principal, rt, sess)
	_ = rt.exchange.PushPeers(sessionAdapter{sess})
}

// readLoop pumps frames off an authenticated session until it closes,
// dispatching chat frames through the router into the mailbox and PX-1
// frames into the peer exchange (spec §4.C/§4.D/§4.F).
func (g *Gateway) readLoop(owner string, rt *identityRuntime, sess *session.Session) {
	defer func() {
		rt.sessionsMu.Lock()
		if rt.sessions[sess.RemotePrincipal] == sess {
			delete(rt.sessions, sess.RemotePrincipal)
		}
		rt.sessionsMu.Unlock()
		g.hub.Publish("p2p:disconnected", map[string]string{"principal": owner, "remote": sess.RemotePrincipal})
		metrics.SessionsClosed.Inc()
	}()

	for {
		frameType, payload, err := sess.RecvFrame()
		if err != nil {
			return
		}
		switch frameType {
		case session.FrameChat:
			chat := payload.(session.ChatFrame)
			msg, decision := g.router.AdmitInbound(rt.cfg, sess.RemotePrincipal, chat.FromNick, chat.ID, []byte(chat.Content), sess.IsAuthenticated())
			if decision.Action != router.ActionAccept {
				metrics.MessagesRejected.WithLabelValues(string(decision.Reason)).Inc()
				if decision.Reason != router.ReasonDuplicate {
					g.logger.Warn("gateway: inbound message rejected", "principal", owner, "remote", sess.RemotePrincipal, "reason", decision.Reason)
					g.hub.Publish("error", map[string]string{"principal": owner, "remote": sess.RemotePrincipal, "reason": string(decision.Reason)})
				}
				continue
			}
			if err := rt.box.Deliver(msg); err != nil {
				continue
			}
			metrics.MessagesDelivered.Inc()
			g.hub.Publish("message", msg)
			rt.publishRecv(msg)
			g.fireWakeHook(rt, msg)
		case session.FramePxPush:
			push := payload.(session.PxPushFrame)
			_ = rt.exchange.OnPush(sess.RemotePrincipal, push)
		case session.FramePxRequest:
			req := payload.(session.PxRequestFrame)
			rec := rt.exchange.Resolve(req.Principal)
			_ = sess.SendPxResponse(session.PxResponseFrame{Record: rec})
		case session.FramePxResponse:
			resp := payload.(session.PxResponseFrame)
			_ = rt.exchange.OnResponse(sess.RemotePrincipal, resp)
		}
	}
}
