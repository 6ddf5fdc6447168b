package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"clawgate/internal/identity"
	"clawgate/internal/model"
	"clawgate/internal/session"
)

var ErrUnknownIdentity = errors.New("gateway: unknown identity")

// Send implements ipc.Backend: builds a pending outbound message through the
// router and enqueues it for the mailbox retry engine to deliver.
func (g *Gateway) Send(principal, to string, content []byte) (model.Message, error) {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return model.Message{}, err
	}
	msg := g.router.BuildOutbound(newMessageID, rt.identity.Principal, rt.identity.Nick, to, content)
	if err := rt.box.Enqueue(msg); err != nil {
		return model.Message{}, err
	}
	if g.engine != nil {
		go g.engine.Kick(context.Background(), rt.identity.Principal)
	}
	return msg, nil
}

// Recv implements ipc.Backend: returns every inbox message newer than since;
// if none are on hand yet, it blocks until the first new delivery or the
// timeout, whichever comes first, and returns that one message or nothing
// (spec §4.I "recv", scenario 6's "since = last.timestamp" paging).
func (g *Gateway) Recv(ctx context.Context, principal string, since int64, timeout time.Duration) ([]model.Message, error) {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return nil, err
	}

	if existing := newerThan(rt.box.Inbox(), since); len(existing) > 0 {
		return existing, nil
	}

	id, ch := rt.subscribeRecv()
	defer rt.unsubscribeRecv(id)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case msg := <-ch:
		if msg.Timestamp <= since {
			return nil, nil
		}
		return []model.Message{msg}, nil
	case <-timer.C:
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func newerThan(msgs []model.Message, since int64) []model.Message {
	out := make([]model.Message, 0, len(msgs))
	for _, m := range msgs {
		if m.Timestamp > since {
			out = append(out, m)
		}
	}
	return out
}

func (g *Gateway) Inbox(principal string) ([]model.Message, error) {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return nil, err
	}
	return rt.box.Inbox(), nil
}

func (g *Gateway) Outbox(principal string) ([]model.Message, error) {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return nil, err
	}
	return rt.box.Outbox(), nil
}

// Peers implements ipc.Backend: the peer book with a live "connected" flag
// per entry, set for any peer this identity currently has an authenticated
// session with (spec §4.I "peers").
func (g *Gateway) Peers(principal string) ([]model.PeerStatus, error) {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return nil, err
	}
	list := rt.book.List()

	rt.sessionsMu.Lock()
	connected := make(map[string]bool, len(rt.sessions))
	for p, sess := range rt.sessions {
		connected[p] = sess.IsAuthenticated()
	}
	rt.sessionsMu.Unlock()

	out := make([]model.PeerStatus, 0, len(list))
	for _, rec := range list {
		out = append(out, model.PeerStatus{PeerRecord: rec, Connected: connected[rec.Principal]})
	}
	return out, nil
}

func (g *Gateway) PeerAdd(principal, peer, address, alias string) error {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return err
	}
	return rt.book.Add(peer, address, alias)
}

func (g *Gateway) PeerRemove(principal, peer string) error {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return err
	}
	return rt.book.Remove(peer)
}

func (g *Gateway) PeerResolve(principal, peer string) (*model.PeerRecord, error) {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return nil, err
	}
	if rec, ok := rt.book.Get(peer); ok {
		return &rec, nil
	}
	return nil, nil
}

// Status implements ipc.Backend, summarizing one loaded identity's runtime
// state (spec §4.I "status").
func (g *Gateway) Status(principal string) (model.StatusSnapshot, error) {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return model.StatusSnapshot{}, err
	}
	rt.sessionsMu.Lock()
	connected := make([]string, 0, len(rt.sessions))
	for p := range rt.sessions {
		connected = append(connected, p)
	}
	rt.sessionsMu.Unlock()

	return model.StatusSnapshot{
		Principal:        rt.identity.Principal,
		PeerID:           fmt.Sprintf("%x", rt.identity.BoxPublicKey),
		P2PPort:          rt.port,
		Multiaddrs:       rt.node.ListenAddresses(),
		ConnectedPeers:   connected,
		InboxCount:       len(rt.box.Inbox()),
		OutboxCount:      len(rt.box.Outbox()),
		LoadedIdentities: g.loadedPrincipals(),
	}, nil
}

// Multiaddrs implements ipc.Backend, aggregating every loaded identity's
// listen addresses.
func (g *Gateway) Multiaddrs() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	var out []string
	for _, rt := range g.runtimes {
		out = append(out, rt.node.ListenAddresses()...)
	}
	return out
}

// Connect implements ipc.Backend: an operator-initiated dial, outside the
// retry engine's own candidate selection (spec §4.I "connect").
func (g *Gateway) Connect(ctx context.Context, principal, address string) error {
	rt, err := g.resolveRuntime(principal)
	if err != nil {
		return err
	}
	stream, err := rt.node.Dial(ctx, address)
	if err != nil {
		return err
	}
	outbound, err := identity.CreateAttestation(rt.identity, rt.identity.BoxPublicKey, 0)
	if err != nil {
		_ = stream.Close()
		return err
	}
	sess, err := session.Dial(ctx, stream, outbound)
	if err != nil {
		_ = stream.Close()
		return err
	}
	g.registerSession(rt, sess, address)
	go g.readLoop(rt.identity.Principal, rt, sess)
	_ = rt.exchange.PushPeers(sessionAdapter{sess})
	return nil
}

// Stop implements ipc.Backend: triggers the same shutdown path as a
// cancelled Run context.
func (g *Gateway) Stop() error {
	if g.cancel != nil {
		g.cancel()
	}
	return nil
}

func (g *Gateway) resolveRuntime(principalOrNick string) (*identityRuntime, error) {
	principal := principalOrNick
	if principalOrNick == "" {
		p, err := g.mgr.Default()
		if err != nil {
			return nil, err
		}
		principal = p
	} else if p, err := g.mgr.Resolve(principalOrNick); err == nil {
		principal = p
	}
	g.mu.RLock()
	rt, ok := g.runtimes[principal]
	g.mu.RUnlock()
	if !ok {
		return nil, ErrUnknownIdentity
	}
	return rt, nil
}

func (g *Gateway) loadedPrincipals() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]string, 0, len(g.runtimes))
	for p := range g.runtimes {
		out = append(out, p)
	}
	return out
}
