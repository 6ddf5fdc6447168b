// Package pex implements PX-1, the peer exchange protocol (spec §4.D):
// pushing known peers to newly authenticated sessions, periodic broadcast,
// and on-demand resolve. Grounded on the teacher's (now-adapted-away)
// group message fanout service's recipient-filtering and dedup-by-id shape,
// applied here to peer records instead of group members.
package pex

import (
	"context"
	"sort"
	"time"

	"clawgate/internal/metrics"
	"clawgate/internal/model"
	"clawgate/internal/peerbook"
	"clawgate/internal/session"
)

// MaxRecordsPerPush bounds how many peer records one px_push frame may
// carry (spec §4.D).
const MaxRecordsPerPush = 64

// BroadcastInterval is how often an authenticated session receives an
// unsolicited px_push, independent of the push-on-new-session trigger.
const BroadcastInterval = 60 * time.Second

// SessionSender is the narrow surface PX-1 needs from a live session.
type SessionSender interface {
	RemotePrincipal() string
	SendPxPush(frame session.PxPushFrame) error
	SendPxRequest(frame session.PxRequestFrame) error
	SendPxResponse(frame session.PxResponseFrame) error
}

// Exchange drives PX-1 for one local identity's peer book.
type Exchange struct {
	book      *peerbook.Book
	selfPrincipal string
}

// New builds a PX-1 exchange bound to book.
func New(book *peerbook.Book, selfPrincipal string) *Exchange {
	return &Exchange{book: book, selfPrincipal: selfPrincipal}
}

// toWireRecords converts up to MaxRecordsPerPush peer book entries visible
// to the recipient into PX-1 wire records, excluding the recipient's own
// principal, anything not yet verified by this identity's own session
// handshakes, and any record tagged private.
func (e *Exchange) toWireRecords(excludePrincipal string) []session.PxPeerRecord {
	all := e.book.List()
	sort.Slice(all, func(i, j int) bool { return all[i].LastSeen.After(all[j].LastSeen) })

	out := make([]session.PxPeerRecord, 0, MaxRecordsPerPush)
	for _, rec := range all {
		if len(out) >= MaxRecordsPerPush {
			break
		}
		if rec.Principal == excludePrincipal || rec.Principal == e.selfPrincipal {
			continue
		}
		if !rec.Verified {
			continue
		}
		if rec.Visibility == model.VisibilityPrivate {
			continue
		}
		out = append(out, session.PxPeerRecord{
			Principal:     rec.Principal,
			NodePublicKey: hexOrEmpty(rec.NodePublicKey),
			Addresses:     rec.Addresses,
			LastSeen:      rec.LastSeen.UnixMilli(),
		})
	}
	return out
}

// PushPeers sends the verified, non-private records of the local peer book
// (minus sess's own principal and this identity, capped at
// MaxRecordsPerPush) to sess. Called both on new-session authentication
// and on the periodic broadcast tick.
func (e *Exchange) PushPeers(sess SessionSender) error {
	records := e.toWireRecords(sess.RemotePrincipal())
	if err := sess.SendPxPush(session.PxPushFrame{Records: records}); err != nil {
		return err
	}
	metrics.PxPushesSent.Inc()
	return nil
}

// OnPush merges an incoming px_push frame into the local peer book.
// verified is always left false for gossip-learned records: only the
// daemon's own authenticated session with a principal ever sets verified
// (spec §4.D "verified=true only via the daemon's own authenticated
// session"). Idempotent and commutative per spec §8: merging the same push
// twice, or two pushes in either order, converges to the same address set.
func (e *Exchange) OnPush(fromPrincipal string, frame session.PxPushFrame) error {
	for _, rec := range frame.Records {
		if rec.Principal == "" || rec.Principal == e.selfPrincipal {
			continue
		}
		var nodeKey []byte
		if rec.NodePublicKey != "" {
			nodeKey = decodeHexOrNil(rec.NodePublicKey)
		}
		if err := e.book.Merge(rec.Principal, nodeKey, rec.Addresses, fromPrincipal); err != nil {
			return err
		}
		metrics.PxRecordsMerged.Inc()
	}
	return nil
}

// Resolve answers a px_request for principal from the local peer book,
// returning its record whether verified or gossip-learned, or nil if unknown.
func (e *Exchange) Resolve(principal string) *session.PxPeerRecord {
	rec, ok := e.book.Get(principal)
	if !ok {
		return nil
	}
	return &session.PxPeerRecord{
		Principal:     rec.Principal,
		NodePublicKey: hexOrEmpty(rec.NodePublicKey),
		Addresses:     rec.Addresses,
		LastSeen:      rec.LastSeen.UnixMilli(),
	}
}

// OnResponse merges a px_response's single record, if any, the same way a
// push record is merged.
func (e *Exchange) OnResponse(fromPrincipal string, frame session.PxResponseFrame) error {
	if frame.Record == nil {
		return nil
	}
	var nodeKey []byte
	if frame.Record.NodePublicKey != "" {
		nodeKey = decodeHexOrNil(frame.Record.NodePublicKey)
	}
	if err := e.book.Merge(frame.Record.Principal, nodeKey, frame.Record.Addresses, fromPrincipal); err != nil {
		return err
	}
	metrics.PxRecordsMerged.Inc()
	return nil
}

// RunBroadcast periodically pushes peers to every currently authenticated
// session returned by liveSessions, until ctx is cancelled.
func (e *Exchange) RunBroadcast(ctx context.Context, liveSessions func() []SessionSender) {
	ticker := time.NewTicker(BroadcastInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, sess := range liveSessions() {
				_ = e.PushPeers(sess)
			}
		}
	}
}
