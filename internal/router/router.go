// Package router implements the Message Router & ACL (spec §4.F): the
// single chokepoint through which every inbound and outbound message
// passes, deciding admission and constructing the Message records handed
// to the mailbox. Grounded directly on the teacher's (now-adapted-away)
// inbound-policy Decision{Action,Reason} shape.
package router

import (
	"errors"
	"time"

	"clawgate/internal/model"
)

// Action is what the router decided to do with an inbound message.
type Action string

const (
	ActionAccept Action = "accept"
	ActionReject Action = "reject"
)

// Reason explains why an Action was chosen.
type Reason string

const (
	ReasonAllowed        Reason = "allowed"
	ReasonNotOnAllowList Reason = "not_on_allow_list"
	ReasonDuplicate      Reason = "duplicate_id"
	ReasonUnauthSession  Reason = "session_not_authenticated"
)

// Decision is the result of evaluating an inbound message against ACL and
// dedup rules.
type Decision struct {
	Action Action
	Reason Reason
}

var ErrRejected = errors.New("router: message rejected")

// SeenTracker reports and records message ids already delivered to an
// identity's inbox, so a duplicate frame on a reconnect (or a duplicate
// gossip-driven delivery) is not appended twice (spec §8 "no duplicate ids
// within inbox/outbox").
type SeenTracker interface {
	Seen(identityPrincipal, messageID string) bool
	Remember(identityPrincipal, messageID string)
}

// Router evaluates ACL rules and constructs Message records for both
// directions of traffic.
type Router struct {
	seen SeenTracker
}

// New builds a Router backed by the given dedup tracker (typically the
// mailbox, which already keeps an id index of its inbox).
func New(seen SeenTracker) *Router {
	return &Router{seen: seen}
}

// allowListPermits reports whether sender may reach localIdentity, applying
// spec §4.F's exact rule: an empty AllowedRemotePeers list together with
// AllowLocal=true means "allow everyone"; a non-empty list is an exact-match
// allow-list; AllowLocal=false rejects every remote sender outright.
func allowListPermits(cfg model.IdentityConfig, sender string) bool {
	if !cfg.AllowLocal {
		return false
	}
	if len(cfg.AllowedRemotePeers) == 0 {
		return true
	}
	for _, p := range cfg.AllowedRemotePeers {
		if p == "*" || p == sender {
			return true
		}
	}
	return false
}

// EvaluateInbound decides whether a message arriving over an authenticated
// session should be accepted into localIdentity's inbox. sessionAuthenticated
// must be true: the router never admits a message whose provenance is not
// an authenticated SNaP2P session for the claimed sender (spec §8's
// provenance invariant).
func (r *Router) EvaluateInbound(cfg model.IdentityConfig, sender, messageID string, sessionAuthenticated bool) Decision {
	if !sessionAuthenticated {
		return Decision{Action: ActionReject, Reason: ReasonUnauthSession}
	}
	if !allowListPermits(cfg, sender) {
		return Decision{Action: ActionReject, Reason: ReasonNotOnAllowList}
	}
	if r.seen != nil && r.seen.Seen(cfg.Principal, messageID) {
		return Decision{Action: ActionReject, Reason: ReasonDuplicate}
	}
	return Decision{Action: ActionAccept, Reason: ReasonAllowed}
}

// AdmitInbound evaluates the message and, if accepted, builds the Message
// record to hand to the mailbox and records the id as seen.
func (r *Router) AdmitInbound(cfg model.IdentityConfig, sender, senderNick, messageID string, content []byte, sessionAuthenticated bool) (model.Message, Decision) {
	decision := r.EvaluateInbound(cfg, sender, messageID, sessionAuthenticated)
	if decision.Action != ActionAccept {
		return model.Message{}, decision
	}
	if r.seen != nil {
		r.seen.Remember(cfg.Principal, messageID)
	}
	return model.Message{
		ID:        messageID,
		From:      sender,
		FromNick:  senderNick,
		To:        cfg.Principal,
		Content:   content,
		Timestamp: time.Now().UTC().UnixMilli(),
		Status:    model.StatusDelivered,
	}, decision
}

// BuildOutbound constructs a fresh pending Message for a send() call
// originating from localPrincipal (spec §4.F outbound path): a new id,
// status pending, timestamp now. The id generator is injected so the
// gateway composition root controls id format (spec §3: 128-bit hex).
func (r *Router) BuildOutbound(newID func() string, localPrincipal, localNick, to string, content []byte) model.Message {
	return model.Message{
		ID:        newID(),
		From:      localPrincipal,
		FromNick:  localNick,
		To:        to,
		Content:   content,
		Timestamp: time.Now().UTC().UnixMilli(),
		Status:    model.StatusPending,
	}
}
