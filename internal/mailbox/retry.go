package mailbox

import (
	"context"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"

	"clawgate/internal/metrics"
	"clawgate/internal/model"
)

// RetryInterval is the delivery engine's tick period (spec §4.G).
const RetryInterval = 5 * time.Second

// OutboundSession is the narrow surface the retry engine needs from a live
// SNaP2P session; the gateway composition root adapts *session.Session to
// this interface so mailbox never imports the session/transport packages.
type OutboundSession interface {
	RemotePrincipal() string
	SendChat(id, content, fromNick string, timestampMillis int64) error
}

// Dialer resolves and connects to a principal on the retry engine's behalf.
// owner is the local identity the outbound message belongs to, since
// sessions and transport nodes are scoped per local identity.
// CandidateAddresses must already be tie-break ordered: most-recently
// successful address first, then lexicographic (spec §4.G).
type Dialer interface {
	ExistingSession(owner, principal string) (OutboundSession, bool)
	CandidateAddresses(owner, principal string) []string
	DialAndHandshake(ctx context.Context, owner, addr, expectPrincipal string) (OutboundSession, error)
}

// Engine drives the 5-second retry tick across every loaded Mailbox.
type Engine struct {
	dialer  Dialer
	mailbox map[string]*Mailbox // by owning principal
	onSent  func(principal string, msg model.Message)

	stop chan struct{}
	done chan struct{}
}

// NewEngine builds a retry engine. onSent, if non-nil, is invoked after each
// message transitions to sent (e.g. to publish an event).
func NewEngine(dialer Dialer, onSent func(principal string, msg model.Message)) *Engine {
	return &Engine{
		dialer:  dialer,
		mailbox: make(map[string]*Mailbox),
		onSent:  onSent,
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
}

// Register adds an identity's mailbox to the retry engine's sweep set.
func (e *Engine) Register(principal string, m *Mailbox) {
	e.mailbox[principal] = m
}

// Run ticks every RetryInterval until ctx is done or Stop is called.
func (e *Engine) Run(ctx context.Context) {
	defer close(e.done)
	ticker := time.NewTicker(RetryInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-e.stop:
			return
		case <-ticker.C:
			e.sweep(ctx)
		}
	}
}

// Stop signals Run to return and blocks until it has.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) sweep(ctx context.Context) {
	for principal, mb := range e.mailbox {
		for _, rec := range mb.duePending(time.Now().UTC()) {
			e.attempt(ctx, principal, mb, rec)
		}
	}
}

// attempt implements spec §4.G's four-step retry algorithm:
//  1. try an existing authenticated session to the recipient;
//  2. else collect candidate addresses (as supplied by the Dialer, already
//     merged and tie-break ordered);
//  3. dial and handshake each candidate in order;
//  4. on a successful handshake whose remote principal matches, retry step 1
//     against the freshly established session.
func (e *Engine) attempt(ctx context.Context, owner string, mb *Mailbox, rec outboxRecord) {
	msg := rec.Message

	if sess, ok := e.dialer.ExistingSession(owner, msg.To); ok {
		if e.send(mb, owner, msg, sess, "") {
			return
		}
	}

	for _, addr := range e.dialer.CandidateAddresses(owner, msg.To) {
		dialCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		sess, err := e.dialer.DialAndHandshake(dialCtx, owner, addr, msg.To)
		cancel()
		if err != nil {
			continue
		}
		if e.send(mb, owner, msg, sess, addr) {
			return
		}
	}

	e.recordFailure(mb, rec, "no reachable session or address")
}

func (e *Engine) send(mb *Mailbox, owner string, msg model.Message, sess OutboundSession, addr string) bool {
	if sess.RemotePrincipal() != msg.To {
		return false
	}
	if err := sess.SendChat(msg.ID, string(msg.Content), msg.FromNick, msg.Timestamp); err != nil {
		return false
	}
	msg.Status = model.StatusSent
	_ = mb.updateOutboxLocked(func(next map[string]outboxRecord) {
		r := next[msg.ID]
		r.Message = msg
		r.Meta.LastAddr = addr
		r.Meta.LastError = ""
		next[msg.ID] = r
	})
	metrics.MessagesSent.Inc()
	if e.onSent != nil {
		e.onSent(owner, msg)
	}
	return true
}

var maxBackoff = 30 * time.Second

func (e *Engine) recordFailure(mb *Mailbox, rec outboxRecord, reason string) {
	metrics.DeliveryRetries.Inc()
	slog.Default().Warn("mailbox: delivery attempt failed", "id", rec.Message.ID, "to", rec.Message.To, "error", reason)
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.MaxInterval = maxBackoff
	bo.Multiplier = 2

	var next time.Duration
	for i := 0; i <= rec.Meta.RetryCount; i++ {
		next = bo.NextBackOff()
	}
	if next <= 0 || next == backoff.Stop {
		next = maxBackoff
	}

	_ = mb.updateOutboxLocked(func(outbox map[string]outboxRecord) {
		r := outbox[rec.Message.ID]
		r.Meta.RetryCount++
		r.Meta.NextRetry = time.Now().UTC().Add(next)
		r.Meta.LastError = reason
		outbox[rec.Message.ID] = r
	})
}

// Kick attempts immediate delivery of owner's due-pending messages right
// away, rather than waiting for the next RetryInterval tick (spec §4.F:
// send "appends to fromIdentity's outbox, persists, then attempts immediate
// delivery via the Delivery Engine"). A failed attempt here folds into the
// same backoff bookkeeping a tick-driven attempt would use, so it is safe to
// call on every send.
func (e *Engine) Kick(ctx context.Context, owner string) {
	mb, ok := e.mailbox[owner]
	if !ok {
		return
	}
	for _, rec := range mb.duePending(time.Now().UTC()) {
		e.attempt(ctx, owner, mb, rec)
	}
}
