package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"clawgate/internal/model"
)

type memSeen struct {
	m map[string]map[string]bool
}

func newMemSeen() *memSeen { return &memSeen{m: map[string]map[string]bool{}} }

func (s *memSeen) Seen(identity, id string) bool {
	return s.m[identity] != nil && s.m[identity][id]
}

func (s *memSeen) Remember(identity, id string) {
	if s.m[identity] == nil {
		s.m[identity] = map[string]bool{}
	}
	s.m[identity][id] = true
}

func cfgWithAllowList(peers []string) model.IdentityConfig {
	return model.IdentityConfig{Principal: "local:aa", AllowLocal: true, AllowedRemotePeers: peers}
}

func TestEvaluateInboundRejectsUnauthenticatedSession(t *testing.T) {
	r := New(newMemSeen())
	d := r.EvaluateInbound(cfgWithAllowList(nil), "local:bb", "m1", false)
	require.Equal(t, ActionReject, d.Action)
	require.Equal(t, ReasonUnauthSession, d.Reason)
}

func TestEvaluateInboundEmptyAllowListPermitsAnyoneWhenAllowLocal(t *testing.T) {
	r := New(newMemSeen())
	d := r.EvaluateInbound(cfgWithAllowList(nil), "local:bb", "m1", true)
	require.Equal(t, ActionAccept, d.Action)
}

func TestEvaluateInboundAllowLocalFalseRejectsEveryone(t *testing.T) {
	r := New(newMemSeen())
	cfg := cfgWithAllowList(nil)
	cfg.AllowLocal = false
	d := r.EvaluateInbound(cfg, "local:bb", "m1", true)
	require.Equal(t, ActionReject, d.Action)
	require.Equal(t, ReasonNotOnAllowList, d.Reason)
}

func TestEvaluateInboundNonEmptyAllowListRejectsUnlisted(t *testing.T) {
	r := New(newMemSeen())
	cfg := cfgWithAllowList([]string{"local:cc"})
	d := r.EvaluateInbound(cfg, "local:bb", "m1", true)
	require.Equal(t, ActionReject, d.Action)
	require.Equal(t, ReasonNotOnAllowList, d.Reason)

	d2 := r.EvaluateInbound(cfg, "local:cc", "m2", true)
	require.Equal(t, ActionAccept, d2.Action)
}

func TestEvaluateInboundWildcardAllowsAny(t *testing.T) {
	r := New(newMemSeen())
	cfg := cfgWithAllowList([]string{"*"})
	d := r.EvaluateInbound(cfg, "local:zz", "m1", true)
	require.Equal(t, ActionAccept, d.Action)
}

func TestAdmitInboundRejectsDuplicateID(t *testing.T) {
	r := New(newMemSeen())
	cfg := cfgWithAllowList(nil)
	_, d1 := r.AdmitInbound(cfg, "local:bb", "Bob", "m1", []byte("hi"), true)
	require.Equal(t, ActionAccept, d1.Action)

	_, d2 := r.AdmitInbound(cfg, "local:bb", "Bob", "m1", []byte("hi again"), true)
	require.Equal(t, ActionReject, d2.Action)
	require.Equal(t, ReasonDuplicate, d2.Reason)
}

func TestAdmitInboundBuildsDeliveredMessage(t *testing.T) {
	r := New(newMemSeen())
	cfg := cfgWithAllowList(nil)
	msg, d := r.AdmitInbound(cfg, "local:bb", "Bob", "m1", []byte("hi"), true)
	require.Equal(t, ActionAccept, d.Action)
	require.Equal(t, model.StatusDelivered, msg.Status)
	require.Equal(t, "local:bb", msg.From)
	require.Equal(t, cfg.Principal, msg.To)
}

func TestBuildOutboundSetsPendingStatus(t *testing.T) {
	r := New(newMemSeen())
	n := 0
	newID := func() string { n++; return "id-1" }
	msg := r.BuildOutbound(newID, "local:aa", "Alice", "local:bb", []byte("hello"))
	require.Equal(t, "id-1", msg.ID)
	require.Equal(t, model.StatusPending, msg.Status)
	require.Equal(t, "local:aa", msg.From)
	require.Equal(t, "local:bb", msg.To)
}
