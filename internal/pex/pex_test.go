package pex

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"clawgate/internal/peerbook"
	"clawgate/internal/session"
)

type fakeSender struct {
	remote string
	pushed []session.PxPushFrame
}

func (f *fakeSender) RemotePrincipal() string { return f.remote }
func (f *fakeSender) SendPxPush(frame session.PxPushFrame) error {
	f.pushed = append(f.pushed, frame)
	return nil
}
func (f *fakeSender) SendPxRequest(session.PxRequestFrame) error   { return nil }
func (f *fakeSender) SendPxResponse(session.PxResponseFrame) error { return nil }

func newBook(t *testing.T) *peerbook.Book {
	b, err := peerbook.New(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	return b
}

func TestPushPeersExcludesRecipientAndSelf(t *testing.T) {
	book := newBook(t)
	require.NoError(t, book.MarkVerified("local:bb", nil, []string{"/a"}))
	require.NoError(t, book.MarkVerified("local:cc", nil, []string{"/b"}))

	ex := New(book, "local:aa")
	sess := &fakeSender{remote: "local:bb"}
	require.NoError(t, ex.PushPeers(sess))

	require.Len(t, sess.pushed, 1)
	principals := map[string]bool{}
	for _, r := range sess.pushed[0].Records {
		principals[r.Principal] = true
	}
	require.False(t, principals["local:bb"])
	require.False(t, principals["local:aa"])
	require.True(t, principals["local:cc"])
}

func TestOnPushMergesAddresses(t *testing.T) {
	book := newBook(t)
	ex := New(book, "local:aa")

	err := ex.OnPush("local:bb", session.PxPushFrame{Records: []session.PxPeerRecord{
		{Principal: "local:cc", Addresses: []string{"/x"}},
	}})
	require.NoError(t, err)

	rec, ok := book.Get("local:cc")
	require.True(t, ok)
	require.Equal(t, []string{"/x"}, rec.Addresses)
	require.False(t, rec.Verified, "gossip-learned records are never marked verified")
}

func TestOnPushIgnoresSelfAndEmptyPrincipal(t *testing.T) {
	book := newBook(t)
	ex := New(book, "local:aa")
	err := ex.OnPush("local:bb", session.PxPushFrame{Records: []session.PxPeerRecord{
		{Principal: "local:aa", Addresses: []string{"/x"}},
		{Principal: "", Addresses: []string{"/y"}},
	}})
	require.NoError(t, err)
	require.Empty(t, book.List())
}

func TestOnPushIsIdempotentAndCommutative(t *testing.T) {
	book1 := newBook(t)
	ex1 := New(book1, "local:aa")
	require.NoError(t, ex1.OnPush("local:src", session.PxPushFrame{Records: []session.PxPeerRecord{{Principal: "local:cc", Addresses: []string{"/a", "/b"}}}}))
	require.NoError(t, ex1.OnPush("local:src", session.PxPushFrame{Records: []session.PxPeerRecord{{Principal: "local:cc", Addresses: []string{"/b", "/a"}}}}))
	rec1, _ := book1.Get("local:cc")

	book2 := newBook(t)
	ex2 := New(book2, "local:aa")
	require.NoError(t, ex2.OnPush("local:src", session.PxPushFrame{Records: []session.PxPeerRecord{{Principal: "local:cc", Addresses: []string{"/a"}}}}))
	require.NoError(t, ex2.OnPush("local:src", session.PxPushFrame{Records: []session.PxPeerRecord{{Principal: "local:cc", Addresses: []string{"/b"}}}}))
	rec2, _ := book2.Get("local:cc")

	require.Equal(t, rec1.Addresses, rec2.Addresses)
}

func TestResolveReturnsKnownRecord(t *testing.T) {
	book := newBook(t)
	require.NoError(t, book.Add("local:bb", "/a", ""))
	ex := New(book, "local:aa")
	rec := ex.Resolve("local:bb")
	require.NotNil(t, rec)
	require.Equal(t, "local:bb", rec.Principal)
}

func TestResolveUnknownReturnsNil(t *testing.T) {
	book := newBook(t)
	ex := New(book, "local:aa")
	require.Nil(t, ex.Resolve("local:zz"))
}

func TestPushPeersCapsAtMaxRecords(t *testing.T) {
	book := newBook(t)
	for i := 0; i < MaxRecordsPerPush+10; i++ {
		require.NoError(t, book.MarkVerified(principalN(i), nil, []string{"/a"}))
	}
	ex := New(book, "local:self")
	sess := &fakeSender{remote: "local:other"}
	require.NoError(t, ex.PushPeers(sess))
	require.LessOrEqual(t, len(sess.pushed[0].Records), MaxRecordsPerPush)
}

func principalN(i int) string {
	const letters = "abcdefghijklmnopqrstuvwxyz0123456789"
	return "local:" + string(letters[i%len(letters)]) + string(letters[(i/len(letters))%len(letters)])
}
