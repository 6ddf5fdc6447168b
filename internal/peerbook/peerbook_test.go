package peerbook

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAddCreatesAndPersists(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "peers.json")
	b, err := New(path)
	require.NoError(t, err)

	require.NoError(t, b.Add("local:aa", "/ip4/127.0.0.1/tcp/4001", "alice"))
	rec, ok := b.Get("local:aa")
	require.True(t, ok)
	require.Equal(t, "alice", rec.Alias)
	require.Equal(t, []string{"/ip4/127.0.0.1/tcp/4001"}, rec.Addresses)

	b2, err := New(path)
	require.NoError(t, err)
	rec2, ok := b2.Get("local:aa")
	require.True(t, ok)
	require.Equal(t, rec.Addresses, rec2.Addresses)
}

func TestAddMergesAddressSet(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	require.NoError(t, b.Add("local:aa", "/ip4/1.1.1.1/tcp/1", ""))
	require.NoError(t, b.Add("local:aa", "/ip4/2.2.2.2/tcp/2", ""))
	rec, _ := b.Get("local:aa")
	require.Len(t, rec.Addresses, 2)
}

func TestMergeIsIdempotentAndCommutative(t *testing.T) {
	b1, err := New(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	b2, err := New(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)

	require.NoError(t, b1.Merge("local:aa", nil, []string{"/a", "/b"}, "local:src"))
	require.NoError(t, b1.Merge("local:aa", nil, []string{"/b", "/a"}, "local:src"))
	rec1, _ := b1.Get("local:aa")
	require.Len(t, rec1.Addresses, 2)

	require.NoError(t, b2.Merge("local:aa", nil, []string{"/b"}, "local:src"))
	require.NoError(t, b2.Merge("local:aa", nil, []string{"/a"}, "local:src"))
	rec2, _ := b2.Get("local:aa")
	require.Equal(t, rec1.Addresses, rec2.Addresses)
}

func TestMarkVerifiedSetsFlagAndKey(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	key := make([]byte, 32)
	key[0] = 7
	require.NoError(t, b.MarkVerified("local:aa", key, []string{"/ip4/9.9.9.9/tcp/1"}))
	rec, ok := b.Get("local:aa")
	require.True(t, ok)
	require.True(t, rec.Verified)
	require.Equal(t, key, rec.NodePublicKey)
}

func TestRemoveDeletes(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	require.NoError(t, b.Add("local:aa", "/a", ""))
	require.NoError(t, b.Remove("local:aa"))
	_, ok := b.Get("local:aa")
	require.False(t, ok)
}

func TestListIsSortedByPrincipal(t *testing.T) {
	b, err := New(filepath.Join(t.TempDir(), "peers.json"))
	require.NoError(t, err)
	require.NoError(t, b.Add("local:zz", "/a", ""))
	require.NoError(t, b.Add("local:aa", "/b", ""))
	list := b.List()
	require.Len(t, list, 2)
	require.Equal(t, "local:aa", list[0].Principal)
	require.Equal(t, "local:zz", list[1].Principal)
}
