package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawgate/internal/identity"
	"clawgate/internal/model"
	"clawgate/internal/transport"
)

func dialPair(t *testing.T) (clientIdent, serverIdent *model.Identity, clientStream, serverStream *transport.Stream) {
	t.Helper()
	clientIdent = mustCreateLocal(t)
	serverIdent = mustCreateLocal(t)

	serverPub, serverPriv, err := transport.GenerateNodeKeyPair()
	require.NoError(t, err)
	clientPub, clientPriv, err := transport.GenerateNodeKeyPair()
	require.NoError(t, err)

	incoming := make(chan *transport.Stream, 1)
	serverCfg := transport.DefaultConfig()
	serverCfg.ListenAddr = "127.0.0.1:0"
	serverCfg.NodePublicKey = serverPub
	serverCfg.NodePrivateKey = serverPriv
	serverNode := transport.NewNode(serverCfg, func(s *transport.Stream) { incoming <- s })
	require.NoError(t, serverNode.Start(context.Background()))
	t.Cleanup(func() { _ = serverNode.Stop() })

	clientCfg := transport.DefaultConfig()
	clientCfg.ListenAddr = "127.0.0.1:0"
	clientCfg.NodePublicKey = clientPub
	clientCfg.NodePrivateKey = clientPriv
	clientNode := transport.NewNode(clientCfg, nil)
	require.NoError(t, clientNode.Start(context.Background()))
	t.Cleanup(func() { _ = clientNode.Stop() })

	clientIdent.BoxPublicKey = clientPub[:]
	clientIdent.BoxPrivateKey = clientPriv[:]
	serverIdent.BoxPublicKey = serverPub[:]
	serverIdent.BoxPrivateKey = serverPriv[:]

	addrs := serverNode.ListenAddresses()
	require.NotEmpty(t, addrs)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	cs, err := clientNode.Dial(ctx, addrs[0])
	require.NoError(t, err)

	var ss *transport.Stream
	select {
	case ss = <-incoming:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw incoming stream")
	}
	return clientIdent, serverIdent, cs, ss
}

func mustCreateLocal(t *testing.T) *model.Identity {
	t.Helper()
	ident, err := identity.Create(model.ModeLocal, identity.CreateFlags{})
	require.NoError(t, err)
	return ident
}

func TestHandshakeAuthenticatesBothSides(t *testing.T) {
	clientIdent, serverIdent, cs, ss := dialPair(t)

	clientAtt, err := identity.CreateAttestation(clientIdent, clientIdent.BoxPublicKey, 0)
	require.NoError(t, err)
	serverAtt, err := identity.CreateAttestation(serverIdent, serverIdent.BoxPublicKey, 0)
	require.NoError(t, err)

	type result struct {
		sess *Session
		err  error
	}
	clientResult := make(chan result, 1)
	go func() {
		s, err := Dial(context.Background(), cs, clientAtt)
		clientResult <- result{s, err}
	}()

	serverSession, err := Accept(context.Background(), ss, serverAtt)
	require.NoError(t, err)

	cr := <-clientResult
	require.NoError(t, cr.err)

	require.True(t, cr.sess.IsAuthenticated())
	require.True(t, serverSession.IsAuthenticated())
	require.Equal(t, serverIdent.Principal, cr.sess.RemotePrincipal)
	require.Equal(t, clientIdent.Principal, serverSession.RemotePrincipal)
}

func TestHandshakeRejectsNodeKeyMismatch(t *testing.T) {
	clientIdent, serverIdent, cs, ss := dialPair(t)

	otherIdent := mustCreateLocal(t)
	otherNodeKey, _, err := transport.GenerateNodeKeyPair()
	require.NoError(t, err)
	clientAtt, err := identity.CreateAttestation(clientIdent, otherNodeKey[:], 0) // wrong key
	require.NoError(t, err)
	serverAtt, err := identity.CreateAttestation(serverIdent, serverIdent.BoxPublicKey, 0)
	require.NoError(t, err)
	_ = otherIdent

	clientResult := make(chan error, 1)
	go func() {
		_, err := Dial(context.Background(), cs, clientAtt)
		clientResult <- err
	}()

	_, err = Accept(context.Background(), ss, serverAtt)
	require.ErrorIs(t, err, ErrNodeKeyMismatch)
	<-clientResult
}

func TestChatFrameRoundTrip(t *testing.T) {
	clientIdent, serverIdent, cs, ss := dialPair(t)
	clientAtt, _ := identity.CreateAttestation(clientIdent, clientIdent.BoxPublicKey, 0)
	serverAtt, _ := identity.CreateAttestation(serverIdent, serverIdent.BoxPublicKey, 0)

	clientSessCh := make(chan *Session, 1)
	go func() {
		s, _ := Dial(context.Background(), cs, clientAtt)
		clientSessCh <- s
	}()
	serverSess, err := Accept(context.Background(), ss, serverAtt)
	require.NoError(t, err)
	clientSess := <-clientSessCh
	require.NotNil(t, clientSess)

	require.NoError(t, clientSess.SendChat(ChatFrame{ID: "abc123", Content: "hi", Timestamp: 1234}))

	frameType, payload, err := serverSess.RecvFrame()
	require.NoError(t, err)
	require.Equal(t, FrameChat, frameType)
	chat, ok := payload.(ChatFrame)
	require.True(t, ok)
	require.Equal(t, "abc123", chat.ID)
	require.Equal(t, "hi", chat.Content)
}

func TestOversizeChatFrameRejected(t *testing.T) {
	clientIdent, serverIdent, cs, ss := dialPair(t)
	clientAtt, _ := identity.CreateAttestation(clientIdent, clientIdent.BoxPublicKey, 0)
	serverAtt, _ := identity.CreateAttestation(serverIdent, serverIdent.BoxPublicKey, 0)

	clientSessCh := make(chan *Session, 1)
	go func() {
		s, _ := Dial(context.Background(), cs, clientAtt)
		clientSessCh <- s
	}()
	serverSess, err := Accept(context.Background(), ss, serverAtt)
	require.NoError(t, err)
	clientSess := <-clientSessCh

	huge := make([]byte, 300*1024)
	err = clientSess.SendChat(ChatFrame{ID: "big", Content: string(huge)})
	require.ErrorIs(t, err, ErrOversizeFrame)
	_ = serverSess
}
