package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawgate/internal/events"
	"clawgate/internal/model"
)

type fakeBackend struct {
	sent []model.Message
}

func (f *fakeBackend) Send(principal, to string, content []byte) (model.Message, error) {
	msg := model.Message{ID: "m1", From: principal, To: to, Content: content, Status: model.StatusPending}
	f.sent = append(f.sent, msg)
	return msg, nil
}
func (f *fakeBackend) Recv(ctx context.Context, principal string, since int64, timeout time.Duration) ([]model.Message, error) {
	return nil, nil
}
func (f *fakeBackend) Inbox(principal string) ([]model.Message, error)   { return nil, nil }
func (f *fakeBackend) Outbox(principal string) ([]model.Message, error)  { return f.sent, nil }
func (f *fakeBackend) Peers(principal string) ([]model.PeerStatus, error) { return nil, nil }
func (f *fakeBackend) PeerAdd(principal, peer, address, alias string) error { return nil }
func (f *fakeBackend) PeerRemove(principal, peer string) error              { return nil }
func (f *fakeBackend) PeerResolve(principal, peer string) (*model.PeerRecord, error) {
	return &model.PeerRecord{Principal: peer}, nil
}
func (f *fakeBackend) Status(principal string) (model.StatusSnapshot, error) {
	return model.StatusSnapshot{Principal: principal}, nil
}
func (f *fakeBackend) Multiaddrs() []string { return []string{"/ip4/127.0.0.1/tcp/4001"} }
func (f *fakeBackend) Connect(ctx context.Context, principal, address string) error { return nil }
func (f *fakeBackend) Stop() error                                                   { return nil }

func startServer(t *testing.T) (*Server, string, *events.Hub, *fakeBackend) {
	t.Helper()
	dir := t.TempDir()
	sockPath := filepath.Join(dir, "clawchat.sock")
	hub := events.NewHub(16)
	backend := &fakeBackend{}
	srv := New(sockPath, backend, hub)
	srv.limiter = nil // deterministic tests, no rate limiting

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Serve(ctx) }()

	require.Eventually(t, func() bool {
		c, err := net.Dial("unix", sockPath)
		if err != nil {
			return false
		}
		c.Close()
		return true
	}, 2*time.Second, 10*time.Millisecond)

	return srv, sockPath, hub, backend
}

func roundTrip(t *testing.T, sockPath string, req Request) Response {
	t.Helper()
	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()

	data, err := json.Marshal(req)
	require.NoError(t, err)
	_, err = conn.Write(append(data, '\n'))
	require.NoError(t, err)

	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var resp Response
	require.NoError(t, json.Unmarshal([]byte(line), &resp))
	return resp
}

func TestSendCommandRoundTrips(t *testing.T) {
	_, sockPath, _, backend := startServer(t)
	resp := roundTrip(t, sockPath, Request{ID: "r1", Cmd: "send", Principal: "local:aa", To: "local:bb", Content: "hi"})
	require.True(t, resp.OK)
	require.Equal(t, "r1", resp.ID)
	require.Len(t, backend.sent, 1)
}

func TestUnknownCommandErrors(t *testing.T) {
	_, sockPath, _, _ := startServer(t)
	resp := roundTrip(t, sockPath, Request{ID: "r1", Cmd: "bogus"})
	require.False(t, resp.OK)
	require.NotEmpty(t, resp.Error)
}

func TestSendMissingParamsErrors(t *testing.T) {
	_, sockPath, _, _ := startServer(t)
	resp := roundTrip(t, sockPath, Request{ID: "r1", Cmd: "send", Principal: "local:aa"})
	require.False(t, resp.OK)
}

func TestMultiaddrsCommand(t *testing.T) {
	_, sockPath, _, _ := startServer(t)
	resp := roundTrip(t, sockPath, Request{ID: "r1", Cmd: "multiaddrs"})
	require.True(t, resp.OK)
}

func TestEventIsPushedOutOfBand(t *testing.T) {
	_, sockPath, hub, _ := startServer(t)

	conn, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer conn.Close()
	time.Sleep(50 * time.Millisecond) // let the subscription register

	hub.Publish("started", map[string]string{"principal": "local:aa"})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	reader := bufio.NewReader(conn)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)

	var ev outLine
	require.NoError(t, json.Unmarshal([]byte(line), &ev))
	require.Equal(t, "started", ev.Event)
}
