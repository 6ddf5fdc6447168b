// Package transport provides the concrete stand-in for spec §2.B's
// "Transport Adapter": authenticated bidirectional byte streams between
// peers identified by a stable 32-byte node public key, addressable by
// multi-address, and nothing more. Grounded on internal/waku/node.go's
// Config/Status/state-machine shape, narrowed from a pubsub overlay to a
// directly-dialed stream transport.
package transport

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/nacl/box"

	ma "github.com/multiformats/go-multiaddr"
)

// State mirrors the Disconnected/Connecting/Connected/Degraded shape of the
// teacher's waku.Node status machine.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDegraded     State = "degraded"
)

var (
	ErrClosed           = errors.New("transport: node closed")
	ErrHandshakeTimeout = errors.New("transport: handshake timed out")
	ErrHandshakeFailed  = errors.New("transport: peer did not prove its node key")
	ErrBadAddress       = errors.New("transport: unrecognized multi-address")
)

// Config configures a Node. NodePublicKey/NodePrivateKey are a NaCl box
// key pair distinct from the identity's signing key; they exist purely to
// let the transport layer prove stream endpoints own the node key that
// SNaP2P attestations will bind to a principal.
type Config struct {
	ListenAddr        string
	NodePublicKey     [32]byte
	NodePrivateKey    [32]byte
	DialTimeout       time.Duration
	HandshakeTimeout  time.Duration
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:       "0.0.0.0:0",
		DialTimeout:      10 * time.Second,
		HandshakeTimeout: 10 * time.Second,
	}
}

func normalizeConfig(cfg Config) Config {
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = "0.0.0.0:0"
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return cfg
}

// Stream is one authenticated bidirectional byte connection to a peer whose
// node public key is known.
type Stream struct {
	net.Conn
	RemoteNodeKey [32]byte
}

// Node owns one listening socket and dials out to remote nodes.
type Node struct {
	mu       sync.RWMutex
	cfg      Config
	listener net.Listener
	state    State
	handler  func(*Stream)

	closeOnce sync.Once
	closed    chan struct{}
}

func NewNode(cfg Config, handler func(*Stream)) *Node {
	return &Node{
		cfg:     normalizeConfig(cfg),
		state:   StateDisconnected,
		handler: handler,
		closed:  make(chan struct{}),
	}
}

func GenerateNodeKeyPair() (pub, priv [32]byte, err error) {
	p, s, err := box.GenerateKey(rand.Reader)
	if err != nil {
		return pub, priv, err
	}
	return *p, *s, nil
}

// Start binds the listener and begins accepting connections in the
// background.
func (n *Node) Start(ctx context.Context) error {
	n.mu.Lock()
	n.state = StateConnecting
	lis, err := net.Listen("tcp", n.cfg.ListenAddr)
	if err != nil {
		n.state = StateDegraded
		n.mu.Unlock()
		return err
	}
	n.listener = lis
	n.state = StateConnected
	n.mu.Unlock()

	go n.acceptLoop()
	return nil
}

func (n *Node) acceptLoop() {
	for {
		conn, err := n.listener.Accept()
		if err != nil {
			select {
			case <-n.closed:
				return
			default:
				slog.Default().Warn("transport accept error", "err", err)
				return
			}
		}
		go n.handleIncoming(conn)
	}
}

func (n *Node) handleIncoming(conn net.Conn) {
	ctx, cancel := context.WithTimeout(context.Background(), n.cfg.HandshakeTimeout)
	defer cancel()
	stream, err := n.respondHandshake(ctx, conn)
	if err != nil {
		slog.Default().Warn("transport handshake failed", "err", err, "remote", conn.RemoteAddr())
		_ = conn.Close()
		return
	}
	if n.handler != nil {
		n.handler(stream)
	}
}

// Dial opens an authenticated stream to a remote node at addr (a
// multi-address or legacy host:port string).
func (n *Node) Dial(ctx context.Context, addr string) (*Stream, error) {
	hostport, err := toHostPort(addr)
	if err != nil {
		return nil, err
	}
	dialCtx, cancel := context.WithTimeout(ctx, n.cfg.DialTimeout)
	defer cancel()

	dialer := net.Dialer{}
	conn, err := dialer.DialContext(dialCtx, "tcp", hostport)
	if err != nil {
		return nil, err
	}

	hsCtx, hsCancel := context.WithTimeout(ctx, n.cfg.HandshakeTimeout)
	defer hsCancel()
	stream, err := n.initiateHandshake(hsCtx, conn)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	return stream, nil
}

// handshake proves node-key possession on both sides via a NaCl box
// challenge: each side sends its public key, then seals a random nonce to
// the other's public key; each side must open the other's sealed nonce to
// prove possession of the matching private key.
func (n *Node) initiateHandshake(ctx context.Context, conn net.Conn) (*Stream, error) {
	return n.handshake(ctx, conn, true)
}

func (n *Node) respondHandshake(ctx context.Context, conn net.Conn) (*Stream, error) {
	return n.handshake(ctx, conn, false)
}

func (n *Node) handshake(ctx context.Context, conn net.Conn, initiator bool) (*Stream, error) {
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}
	defer conn.SetDeadline(time.Time{})

	n.mu.RLock()
	localPub := n.cfg.NodePublicKey
	localPriv := n.cfg.NodePrivateKey
	n.mu.RUnlock()

	if err := writeFrame(conn, localPub[:]); err != nil {
		return nil, err
	}
	remotePubBytes, err := readFrame(conn, 32)
	if err != nil {
		return nil, err
	}
	var remotePub [32]byte
	copy(remotePub[:], remotePubBytes)

	challenge := make([]byte, 24)
	if _, err := rand.Read(challenge); err != nil {
		return nil, err
	}
	sealed, err := boxSeal(challenge, &remotePub, &localPriv)
	if err != nil {
		return nil, err
	}
	if err := writeFrame(conn, sealed); err != nil {
		return nil, err
	}

	theirSealed, err := readFrame(conn, 4096)
	if err != nil {
		return nil, err
	}
	plain, ok := boxOpen(theirSealed, &remotePub, &localPriv)
	if !ok {
		return nil, ErrHandshakeFailed
	}
	if err := writeFrame(conn, plain); err != nil {
		return nil, err
	}

	echoed, err := readFrame(conn, 4096)
	if err != nil {
		return nil, err
	}
	if string(echoed) != string(challenge) {
		return nil, ErrHandshakeFailed
	}

	_ = initiator
	return &Stream{Conn: conn, RemoteNodeKey: remotePub}, nil
}

func boxSeal(message []byte, peerPub, ownPriv *[32]byte) ([]byte, error) {
	var nonce [24]byte
	if _, err := rand.Read(nonce[:]); err != nil {
		return nil, err
	}
	sealed := box.Seal(nonce[:], message, &nonce, peerPub, ownPriv)
	return sealed, nil
}

func boxOpen(sealed []byte, peerPub, ownPriv *[32]byte) ([]byte, bool) {
	if len(sealed) < 24 {
		return nil, false
	}
	var nonce [24]byte
	copy(nonce[:], sealed[:24])
	return box.Open(nil, sealed[24:], &nonce, peerPub, ownPriv)
}

func writeFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}

func readFrame(r io.Reader, max int) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > max {
		return nil, fmt.Errorf("transport: frame too large: %d", n)
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// Stop closes the listener and unblocks any pending Accept.
func (n *Node) Stop() error {
	n.closeOnce.Do(func() {
		close(n.closed)
		n.mu.Lock()
		n.state = StateDisconnected
		n.mu.Unlock()
	})
	n.mu.RLock()
	lis := n.listener
	n.mu.RUnlock()
	if lis != nil {
		return lis.Close()
	}
	return nil
}

func (n *Node) State() State {
	n.mu.RLock()
	defer n.mu.RUnlock()
	return n.state
}

// ListenAddresses returns this node's local multi-addresses.
func (n *Node) ListenAddresses() []string {
	n.mu.RLock()
	lis := n.listener
	n.mu.RUnlock()
	if lis == nil {
		return nil
	}
	addr, ok := lis.Addr().(*net.TCPAddr)
	if !ok {
		return nil
	}
	host := addr.IP.String()
	if addr.IP.IsUnspecified() {
		host = "127.0.0.1"
	}
	maddr := fmt.Sprintf("/ip4/%s/tcp/%d", host, addr.Port)
	return []string{maddr}
}

// toHostPort accepts either a multi-address ("/ip4/host/tcp/port") or a
// legacy "host:port" string and normalizes to a dialable host:port, per
// spec §6 Addressing.
func toHostPort(addr string) (string, error) {
	if len(addr) == 0 {
		return "", ErrBadAddress
	}
	if addr[0] != '/' {
		if _, _, err := net.SplitHostPort(addr); err != nil {
			return "", fmt.Errorf("%w: %s", ErrBadAddress, addr)
		}
		return addr, nil
	}
	parsed, err := ma.NewMultiaddr(addr)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadAddress, addr)
	}
	var host, port string
	ma.ForEach(parsed, func(c ma.Component) bool {
		switch c.Protocol().Code {
		case ma.P_IP4, ma.P_IP6, ma.P_DNS, ma.P_DNS4, ma.P_DNS6:
			host = c.Value()
		case ma.P_TCP:
			port = c.Value()
		}
		return true
	})
	if host == "" || port == "" {
		return "", fmt.Errorf("%w: %s", ErrBadAddress, addr)
	}
	if _, err := strconv.Atoi(port); err != nil {
		return "", fmt.Errorf("%w: %s", ErrBadAddress, addr)
	}
	return net.JoinHostPort(host, port), nil
}

// NormalizeAddress converts a legacy host:port string to a multi-address,
// per spec §6; multi-addresses pass through unchanged.
func NormalizeAddress(addr string) string {
	if len(addr) > 0 && addr[0] == '/' {
		return addr
	}
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	return fmt.Sprintf("/ip4/%s/tcp/%s", host, port)
}
