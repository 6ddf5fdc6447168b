// Package gateway is the composition root: it wires the identity store,
// transport nodes, session protocol, peer exchange, router, mailboxes, and
// control plane into one running daemon (spec §5 concurrency/lifecycle).
// Grounded on internal/composition/daemonserver/server.go's factory-wiring
// shape, generalized from one JSON-RPC service to the full component graph.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"

	"clawgate/internal/config"
	"clawgate/internal/events"
	"clawgate/internal/identity"
	"clawgate/internal/ipc"
	"clawgate/internal/mailbox"
	"clawgate/internal/manager"
	"clawgate/internal/model"
	"clawgate/internal/peerbook"
	"clawgate/internal/pex"
	"clawgate/internal/router"
	"clawgate/internal/session"
	"clawgate/internal/transport"
	"clawgate/internal/wsbridge"
)

// PassphraseProvider resolves the decryption passphrase for an identity at
// load time. The gateway never stores passphrases itself.
type PassphraseProvider func(principal string) (string, error)

// identityRuntime is everything one loaded identity needs to participate in
// the gateway: its own transport node (and therefore its own node key),
// mailbox, peer book, PX-1 exchange, and live session table.
type identityRuntime struct {
	identity *model.Identity
	cfg      model.IdentityConfig
	port     int
	node     *transport.Node
	box      *mailbox.Mailbox
	book     *peerbook.Book
	exchange *pex.Exchange

	sessionsMu sync.Mutex
	sessions   map[string]*session.Session // keyed by remote principal

	addrMu           sync.Mutex
	lastSuccessAddrs map[string]string // remote principal -> last address a send succeeded over

	recvMu   sync.Mutex
	recvSubs map[int]chan model.Message
	nextSub  int
}

// Gateway is the running daemon for one root data directory.
type Gateway struct {
	root string
	cfg  model.GatewayConfig

	store      *identity.Store
	mgr        *manager.Manager
	passphrase PassphraseProvider
	router     *router.Router
	hub        *events.Hub
	engine     *mailbox.Engine

	ipcServer *ipc.Server
	wsBridge  *wsbridge.Bridge

	mu       sync.RWMutex
	runtimes map[string]*identityRuntime

	cancel context.CancelFunc

	logger *slog.Logger
}

// New builds a Gateway rooted at dir, using cfg for identity/port
// configuration. It does not start anything; call Run for that.
func New(dir string, cfg model.GatewayConfig, passphrase PassphraseProvider) (*Gateway, error) {
	if err := config.Validate(cfg); err != nil {
		return nil, err
	}
	g := &Gateway{
		root:       dir,
		cfg:        cfg,
		store:      identity.NewStore(dir),
		mgr:        manager.New(),
		passphrase: passphrase,
		hub:        events.NewHub(512),
		runtimes:   make(map[string]*identityRuntime),
		logger:     events.DefaultLogger(),
	}
	g.router = router.New(g)
	return g, nil
}

// Seen/Remember implement router.SeenTracker by delegating to the owning
// identity's mailbox, since dedup state is per-identity.
func (g *Gateway) Seen(identityPrincipal, messageID string) bool {
	g.mu.RLock()
	rt, ok := g.runtimes[identityPrincipal]
	g.mu.RUnlock()
	if !ok {
		return false
	}
	return rt.box.Seen(identityPrincipal, messageID)
}

func (g *Gateway) Remember(identityPrincipal, messageID string) {
	g.mu.RLock()
	rt, ok := g.runtimes[identityPrincipal]
	g.mu.RUnlock()
	if ok {
		rt.box.Remember(identityPrincipal, messageID)
	}
}

func (g *Gateway) identityDir(principal string) string {
	return filepath.Join(g.root, "identities", principal)
}

// loadIdentities loads every autoload=true identity from cfg, wiring a
// transport node, mailbox, peer book, and PX-1 exchange for each.
func (g *Gateway) loadIdentities(ctx context.Context) error {
	slot := 0
	for _, idCfg := range g.cfg.Identities {
		if !idCfg.Autoload {
			continue
		}
		pass, err := g.passphrase(idCfg.Principal)
		if err != nil {
			return fmt.Errorf("gateway: resolving passphrase for %s: %w", idCfg.Principal, err)
		}
		ident, err := g.store.Load(idCfg.Principal, pass)
		if err != nil {
			return fmt.Errorf("gateway: loading %s: %w", idCfg.Principal, err)
		}
		if err := g.addRuntime(ctx, ident, idCfg, slot); err != nil {
			return err
		}
		slot++
	}
	return nil
}

// identityPort picks the listen port for the slot'th autoloaded identity.
// P2PPort 0 means "let the OS choose" for every identity, since ephemeral
// ports never collide; a configured P2PPort is the base of a deterministic
// per-identity range, since nothing but the transport is meant to be shared
// across identities (spec §2/§3).
func (g *Gateway) identityPort(slot int) int {
	if g.cfg.P2PPort == 0 {
		return 0
	}
	return g.cfg.P2PPort + slot
}

func (g *Gateway) addRuntime(ctx context.Context, ident *model.Identity, cfg model.IdentityConfig, slot int) error {
	if err := g.mgr.Load(ident, cfg); err != nil {
		return err
	}

	dir := g.identityDir(ident.Principal)
	box, err := mailbox.Open(dir, ident.Principal)
	if err != nil {
		return err
	}
	book, err := peerbook.New(filepath.Join(dir, "peers.json"))
	if err != nil {
		return err
	}

	port := g.identityPort(slot)
	var nodeCfg transport.Config
	nodeCfg.ListenAddr = fmt.Sprintf("0.0.0.0:%d", port)
	copy(nodeCfg.NodePublicKey[:], ident.BoxPublicKey)
	copy(nodeCfg.NodePrivateKey[:], ident.BoxPrivateKey)

	rt := &identityRuntime{
		identity: ident,
		cfg:      cfg,
		port:     port,
		box:      box,
		book:     book,
		exchange: pex.New(book, ident.Principal),
		sessions:         make(map[string]*session.Session),
		lastSuccessAddrs: make(map[string]string),
		recvSubs:         make(map[int]chan model.Message),
	}
	rt.node = transport.NewNode(nodeCfg, func(stream *transport.Stream) {
		g.acceptIncoming(ctx, rt, stream)
	})
	if err := rt.node.Start(ctx); err != nil {
		return err
	}

	g.mu.Lock()
	g.runtimes[ident.Principal] = rt
	g.mu.Unlock()

	if g.engine != nil {
		g.engine.Register(ident.Principal, box)
	}

	g.hub.Publish("started", map[string]string{"principal": ident.Principal})
	go rt.exchange.RunBroadcast(ctx, func() []pex.SessionSender {
		return g.liveSessionSenders(rt)
	})
	return nil
}

func (g *Gateway) liveSessionSenders(rt *identityRuntime) []pex.SessionSender {
	rt.sessionsMu.Lock()
	defer rt.sessionsMu.Unlock()
	out := make([]pex.SessionSender, 0, len(rt.sessions))
	for _, sess := range rt.sessions {
		out = append(out, sessionAdapter{sess})
	}
	return out
}

// Run starts every autoloaded identity, the retry engine, the control
// plane, and (if configured) the WebSocket bridge, then blocks until ctx is
// cancelled, at which point it runs spec §5's shutdown sequence.
func (g *Gateway) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	g.cancel = cancel
	defer cancel()

	g.engine = mailbox.NewEngine(g, func(principal string, msg model.Message) {
		g.hub.Publish("message:sent", map[string]any{"principal": principal, "id": msg.ID})
	})

	if err := g.loadIdentities(ctx); err != nil {
		return err
	}

	engineCtx, cancelEngine := context.WithCancel(ctx)
	defer cancelEngine()
	go g.engine.Run(engineCtx)

	sockPath := filepath.Join(g.root, "clawchat.sock")
	g.ipcServer = ipc.New(sockPath, g, g.hub)
	ipcErrCh := make(chan error, 1)
	go func() { ipcErrCh <- g.ipcServer.Serve(ctx) }()

	if g.cfg.WSBridge != nil {
		addr := fmt.Sprintf("127.0.0.1:%d", g.cfg.WSBridge.Port)
		g.wsBridge = wsbridge.New(addr, g.cfg.WSBridge.Token, g, g.hub)
		go func() {
			if err := g.wsBridge.ListenAndServe(ctx); err != nil {
				g.logger.Error("wsbridge stopped", "error", err)
			}
		}()
	}

	pidPath := filepath.Join(g.root, "daemon.pid")
	_ = os.WriteFile(pidPath, []byte(fmt.Sprintf("%d", os.Getpid())), 0o600)
	defer os.Remove(pidPath)

	<-ctx.Done()
	return g.shutdown()
}

// shutdown implements spec §5's graceful stop sequence: stop the retry tick,
// stop accepting new IPC connections and remove the control socket, then
// close every session (Close waits for a frame write already in progress)
// and stop each identity's transport node. Run removes the PID file on return.
func (g *Gateway) shutdown() error {
	g.engine.Stop()
	if g.ipcServer != nil {
		_ = g.ipcServer.Close()
	}
	g.mu.RLock()
	runtimes := make([]*identityRuntime, 0, len(g.runtimes))
	for _, rt := range g.runtimes {
		runtimes = append(runtimes, rt)
	}
	g.mu.RUnlock()
	for _, rt := range runtimes {
		rt.sessionsMu.Lock()
		for _, sess := range rt.sessions {
			_ = sess.Close()
		}
		rt.sessionsMu.Unlock()
		_ = rt.node.Stop()
	}
	return nil
}

// newMessageID is the router's injected id generator: 128 bits of randomness,
// hex-encoded, per spec §3's message identifier format.
func newMessageID() string {
	var b [16]byte
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}
