// Package model holds the data types shared across the gateway: identities,
// attestations, peer records, messages, and the gateway configuration.
package model

import "time"

// IdentityMode tags which key material an identity is built from.
type IdentityMode string

const (
	ModeLocal  IdentityMode = "local"
	ModeStacks IdentityMode = "stacks"
)

// Identity is one loaded principal's key material and metadata. It is the
// in-memory form produced by the Identity Store's create/recover/load
// operations; the encrypted on-disk form is EncodedIdentity.
type Identity struct {
	Principal string
	Mode      IdentityMode
	Nick      string
	Testnet   bool

	// local mode, and the node key for stacks mode.
	NodePublicKey  []byte
	NodePrivateKey []byte

	// BoxPublicKey/BoxPrivateKey are the Curve25519 keypair the transport
	// node actually dials and accepts with. They are derived deterministically
	// from NodePrivateKey rather than persisted, since the node key is
	// ephemeral per the wire protocol's definition of it.
	BoxPublicKey  []byte
	BoxPrivateKey []byte

	// stacks mode only.
	Address               string
	WalletPublicKey        []byte
	WalletPrivateKey       []byte
	Mnemonic               string
}

// EncodedIdentity is the canonical JSON payload encrypted inside identity.enc.
type EncodedIdentity struct {
	Principal          string `json:"principal"`
	Address            string `json:"address"`
	PublicKeyHex        string `json:"publicKey"`
	PrivateKeyHex       string `json:"privateKey"`
	Mnemonic            string `json:"mnemonic"`
	WalletPublicKeyHex  string `json:"walletPublicKeyHex"`
	WalletPrivateKeyHex string `json:"walletPrivateKeyHex"`
	Testnet             bool   `json:"testnet"`
	Nick                string `json:"nick,omitempty"`
	Mode                string `json:"mode"`
}

// AttestationDomain is the fixed domain-separation string signed attestations
// must carry.
const AttestationDomain = "snap2p-nodekey-attestation-v1"

// Attestation binds a principal to a node public key for a bounded interval.
type Attestation struct {
	Version        int    `json:"version"`
	Principal      string `json:"principal"`
	NodePublicKey  []byte `json:"nodePublicKey"`
	IssuedAt       int64  `json:"issuedAt"`
	ExpiresAt      int64  `json:"expiresAt"`
	Nonce          []byte `json:"nonce"`
	Domain         string `json:"domain"`
	Signature      []byte `json:"signature"`
}

// PeerVisibility tags how a peer record may be shared via PX-1.
type PeerVisibility string

const (
	VisibilityPublic  PeerVisibility = "public"
	VisibilityFriends PeerVisibility = "friends"
	VisibilityPrivate PeerVisibility = "private"
)

// PeerRecord is a per-identity peer book entry keyed by remote principal.
type PeerRecord struct {
	Principal     string         `json:"principal"`
	NodePublicKey []byte         `json:"nodePublicKey,omitempty"`
	Addresses     []string       `json:"addresses"`
	Alias         string         `json:"alias,omitempty"`
	Visibility    PeerVisibility `json:"visibility,omitempty"`
	SourcePrincipal string       `json:"sourcePrincipal,omitempty"`
	FirstSeen     time.Time      `json:"firstSeen"`
	LastSeen      time.Time      `json:"lastSeen"`
	Verified      bool           `json:"verified"`
}

// PeerStatus decorates a PeerRecord with whether that peer currently has a
// live authenticated session, for the IPC "peers" command (spec §4.I).
type PeerStatus struct {
	PeerRecord
	Connected bool `json:"connected"`
}

// MessageStatus is the lifecycle state of a Message.
type MessageStatus string

const (
	StatusPending   MessageStatus = "pending"
	StatusSent      MessageStatus = "sent"
	StatusDelivered MessageStatus = "delivered"
	StatusFailed    MessageStatus = "failed"
)

// Message is one mailbox entry, shared between inbox and outbox arrays.
type Message struct {
	ID        string        `json:"id"`
	From      string        `json:"from"`
	FromNick  string        `json:"fromNick,omitempty"`
	To        string        `json:"to"`
	Content   []byte        `json:"content"`
	Timestamp int64         `json:"timestamp"`
	Status    MessageStatus `json:"status"`
}

// IdentityConfig is one entry of gateway-config.json's identities array.
type IdentityConfig struct {
	Principal           string   `json:"principal" yaml:"principal"`
	Nick                string   `json:"nick,omitempty" yaml:"nick,omitempty"`
	Autoload            bool     `json:"autoload" yaml:"autoload"`
	AllowLocal          bool     `json:"allowLocal" yaml:"allowLocal"`
	AllowedRemotePeers  []string `json:"allowedRemotePeers" yaml:"allowedRemotePeers"`
	OpenclawWake        bool     `json:"openclawWake" yaml:"openclawWake"`
}

// WSBridgeConfig configures the optional WebSocket Bridge component.
type WSBridgeConfig struct {
	Port  int    `json:"port" yaml:"port"`
	Token string `json:"token,omitempty" yaml:"token,omitempty"`
}

// GatewayConfig is the process-wide configuration record, persisted as
// gateway-config.json.
type GatewayConfig struct {
	Version     int              `json:"version" yaml:"version"`
	// P2PPort is the base listen port; each autoloaded identity after the
	// first binds P2PPort+<its load slot>, since every identity still owns
	// its own transport node. 0 leaves every identity on an OS-assigned
	// ephemeral port.
	P2PPort     int              `json:"p2pPort" yaml:"p2pPort"`
	WSBridge    *WSBridgeConfig  `json:"wsBridge,omitempty" yaml:"wsBridge,omitempty"`
	Identities  []IdentityConfig `json:"identities" yaml:"identities"`

	// WakeHookCommand is the external program invoked for identities with
	// openclawWake set (see internal/gateway/wakehook.go). Empty disables
	// the hook entirely.
	WakeHookCommand string `json:"wakeHookCommand,omitempty" yaml:"wakeHookCommand,omitempty"`
}

// StatusSnapshot is the payload of the IPC "status" command.
type StatusSnapshot struct {
	Principal        string   `json:"principal"`
	PeerID           string   `json:"peerId"`
	P2PPort          int      `json:"p2pPort"`
	Multiaddrs       []string `json:"multiaddrs"`
	ConnectedPeers   []string `json:"connectedPeers"`
	InboxCount       int      `json:"inboxCount"`
	OutboxCount      int      `json:"outboxCount"`
	LoadedIdentities []string `json:"loadedIdentities"`
}
