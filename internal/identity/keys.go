package identity

import (
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/mr-tron/base58"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/nacl/box"

	"clawgate/internal/model"
)

var (
	ErrUnsupportedMode   = errors.New("identity: unsupported mode")
	ErrInvalidMnemonic   = errors.New("identity: invalid mnemonic")
	ErrWordCount         = errors.New("identity: mnemonic must have 24 words")
	ErrStacksModeFeature = errors.New("identity: stacks mode is disabled in this build")
)

// StacksModeEnabled gates the secp256k1/bip39 wallet path behind a feature
// flag, per spec §9's "lazy loading of the blockchain wallet module" note:
// when disabled, create, recover and signing in stacks mode fail with
// ErrStacksModeFeature, while Verify and VerifyAttestation on a stacks
// principal return false without a distinct error.
var StacksModeEnabled = true

// CreateFlags controls identity creation.
type CreateFlags struct {
	Testnet bool
}

// Create generates fresh key material for the given mode. In stacks mode it
// also returns the 24-word mnemonic, which the caller must surface exactly
// once and never persist in plaintext.
func Create(mode model.IdentityMode, flags CreateFlags) (*model.Identity, error) {
	switch mode {
	case model.ModeLocal:
		return createLocal()
	case model.ModeStacks:
		if !StacksModeEnabled {
			return nil, ErrStacksModeFeature
		}
		entropy, err := bip39.NewEntropy(256) // 256 bits -> 24 words
		if err != nil {
			return nil, err
		}
		mnemonic, err := bip39.NewMnemonic(entropy)
		if err != nil {
			return nil, err
		}
		return recoverStacks(mnemonic, flags)
	default:
		return nil, ErrUnsupportedMode
	}
}

// Recover rebuilds a stacks-mode identity from its mnemonic.
func Recover(mnemonic string, flags CreateFlags) (*model.Identity, error) {
	if !StacksModeEnabled {
		return nil, ErrStacksModeFeature
	}
	return recoverStacks(mnemonic, flags)
}

func createLocal() (*model.Identity, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := deriveBoxKeyPair(priv)
	if err != nil {
		return nil, err
	}
	return &model.Identity{
		Principal:      "local:" + hex.EncodeToString(pub),
		Mode:           model.ModeLocal,
		NodePublicKey:  append([]byte(nil), pub...),
		NodePrivateKey: append([]byte(nil), priv...),
		BoxPublicKey:   boxPub,
		BoxPrivateKey:  boxPriv,
	}, nil
}

func recoverStacks(mnemonic string, flags CreateFlags) (*model.Identity, error) {
	mnemonic = strings.TrimSpace(mnemonic)
	if len(strings.Fields(mnemonic)) != 24 {
		return nil, ErrWordCount
	}
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, ErrInvalidMnemonic
	}

	seed := bip39.NewSeed(mnemonic, "")

	walletPriv := secp256k1.PrivKeyFromBytes(walletSeed(seed))
	walletPub := walletPriv.PubKey()
	address := stacksAddress(walletPub.SerializeCompressed(), flags.Testnet)

	nodePub, nodePriv, err := ed25519.GenerateKey(deterministicReader(seed, "node-key"))
	if err != nil {
		return nil, err
	}
	boxPub, boxPriv, err := deriveBoxKeyPair(nodePriv)
	if err != nil {
		return nil, err
	}

	return &model.Identity{
		Principal:         "stacks:" + address,
		Mode:               model.ModeStacks,
		Testnet:            flags.Testnet,
		Address:            address,
		NodePublicKey:      append([]byte(nil), nodePub...),
		NodePrivateKey:     append([]byte(nil), nodePriv...),
		BoxPublicKey:       boxPub,
		BoxPrivateKey:      boxPriv,
		WalletPublicKey:    walletPub.SerializeCompressed(),
		WalletPrivateKey:   walletPriv.Serialize(),
		Mnemonic:           mnemonic,
	}, nil
}

// deriveBoxKeyPair derives the Curve25519 transport keypair a node key seed
// (an ed25519 private key) is bound to, by the same deterministic-reader
// idiom used for the stacks node key itself, so the transport's box key
// never needs a separate place in identity.enc.
func deriveBoxKeyPair(nodePrivateKey []byte) ([]byte, []byte, error) {
	pub, priv, err := box.GenerateKey(deterministicReader(nodePrivateKey, "box-key"))
	if err != nil {
		return nil, nil, err
	}
	return pub[:], priv[:], nil
}

// walletSeed derives 32 bytes of wallet-key material from the BIP39 seed.
func walletSeed(seed []byte) []byte {
	sum := sha256.Sum256(append([]byte("clawgate/wallet/v1\x00"), seed...))
	return sum[:]
}

// deterministicReader produces a stable 64-byte stream from seed and label,
// so keys generated from it (the stacks node key, the transport box key)
// are reproducible from the seed alone.
type seededReader struct {
	state []byte
	pos   int
}

func deterministicReader(seed []byte, label string) *seededReader {
	h := sha256.Sum256(append([]byte("clawgate/"+label+"/v1\x00"), seed...))
	block := h[:]
	for len(block) < 64 {
		next := sha256.Sum256(block)
		block = append(block, next[:]...)
	}
	return &seededReader{state: block}
}

func (r *seededReader) Read(p []byte) (int, error) {
	n := copy(p, r.state[r.pos:])
	r.pos += n
	if n < len(p) {
		return n, fmt.Errorf("identity: deterministic reader exhausted")
	}
	return n, nil
}

// stacksAddress renders a base58-encoded, checksum-protected address from a
// compressed secp256k1 public key. This mirrors the shape of blockchain
// address derivation (version byte + payload + 4-byte checksum) without
// tying the gateway to one specific chain's exact address format, since the
// spec only requires that the wallet key recover consistently to the same
// address (§4.A verifyAttestation: "recovers wallet address from signature
// and compares to principal's address").
func stacksAddress(compressedPub []byte, testnet bool) string {
	version := byte(0x16)
	if testnet {
		version = byte(0x1a)
	}
	h1 := sha256.Sum256(compressedPub)
	h2 := sha256.Sum256(h1[:])
	payload := append([]byte{version}, h2[:20]...)
	checksumSrc := sha256.Sum256(payload)
	checksum := sha256.Sum256(checksumSrc[:])
	full := append(payload, checksum[:4]...)
	return base58.Encode(full)
}

// RecoverAddress performs the same derivation as stacksAddress but from a
// signature-recovered public key, used by attestation verification.
func RecoverAddress(compressedPub []byte, testnet bool) string {
	return stacksAddress(compressedPub, testnet)
}
