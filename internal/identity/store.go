package identity

import (
	"crypto/ed25519"
	"crypto/sha256"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"clawgate/internal/model"
)

// Store implements the Identity Store component (spec §4.A) rooted at a
// directory containing one identities/<principal>/identity.enc per identity.
// Grounded on internal/identity/manager.go's create/import/load shape.
type Store struct {
	root string
}

// NewStore creates a Store rooted at dir. dir is created on first Save.
func NewStore(dir string) *Store {
	return &Store{root: dir}
}

func (s *Store) identityDir(principal string) string {
	return filepath.Join(s.root, "identities", principal)
}

func (s *Store) envelopePath(principal string) string {
	return filepath.Join(s.identityDir(principal), "identity.enc")
}

// Create generates a fresh identity of the given mode; it does not persist
// it. Callers must call Save explicitly.
func (s *Store) Create(mode model.IdentityMode, flags CreateFlags) (*model.Identity, error) {
	return Create(mode, flags)
}

// Recover rebuilds a stacks-mode identity from its mnemonic without
// persisting it.
func (s *Store) Recover(mnemonic string, flags CreateFlags) (*model.Identity, error) {
	return Recover(mnemonic, flags)
}

// Save encrypts and writes ident to its identity directory, creating the
// directory with owner-only permissions if needed.
func (s *Store) Save(ident *model.Identity, passphrase string) error {
	data, err := EncodeEnvelope(ident, passphrase)
	if err != nil {
		return err
	}
	dir := s.identityDir(ident.Principal)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	return os.WriteFile(s.envelopePath(ident.Principal), data, 0o600)
}

// Load reads and decrypts the identity.enc for principal.
func (s *Store) Load(principal, passphrase string) (*model.Identity, error) {
	data, err := os.ReadFile(s.envelopePath(principal))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNoIdentity
		}
		return nil, err
	}
	return DecodeEnvelope(data, passphrase)
}

// Exists reports whether an identity.enc file exists for principal.
func (s *Store) Exists(principal string) bool {
	_, err := os.Stat(s.envelopePath(principal))
	return err == nil
}

// List returns the principals with an identity.enc on disk.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, "identities"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			out = append(out, e.Name())
		}
	}
	return out, nil
}

// Delete removes an identity's entire storage directory (principal, inbox,
// outbox, peer book).
func (s *Store) Delete(principal string) error {
	return os.RemoveAll(s.identityDir(principal))
}

// SetNick re-encrypts ident's identity.enc with an updated nick. Per spec
// §5: "the identity files ... never rewritten without passphrase (nick
// changes re-encrypt)".
func (s *Store) SetNick(ident *model.Identity, nick, passphrase string) error {
	ident.Nick = nick
	return s.Save(ident, passphrase)
}

// ClearNick re-encrypts ident's identity.enc with the nick removed.
func (s *Store) ClearNick(ident *model.Identity, passphrase string) error {
	ident.Nick = ""
	return s.Save(ident, passphrase)
}

// Sign produces a raw signature over bytes using ident's signing key
// (node key in local mode, wallet key in stacks mode).
func Sign(ident *model.Identity, data []byte) ([]byte, error) {
	switch ident.Mode {
	case model.ModeLocal:
		if len(ident.NodePrivateKey) != ed25519.PrivateKeySize {
			return nil, errors.New("identity: missing local signing key")
		}
		return ed25519.Sign(ident.NodePrivateKey, data), nil
	case model.ModeStacks:
		if !StacksModeEnabled {
			return nil, ErrStacksModeFeature
		}
		priv := secp256k1.PrivKeyFromBytes(ident.WalletPrivateKey)
		digest := sha256.Sum256(data)
		return ecdsa.SignCompact(priv, digest[:], true), nil
	default:
		return nil, ErrUnsupportedMode
	}
}

// Verify checks a raw signature against a principal's identity key. For
// local mode the key is embedded in the principal; for stacks mode the
// wallet address is recovered from the signature and compared.
func Verify(principal string, data, signature []byte) bool {
	if strings.HasPrefix(principal, "local:") {
		pub, err := decodeHexPubKey(strings.TrimPrefix(principal, "local:"))
		if err != nil || len(pub) != ed25519.PublicKeySize {
			return false
		}
		return ed25519.Verify(pub, data, signature)
	}
	if strings.HasPrefix(principal, "stacks:") {
		if !StacksModeEnabled || len(signature) != 65 {
			return false
		}
		digest := sha256.Sum256(data)
		pub, _, err := ecdsa.RecoverCompact(signature, digest[:])
		if err != nil {
			return false
		}
		want := strings.TrimPrefix(principal, "stacks:")
		return want == RecoverAddress(pub.SerializeCompressed(), false) ||
			want == RecoverAddress(pub.SerializeCompressed(), true)
	}
	return false
}
