package identity

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"

	"clawgate/internal/model"
)

const (
	// EnvelopeVersionLegacy is the oldest identity.enc version this build
	// still reads (spec §4.A: "accept at least ... one prior version").
	EnvelopeVersionLegacy = 2
	// EnvelopeVersionCurrent is the version this build writes.
	EnvelopeVersionCurrent = 3

	saltLen  = 16
	nonceLen = 12

	argon2Time    = 2
	argon2MemKB   = 64 * 1024
	argon2Threads = 1
	argon2KeyLen  = 32

	minPassphraseLen = 12
)

var (
	ErrPassphraseTooShort = errors.New("identity: passphrase must be at least 12 characters")
	ErrNoIdentity         = errors.New("identity: no identity at this path")
	ErrBadPassphrase      = errors.New("identity: bad passphrase or corrupt identity file")
	ErrUnsupportedVersion = errors.New("identity: unsupported identity.enc version")
)

// deriveKey runs the memory-hard password hash required by spec §4.A:
// argon2id with a fixed work factor of 2 passes over 64 MiB (2^16 KiB),
// folded in from the teacher's securestore.Envelope KDF parameters.
func deriveKey(passphrase string, salt []byte) []byte {
	return argon2.IDKey([]byte(passphrase), salt, argon2Time, argon2MemKB, argon2Threads, argon2KeyLen)
}

// EncodeEnvelope implements the *save* operation: version(1) || salt(16) ||
// nonce(12) || ciphertext, per spec §6.
func EncodeEnvelope(ident *model.Identity, passphrase string) ([]byte, error) {
	if len(passphrase) < minPassphraseLen {
		return nil, ErrPassphraseTooShort
	}
	payload := toEncoded(ident)
	plaintext, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, err
	}
	nonce := make([]byte, nonceLen)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	key := deriveKey(passphrase, salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	ciphertext := aead.Seal(nil, nonce, plaintext, nil)

	out := make([]byte, 0, 1+saltLen+nonceLen+len(ciphertext))
	out = append(out, EnvelopeVersionCurrent)
	out = append(out, salt...)
	out = append(out, nonce...)
	out = append(out, ciphertext...)
	return out, nil
}

// DecodeEnvelope implements the *load* operation, accepting both the
// current and the legacy version byte.
func DecodeEnvelope(data []byte, passphrase string) (*model.Identity, error) {
	if len(data) == 0 {
		return nil, ErrNoIdentity
	}
	if len(data) < 1+saltLen+nonceLen {
		return nil, ErrBadPassphrase
	}
	version := data[0]
	if version != EnvelopeVersionLegacy && version != EnvelopeVersionCurrent {
		return nil, fmt.Errorf("%w: %d", ErrUnsupportedVersion, version)
	}
	salt := data[1 : 1+saltLen]
	nonce := data[1+saltLen : 1+saltLen+nonceLen]
	ciphertext := data[1+saltLen+nonceLen:]

	key := deriveKey(passphrase, salt)
	aead, err := chacha20poly1305.New(key)
	if err != nil {
		return nil, err
	}
	plaintext, err := aead.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return nil, ErrBadPassphrase
	}

	var enc model.EncodedIdentity
	if err := json.Unmarshal(plaintext, &enc); err != nil {
		return nil, ErrBadPassphrase
	}
	return fromEncoded(&enc)
}

func toEncoded(ident *model.Identity) *model.EncodedIdentity {
	return &model.EncodedIdentity{
		Principal:           ident.Principal,
		Address:             ident.Address,
		PublicKeyHex:        hex.EncodeToString(ident.NodePublicKey),
		PrivateKeyHex:       hex.EncodeToString(ident.NodePrivateKey),
		Mnemonic:            ident.Mnemonic,
		WalletPublicKeyHex:  hex.EncodeToString(ident.WalletPublicKey),
		WalletPrivateKeyHex: hex.EncodeToString(ident.WalletPrivateKey),
		Testnet:             ident.Testnet,
		Nick:                ident.Nick,
		Mode:                string(ident.Mode),
	}
}

func fromEncoded(enc *model.EncodedIdentity) (*model.Identity, error) {
	pub, err := decodeHexPubKey(enc.PublicKeyHex)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	priv, err := hex.DecodeString(enc.PrivateKeyHex)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	boxPub, boxPriv, err := deriveBoxKeyPair(priv)
	if err != nil {
		return nil, ErrBadPassphrase
	}
	ident := &model.Identity{
		Principal:      enc.Principal,
		Mode:           model.IdentityMode(enc.Mode),
		Nick:           enc.Nick,
		Testnet:        enc.Testnet,
		Address:        enc.Address,
		NodePublicKey:  pub,
		NodePrivateKey: priv,
		BoxPublicKey:   boxPub,
		BoxPrivateKey:  boxPriv,
		Mnemonic:       enc.Mnemonic,
	}
	if enc.WalletPublicKeyHex != "" {
		if ident.WalletPublicKey, err = hex.DecodeString(enc.WalletPublicKeyHex); err != nil {
			return nil, ErrBadPassphrase
		}
	}
	if enc.WalletPrivateKeyHex != "" {
		if ident.WalletPrivateKey, err = hex.DecodeString(enc.WalletPrivateKeyHex); err != nil {
			return nil, ErrBadPassphrase
		}
	}
	return ident, nil
}

func decodeHexPubKey(s string) ([]byte, error) {
	return hex.DecodeString(s)
}
