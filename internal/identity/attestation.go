package identity

import (
	"bytes"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"strings"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"clawgate/internal/model"
)

const (
	attestationVersion  = 1
	attestationSkew     = 300 * time.Second
	defaultValidity     = 86400 * time.Second
	minNonceLen         = 16
	maxNonceLen         = 32
	nodeKeyLen          = 32
)

var (
	ErrAttestationNonceLen  = errors.New("identity: attestation nonce length out of range")
	ErrAttestationNodeKey   = errors.New("identity: attestation node key length must be 32")
	ErrAttestationVersion   = errors.New("identity: unsupported attestation version")
	ErrAttestationDomain    = errors.New("identity: attestation domain mismatch")
	ErrAttestationExpiry    = errors.New("identity: attestation expiry before issuance")
	ErrAttestationPrincipal = errors.New("identity: unrecognized principal prefix")
)

// CreateAttestation signs a fresh attestation binding ident's principal to
// nodePublicKey, valid for validity (0 selects the default 86400s).
func CreateAttestation(ident *model.Identity, nodePublicKey []byte, validity time.Duration) (*model.Attestation, error) {
	if len(nodePublicKey) != nodeKeyLen {
		return nil, ErrAttestationNodeKey
	}
	if validity <= 0 {
		validity = defaultValidity
	}
	nonce := make([]byte, 24)
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	now := time.Now().Unix()
	att := &model.Attestation{
		Version:       attestationVersion,
		Principal:     ident.Principal,
		NodePublicKey: append([]byte(nil), nodePublicKey...),
		IssuedAt:      now,
		ExpiresAt:     now + int64(validity/time.Second),
		Nonce:         nonce,
		Domain:        model.AttestationDomain,
	}
	sig, err := signAttestation(ident, att)
	if err != nil {
		return nil, err
	}
	att.Signature = sig
	return att, nil
}

// VerifyAttestation validates an attestation per spec §4.A: version, domain,
// nonce length, node key length, time-skew window, principal prefix, and
// signature (by mode: local verifies the key embedded in the principal;
// stacks recovers the wallet address from the signature).
func VerifyAttestation(att *model.Attestation) bool {
	if att == nil {
		return false
	}
	if att.Version != attestationVersion {
		return false
	}
	if att.Domain != model.AttestationDomain {
		return false
	}
	if len(att.Nonce) < minNonceLen || len(att.Nonce) > maxNonceLen {
		return false
	}
	if len(att.NodePublicKey) != nodeKeyLen {
		return false
	}
	if att.ExpiresAt <= att.IssuedAt {
		return false
	}
	now := time.Now().Unix()
	skew := int64(attestationSkew / time.Second)
	if att.IssuedAt-skew > now {
		return false
	}
	if att.ExpiresAt <= now-skew {
		return false
	}

	switch {
	case strings.HasPrefix(att.Principal, "local:"):
		return verifyLocalAttestation(att)
	case strings.HasPrefix(att.Principal, "stacks:"):
		return verifyStacksAttestation(att)
	default:
		return false
	}
}

func verifyLocalAttestation(att *model.Attestation) bool {
	hexPub := strings.TrimPrefix(att.Principal, "local:")
	pub, err := decodeHexPubKey(hexPub)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return false
	}
	return ed25519.Verify(pub, attestationSigningBytes(att), att.Signature)
}

func verifyStacksAttestation(att *model.Attestation) bool {
	if !StacksModeEnabled {
		return false
	}
	if len(att.Signature) != 65 {
		return false
	}
	digest := sha256.Sum256(attestationSigningBytes(att))
	pub, _, err := ecdsa.RecoverCompact(att.Signature, digest[:])
	if err != nil {
		return false
	}
	want := strings.TrimPrefix(att.Principal, "stacks:")
	mainnetAddr := RecoverAddress(pub.SerializeCompressed(), false)
	testnetAddr := RecoverAddress(pub.SerializeCompressed(), true)
	return want == mainnetAddr || want == testnetAddr
}

func signAttestation(ident *model.Identity, att *model.Attestation) ([]byte, error) {
	switch ident.Mode {
	case model.ModeLocal:
		if len(ident.NodePrivateKey) != ed25519.PrivateKeySize {
			return nil, errors.New("identity: missing local signing key")
		}
		return ed25519.Sign(ident.NodePrivateKey, attestationSigningBytes(att)), nil
	case model.ModeStacks:
		if !StacksModeEnabled {
			return nil, ErrStacksModeFeature
		}
		return signStacksAttestation(ident, att)
	default:
		return nil, ErrUnsupportedMode
	}
}

func signStacksAttestation(ident *model.Identity, att *model.Attestation) ([]byte, error) {
	priv := secp256k1.PrivKeyFromBytes(ident.WalletPrivateKey)
	digest := sha256.Sum256(attestationSigningBytes(att))
	sig := ecdsa.SignCompact(priv, digest[:], true)
	return sig, nil
}

// attestationSigningBytes is the canonical deterministic encoding signed by
// both modes: fixed field order, integers as big-endian fixed-width, byte
// strings raw, separated by a null byte. Grounded on
// contactCardSigningBytes's fixed-order/null-separator idiom.
func attestationSigningBytes(att *model.Attestation) []byte {
	var buf bytes.Buffer
	writeUint32(&buf, uint32(att.Version))
	buf.WriteByte(0)
	buf.WriteString(att.Principal)
	buf.WriteByte(0)
	buf.Write(att.NodePublicKey)
	buf.WriteByte(0)
	writeInt64(&buf, att.IssuedAt)
	buf.WriteByte(0)
	writeInt64(&buf, att.ExpiresAt)
	buf.WriteByte(0)
	buf.Write(att.Nonce)
	buf.WriteByte(0)
	buf.WriteString(att.Domain)
	return buf.Bytes()
}

func writeUint32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func writeInt64(buf *bytes.Buffer, v int64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	buf.Write(b[:])
}
