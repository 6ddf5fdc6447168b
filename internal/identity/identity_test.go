package identity

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"clawgate/internal/model"
)

func TestCreateLocalPrincipalFormat(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)
	require.Regexp(t, `^local:[0-9a-f]{64}$`, ident.Principal)
}

func TestCreateStacksProducesMnemonicAndAddress(t *testing.T) {
	ident, err := Create(model.ModeStacks, CreateFlags{})
	require.NoError(t, err)
	require.NotEmpty(t, ident.Mnemonic)
	require.Len(t, splitWords(ident.Mnemonic), 24)
	require.Equal(t, "stacks:"+ident.Address, ident.Principal)
}

func TestRecoverStacksRejectsWrongWordCount(t *testing.T) {
	_, err := Recover("one two three", CreateFlags{})
	require.ErrorIs(t, err, ErrWordCount)
}

func TestRecoverStacksRoundTrips(t *testing.T) {
	created, err := Create(model.ModeStacks, CreateFlags{})
	require.NoError(t, err)

	recovered, err := Recover(created.Mnemonic, CreateFlags{})
	require.NoError(t, err)
	require.Equal(t, created.Principal, recovered.Principal)
	require.Equal(t, created.Address, recovered.Address)
}

func TestStacksModeDisabledFailsWithConfigError(t *testing.T) {
	StacksModeEnabled = false
	defer func() { StacksModeEnabled = true }()

	_, err := Create(model.ModeStacks, CreateFlags{})
	require.ErrorIs(t, err, ErrStacksModeFeature)
}

func TestEnvelopeRoundTrip(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)

	data, err := EncodeEnvelope(ident, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, byte(EnvelopeVersionCurrent), data[0])

	loaded, err := DecodeEnvelope(data, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, ident.Principal, loaded.Principal)
	require.Equal(t, ident.NodePublicKey, loaded.NodePublicKey)
}

func TestEnvelopeWrongPassphraseFails(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)

	data, err := EncodeEnvelope(ident, "correct horse battery staple")
	require.NoError(t, err)

	_, err = DecodeEnvelope(data, "wrong passphrase entirely")
	require.ErrorIs(t, err, ErrBadPassphrase)
}

func TestEnvelopeRejectsShortPassphrase(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)

	_, err = EncodeEnvelope(ident, "short")
	require.ErrorIs(t, err, ErrPassphraseTooShort)
}

func TestStoreSaveLoadRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store := NewStore(dir)

	ident, err := store.Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)
	require.NoError(t, store.Save(ident, "correct horse battery staple"))

	loaded, err := store.Load(ident.Principal, "correct horse battery staple")
	require.NoError(t, err)
	require.Equal(t, ident.Principal, loaded.Principal)

	_, err = store.Load(ident.Principal, "wrong passphrase at all")
	require.ErrorIs(t, err, ErrBadPassphrase)

	path := filepath.Join(dir, "identities", ident.Principal, "identity.enc")
	info, err := os.Stat(path)
	require.NoError(t, err)
	require.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestStoreLoadMissingIdentity(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Load("local:deadbeef", "whatever passphrase")
	require.ErrorIs(t, err, ErrNoIdentity)
}

func TestSignVerifyLocal(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)

	sig, err := Sign(ident, []byte("hello"))
	require.NoError(t, err)
	require.True(t, Verify(ident.Principal, []byte("hello"), sig))
	require.False(t, Verify(ident.Principal, []byte("goodbye"), sig))
}

func TestSignVerifyStacks(t *testing.T) {
	ident, err := Create(model.ModeStacks, CreateFlags{})
	require.NoError(t, err)

	sig, err := Sign(ident, []byte("hello"))
	require.NoError(t, err)
	require.True(t, Verify(ident.Principal, []byte("hello"), sig))
}

func TestAttestationRoundTripLocal(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)

	att, err := CreateAttestation(ident, ident.NodePublicKey, 0)
	require.NoError(t, err)
	require.True(t, VerifyAttestation(att))
}

func TestAttestationRoundTripStacks(t *testing.T) {
	ident, err := Create(model.ModeStacks, CreateFlags{})
	require.NoError(t, err)

	att, err := CreateAttestation(ident, ident.NodePublicKey, time.Hour)
	require.NoError(t, err)
	require.True(t, VerifyAttestation(att))
}

func TestAttestationRejectsExpired(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)

	att, err := CreateAttestation(ident, ident.NodePublicKey, time.Millisecond)
	require.NoError(t, err)
	att.ExpiresAt = att.IssuedAt - int64(attestationSkew/time.Second) - 10
	require.False(t, VerifyAttestation(att))
}

func TestAttestationRejectsByteFlip(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)

	att, err := CreateAttestation(ident, ident.NodePublicKey, 0)
	require.NoError(t, err)
	att.Signature[0] ^= 0xFF
	require.False(t, VerifyAttestation(att))

	att2, err := CreateAttestation(ident, ident.NodePublicKey, 0)
	require.NoError(t, err)
	att2.NodePublicKey[0] ^= 0xFF
	require.False(t, VerifyAttestation(att2))
}

func TestAttestationRejectsWrongNodeKeyLength(t *testing.T) {
	ident, err := Create(model.ModeLocal, CreateFlags{})
	require.NoError(t, err)

	_, err = CreateAttestation(ident, []byte{1, 2, 3}, 0)
	require.ErrorIs(t, err, ErrAttestationNodeKey)
}

func TestAttestationCanonicalEncodingIsDeterministic(t *testing.T) {
	att := &model.Attestation{
		Version:       1,
		Principal:     "local:aa",
		NodePublicKey: make([]byte, 32),
		IssuedAt:      100,
		ExpiresAt:     200,
		Nonce:         make([]byte, 16),
		Domain:        model.AttestationDomain,
	}
	require.Equal(t, attestationSigningBytes(att), attestationSigningBytes(att))
}

func splitWords(s string) []string {
	var words []string
	word := ""
	for _, r := range s {
		if r == ' ' {
			if word != "" {
				words = append(words, word)
				word = ""
			}
			continue
		}
		word += string(r)
	}
	if word != "" {
		words = append(words, word)
	}
	return words
}
