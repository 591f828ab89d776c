package crypto

import (
	"math/big"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Hardhat account #0.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestFulfillmentSignature(t *testing.T) {
	s, err := NewFulfillmentSigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	id := big.NewInt(1)
	words := []*big.Int{big.NewInt(7)}
	sig, err := s.Sign(id, words)
	require.NoError(t, err)

	got, err := RecoverFulfiller(id, words, sig)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), got)

	t.Run("different words recover a different address", func(t *testing.T) {
		other, err := RecoverFulfiller(id, []*big.Int{big.NewInt(8)}, sig)
		require.NoError(t, err)
		assert.NotEqual(t, s.Address(), other)
	})

	t.Run("malformed signature", func(t *testing.T) {
		_, err := RecoverFulfiller(id, words, "0x1234")
		require.ErrorIs(t, err, ErrBadSignature)
		_, err = RecoverFulfiller(id, words, "zz")
		require.ErrorIs(t, err, ErrBadSignature)
	})
}

func TestFulfillmentDigestRange(t *testing.T) {
	s, err := NewFulfillmentSigner(testKey)
	require.NoError(t, err)

	maxWord := new(big.Int).Sub(new(big.Int).Lsh(big.NewInt(1), 256), big.NewInt(1))
	_, err = FulfillmentDigest(big.NewInt(1), []*big.Int{maxWord, nil})
	require.NoError(t, err, "2^256-1 and nil are encodable")

	tooWide := new(big.Int).Lsh(big.NewInt(1), 256)
	tests := []struct {
		name  string
		id    *big.Int
		words []*big.Int
	}{
		{"negative word", big.NewInt(1), []*big.Int{big.NewInt(-7)}},
		{"word over 256 bits", big.NewInt(1), []*big.Int{tooWide}},
		{"negative request id", big.NewInt(-1), []*big.Int{big.NewInt(7)}},
		{"request id over 256 bits", tooWide, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FulfillmentDigest(tt.id, tt.words)
			require.ErrorIs(t, err, ErrOutOfRange)
			_, err = s.Sign(tt.id, tt.words)
			require.ErrorIs(t, err, ErrOutOfRange)
		})
	}

	// The absolute value of a negative word must not verify against the
	// signature of the positive one.
	sig, err := s.Sign(big.NewInt(1), []*big.Int{big.NewInt(7)})
	require.NoError(t, err)
	_, err = RecoverFulfiller(big.NewInt(1), []*big.Int{big.NewInt(-7)}, sig)
	require.ErrorIs(t, err, ErrOutOfRange)
}

func TestKeyFileRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "coordinator.json")
	require.NoError(t, WriteKeyFile(path, testKey, "hunter2"))

	key, err := LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, testKey, key)

	_, err = LoadKey(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	require.Error(t, err)

	raw, err := LoadKey(KeyConfig{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: path})
	require.NoError(t, err)
	assert.Equal(t, testKey, raw)

	_, err = LoadKey(KeyConfig{})
	require.Error(t, err)
	_, err = EncryptKey("abcd", "pw")
	require.Error(t, err)
}

func TestHMACAuth(t *testing.T) {
	h := &HMACAuth{Key: "raffle", Secret: "s3cret"}
	now := time.Unix(1_700_000_000, 0)
	hdr := h.HeadersAt("POST", "/api/vrf/requests", `{"num_words":1}`, now.Unix())

	verify := func(body string, at time.Time) error {
		return h.Verify(hdr[HeaderKey], hdr[HeaderTimestamp], hdr[HeaderSignature],
			"POST", "/api/vrf/requests", body, at)
	}
	require.NoError(t, verify(`{"num_words":1}`, now.Add(5*time.Second)))
	require.Error(t, verify(`{"num_words":2}`, now))
	require.ErrorIs(t, verify(`{"num_words":1}`, now.Add(time.Minute)), ErrStaleRequest)
	assert.NotContains(t, h.String(), "s3cret")
}
