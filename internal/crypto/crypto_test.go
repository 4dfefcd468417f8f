package crypto

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known anvil/hardhat test key #0.
const testKeyHex = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSignerAddress(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266", s.Address().Hex())

	// 0x prefix accepted too
	s2, err := NewSigner("0x"+testKeyHex, 137)
	require.NoError(t, err)
	assert.Equal(t, s.Address(), s2.Address())
}

func TestNewSignerRejectsBadKey(t *testing.T) {
	_, err := NewSigner("not-hex", 137)
	assert.Error(t, err)
}

func TestSignAuthDeterministic(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)

	sig1, err := s.SignAuth(1700000000, 0)
	require.NoError(t, err)
	sig2, err := s.SignAuth(1700000000, 0)
	require.NoError(t, err)

	assert.Equal(t, sig1, sig2)
	assert.Len(t, sig1, 2+65*2) // 0x + 65 bytes hex
	// recovery byte normalised
	assert.Contains(t, []byte{'b', 'c'}, sig1[len(sig1)-1])
}

func TestSignOrder(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)

	order := SignableOrder{
		Salt:          "123456789",
		Maker:         s.Address().Hex(),
		Taker:         "0x0000000000000000000000000000000000000000",
		TokenID:       "71321045679252212594626385532706912750332728571942532289631379312455583992563",
		MakerAmount:   "45000000",
		TakerAmount:   "100000000",
		Expiration:    "0",
		Nonce:         "0",
		FeeRateBps:    "0",
		Side:          OrderSideBuy,
		SignatureType: 0,
	}

	sig, err := s.SignOrder(order)
	require.NoError(t, err)
	assert.Len(t, sig, 2+65*2)

	// signatures over distinct payloads differ
	order.TakerAmount = "200000000"
	sig2, err := s.SignOrder(order)
	require.NoError(t, err)
	assert.NotEqual(t, sig, sig2)
}

func TestSignOrderRejectsBadNumeric(t *testing.T) {
	s, err := NewSigner(testKeyHex, 137)
	require.NoError(t, err)

	_, err = s.SignOrder(SignableOrder{Salt: "xyz"})
	assert.ErrorContains(t, err, "salt")
}

func TestRequestHeadersDeterministic(t *testing.T) {
	creds := &APICreds{
		Key:        "api-key",
		Secret:     "c2VjcmV0LWJ5dGVz", // base64("secret-bytes")
		Passphrase: "pass",
	}

	h1 := creds.RequestHeadersAt("0xabc", "POST", "/order", `{"x":1}`, 1700000000)
	h2 := creds.RequestHeadersAt("0xabc", "POST", "/order", `{"x":1}`, 1700000000)
	assert.Equal(t, h1, h2)

	assert.Equal(t, "0xabc", h1["POLY_ADDRESS"])
	assert.Equal(t, "api-key", h1["POLY_API_KEY"])
	assert.Equal(t, "1700000000", h1["POLY_TIMESTAMP"])
	assert.Equal(t, "pass", h1["POLY_PASSPHRASE"])
	assert.NotEmpty(t, h1["POLY_SIGNATURE"])

	// different body, different signature
	h3 := creds.RequestHeadersAt("0xabc", "POST", "/order", `{"x":2}`, 1700000000)
	assert.NotEqual(t, h1["POLY_SIGNATURE"], h3["POLY_SIGNATURE"])
}

func TestCredsStringRedacts(t *testing.T) {
	creds := &APICreds{Key: "abcdef", Secret: "supersecret"}
	s := creds.String()
	assert.NotContains(t, s, "supersecret")
	assert.Contains(t, s, "abcd****")
}

func TestEncryptDecryptKeyRoundTrip(t *testing.T) {
	blob, err := EncryptKey("0x"+testKeyHex, "hunter2")
	require.NoError(t, err)

	got, err := DecryptKey(blob, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, got)

	_, err = DecryptKey(blob, "wrong")
	assert.Error(t, err)
}

func TestEncryptKeyValidation(t *testing.T) {
	_, err := EncryptKey(testKeyHex, "")
	assert.Error(t, err)

	_, err = EncryptKey("abcd", "pw")
	assert.Error(t, err)
}

func TestResolveKey(t *testing.T) {
	// raw hex wins
	k, err := ResolveKey(KeySource{RawHex: "0x" + testKeyHex})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, k)

	_, err = ResolveKey(KeySource{RawHex: "zzzz"})
	assert.Error(t, err)

	_, err = ResolveKey(KeySource{})
	assert.Error(t, err)

	blob, err := EncryptKey(testKeyHex, "pw")
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "key.json")
	require.NoError(t, os.WriteFile(path, blob, 0o600))

	k, err = ResolveKey(KeySource{KeyfilePath: path, KeyfileSecret: "pw"})
	require.NoError(t, err)
	assert.Equal(t, testKeyHex, k)
}
