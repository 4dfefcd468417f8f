// Package crypto holds the signing machinery for the Polymarket CLOB:
// EIP-712 order and auth signatures, HMAC request authentication, and
// encrypted private-key storage.
package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// Keccak256 hashes of the canonical EIP-712 type strings.
var (
	domainTypeHash = ethcrypto.Keccak256(
		[]byte("EIP712Domain(string name,string version,uint256 chainId)"),
	)
	authTypeHash = ethcrypto.Keccak256(
		[]byte("ClobAuth(address address,uint256 timestamp,uint256 nonce)"),
	)
	orderTypeHash = ethcrypto.Keccak256(
		[]byte("Order(uint256 salt,address maker,address signer,address taker,uint256 tokenId,uint256 makerAmount,uint256 takerAmount,uint256 expiration,uint256 nonce,uint256 feeRateBps,uint8 side,uint8 signatureType)"),
	)
)

// Order side constants for the EIP-712 Order struct.
const (
	OrderSideBuy  = 0
	OrderSideSell = 1
)

// SignableOrder carries the fields of a CLOB order covered by the EIP-712
// signature. Numeric fields are decimal strings so values survive JSON
// round-trips without precision loss.
type SignableOrder struct {
	Salt          string
	Maker         string
	Taker         string
	TokenID       string
	MakerAmount   string
	TakerAmount   string
	Expiration    string
	Nonce         string
	FeeRateBps    string
	Side          int
	SignatureType int
}

// Signer signs CLOB orders and auth messages with a secp256k1 key.
type Signer struct {
	key     *ecdsa.PrivateKey
	address common.Address
	chainID int
}

// NewSigner builds a Signer from a hex private key and chain id (137 for
// Polygon mainnet).
func NewSigner(privateKeyHex string, chainID int) (*Signer, error) {
	pk, err := ethcrypto.HexToECDSA(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("crypto: parse private key: %w", err)
	}
	return &Signer{
		key:     pk,
		address: ethcrypto.PubkeyToAddress(pk.PublicKey),
		chainID: chainID,
	}, nil
}

// Address returns the wallet address derived from the signing key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignAuth signs the ClobAuth message used to derive HMAC API credentials.
// The result is a 65-byte r||s||v signature, hex-encoded with 0x prefix.
func (s *Signer) SignAuth(timestamp, nonce int64) (string, error) {
	structHash := ethcrypto.Keccak256(encodeWords(
		authTypeHash,
		common.LeftPadBytes(s.address.Bytes(), 32),
		uint256Word(big.NewInt(timestamp)),
		uint256Word(big.NewInt(nonce)),
	))
	return s.sign(structHash)
}

// SignOrder signs a CLOB order struct.
func (s *Signer) SignOrder(o SignableOrder) (string, error) {
	structHash, err := orderHash(o)
	if err != nil {
		return "", err
	}
	return s.sign(structHash)
}

func (s *Signer) sign(structHash []byte) (string, error) {
	digest := ethcrypto.Keccak256(encodeWords(
		[]byte{0x19, 0x01},
		s.domainSeparator(),
		structHash,
	))
	sig, err := ethcrypto.Sign(digest, s.key)
	if err != nil {
		return "", fmt.Errorf("crypto: sign digest: %w", err)
	}
	// go-ethereum yields v in {0,1}; the CLOB expects {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

func (s *Signer) domainSeparator() []byte {
	return ethcrypto.Keccak256(encodeWords(
		domainTypeHash,
		ethcrypto.Keccak256([]byte("ClobAuthDomain")),
		ethcrypto.Keccak256([]byte("1")),
		uint256Word(big.NewInt(int64(s.chainID))),
	))
}

func orderHash(o SignableOrder) ([]byte, error) {
	nums := make([]*big.Int, 0, 7)
	for _, f := range []struct{ name, val string }{
		{"salt", o.Salt},
		{"tokenId", o.TokenID},
		{"makerAmount", o.MakerAmount},
		{"takerAmount", o.TakerAmount},
		{"expiration", o.Expiration},
		{"nonce", o.Nonce},
		{"feeRateBps", o.FeeRateBps},
	} {
		n, ok := new(big.Int).SetString(f.val, 10)
		if !ok {
			return nil, fmt.Errorf("crypto: order field %s: invalid uint %q", f.name, f.val)
		}
		nums = append(nums, n)
	}

	maker := common.HexToAddress(o.Maker)
	taker := common.HexToAddress(o.Taker)

	return ethcrypto.Keccak256(encodeWords(
		orderTypeHash,
		uint256Word(nums[0]), // salt
		common.LeftPadBytes(maker.Bytes(), 32),
		common.LeftPadBytes(maker.Bytes(), 32), // signer == maker for EOA orders
		common.LeftPadBytes(taker.Bytes(), 32),
		uint256Word(nums[1]), // tokenId
		uint256Word(nums[2]), // makerAmount
		uint256Word(nums[3]), // takerAmount
		uint256Word(nums[4]), // expiration
		uint256Word(nums[5]), // nonce
		uint256Word(nums[6]), // feeRateBps
		uint256Word(big.NewInt(int64(o.Side))),
		uint256Word(big.NewInt(int64(o.SignatureType))),
	)), nil
}

// uint256Word left-pads n to a 32-byte ABI word.
func uint256Word(n *big.Int) []byte {
	return common.LeftPadBytes(n.Bytes(), 32)
}

func encodeWords(words ...[]byte) []byte {
	total := 0
	for _, w := range words {
		total += len(w)
	}
	out := make([]byte, 0, total)
	for _, w := range words {
		out = append(out, w...)
	}
	return out
}
