package crypto

import (
	"crypto/ecdsa"
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// fulfilmentTag domain-separates fulfilment digests from any other message
// signed with the coordinator key.
var fulfilmentTag = ethcrypto.Keccak256([]byte("RaffleFulfillment(uint256 requestId,uint256[] randomWords)"))

// ErrBadSignature is returned when a fulfilment signature cannot be decoded
// or recovered.
var ErrBadSignature = errors.New("crypto: bad signature")

// ErrOutOfRange is returned for a request id or word that is negative or
// wider than 256 bits; such values have no on-chain encoding.
var ErrOutOfRange = errors.New("crypto: integer outside uint256 range")

// FulfillmentSigner signs randomness fulfilments on behalf of the VRF
// coordinator so the raffle can check that only the coordinator fulfils.
type FulfillmentSigner struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewFulfillmentSigner creates a signer from a hex-encoded secp256k1 key.
func NewFulfillmentSigner(privateKeyHex string) (*FulfillmentSigner, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &FulfillmentSigner{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the coordinator address derived from the key.
func (s *FulfillmentSigner) Address() common.Address {
	return s.address
}

// Sign returns the hex-encoded 65-byte signature over the fulfilment digest.
func (s *FulfillmentSigner) Sign(requestID *big.Int, words []*big.Int) (string, error) {
	digest, err := FulfillmentDigest(requestID, words)
	if err != nil {
		return "", err
	}
	return s.signDigest(digest)
}

// FulfillmentDigest is the personal-message hash of
// keccak256(tag || requestId || words...), each integer left-padded to 32
// bytes. Integers outside uint256 return an error wrapping ErrOutOfRange.
func FulfillmentDigest(requestID *big.Int, words []*big.Int) ([]byte, error) {
	id, err := uint256Bytes(requestID)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: request id: %w", err)
	}
	parts := make([][]byte, 0, len(words)+2)
	parts = append(parts, fulfilmentTag, id)
	for i, w := range words {
		b, err := uint256Bytes(w)
		if err != nil {
			return nil, fmt.Errorf("crypto/signer: word %d: %w", i, err)
		}
		parts = append(parts, b)
	}
	return accounts.TextHash(ethcrypto.Keccak256(concatBytes(parts...))), nil
}

// RecoverFulfiller returns the address that produced sig over the given
// fulfilment.
func RecoverFulfiller(requestID *big.Int, words []*big.Int, sig string) (common.Address, error) {
	raw, err := hex.DecodeString(strings.TrimPrefix(sig, "0x"))
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	if len(raw) != 65 {
		return common.Address{}, fmt.Errorf("%w: expected 65 bytes, got %d", ErrBadSignature, len(raw))
	}
	if raw[64] >= 27 {
		raw[64] -= 27
	}
	digest, err := FulfillmentDigest(requestID, words)
	if err != nil {
		return common.Address{}, err
	}
	pub, err := ethcrypto.SigToPub(digest, raw)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %w", ErrBadSignature, err)
	}
	return ethcrypto.PubkeyToAddress(*pub), nil
}

// signDigest signs a 32-byte digest and returns r || s || v hex-encoded.
func (s *FulfillmentSigner) signDigest(digest []byte) (string, error) {
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}

	// go-ethereum returns v in {0,1}; wallets expect {27,28}.
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + hex.EncodeToString(sig), nil
}

// uint256Bytes returns the 32-byte big-endian encoding of n; nil encodes as
// zero.
func uint256Bytes(n *big.Int) ([]byte, error) {
	padded := make([]byte, 32)
	if n == nil {
		return padded, nil
	}
	if n.Sign() < 0 || n.BitLen() > 256 {
		return nil, fmt.Errorf("%w: %s", ErrOutOfRange, n)
	}
	return n.FillBytes(padded), nil
}

func concatBytes(slices ...[]byte) []byte {
	total := 0
	for _, s := range slices {
		total += len(s)
	}
	buf := make([]byte, 0, total)
	for _, s := range slices {
		buf = append(buf, s...)
	}
	return buf
}
