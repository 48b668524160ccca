package crypto

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
)

// ErrBadSignature is returned when a request signature does not recover to
// the claimed caller.
var ErrBadSignature = errors.New("crypto: bad request signature")

// requestDomain prefixes every signed request message.
const requestDomain = "copyvault request"

// Signer signs API requests with a secp256k1 key using EIP-191
// personal-sign, the scheme wallets expose as personal_sign.
type Signer struct {
	privateKey *ecdsa.PrivateKey
	address    common.Address
}

// NewSigner creates a Signer from a hex-encoded secp256k1 private key.
func NewSigner(privateKeyHex string) (*Signer, error) {
	keyHex := strings.TrimPrefix(privateKeyHex, "0x")
	pk, err := ethcrypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("crypto/signer: invalid private key: %w", err)
	}
	return &Signer{
		privateKey: pk,
		address:    ethcrypto.PubkeyToAddress(pk.PublicKey),
	}, nil
}

// Address returns the Ethereum address derived from the signer's private key.
func (s *Signer) Address() common.Address {
	return s.address
}

// SignRequest signs RequestMessage(method, path, timestamp, body) and
// returns the 65-byte signature hex-encoded with v in {27,28}.
func (s *Signer) SignRequest(method, path string, timestamp int64, body []byte) (string, error) {
	digest := accounts.TextHash(RequestMessage(method, path, timestamp, body))
	sig, err := ethcrypto.Sign(digest, s.privateKey)
	if err != nil {
		return "", fmt.Errorf("crypto/signer: signing: %w", err)
	}
	sig[64] += 27
	return hexutil.Encode(sig), nil
}

// RequestMessage is the text a caller signs:
//
//	copyvault request
//	POST
//	/api/vaults/{id}/funds
//	1700000000
//	0x<keccak256(body)>
func RequestMessage(method, path string, timestamp int64, body []byte) []byte {
	var b strings.Builder
	b.WriteString(requestDomain)
	b.WriteByte('\n')
	b.WriteString(strings.ToUpper(method))
	b.WriteByte('\n')
	b.WriteString(path)
	b.WriteByte('\n')
	b.WriteString(strconv.FormatInt(timestamp, 10))
	b.WriteByte('\n')
	b.WriteString(hexutil.Encode(ethcrypto.Keccak256(body)))
	return []byte(b.String())
}

// VerifyRequest checks that sigHex is caller's signature over the request.
func VerifyRequest(caller common.Address, sigHex, method, path string, timestamp int64, body []byte) error {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != 65 {
		return fmt.Errorf("%w: malformed signature", ErrBadSignature)
	}
	// Accept both v encodings.
	if sig[64] >= 27 {
		sig[64] -= 27
	}
	digest := accounts.TextHash(RequestMessage(method, path, timestamp, body))
	pub, err := ethcrypto.SigToPub(digest, sig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	if got := ethcrypto.PubkeyToAddress(*pub); got != caller {
		return fmt.Errorf("%w: recovered %s, want %s", ErrBadSignature, got.Hex(), caller.Hex())
	}
	return nil
}
