// Package crypto holds the node's key handling: the encrypted relayer key
// file and EIP-191 signing and verification of API requests.
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/ethereum/go-ethereum/common"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// defaultIterations is the OWASP minimum for PBKDF2-HMAC-SHA256.
	defaultIterations = 480_000
	saltLen           = 16
	aesKeyLen         = 32
	keyFileVersion    = 2
)

var (
	// ErrWrongPassword is returned when a key file fails to decrypt.
	ErrWrongPassword = errors.New("crypto: wrong key password")
	// ErrNoKeySource is returned by LoadSigner when neither a raw key nor a key
	// file is configured.
	ErrNoKeySource = errors.New("crypto: no relayer key configured")
)

// keyFile is the on-disk relayer key. Address is stored in the clear so an
// operator can tell which identity a file holds without the password.
type keyFile struct {
	Version    int    `json:"version"`
	Address    string `json:"address"`
	Iterations int    `json:"iterations"`
	Salt       string `json:"salt"`
	Nonce      string `json:"nonce"`
	Ciphertext string `json:"ciphertext"`
}

// KeyConfig says where the relayer's private key comes from. The config
// loader fills it from the relayer section.
type KeyConfig struct {
	// RawPrivateKey is a hex key, with or without 0x. It wins over the file.
	RawPrivateKey string
	// EncryptedKeyPath points at a file written by WriteEncryptedKey.
	EncryptedKeyPath string
	KeyPassword      string
}

func keyAEAD(password string, salt []byte, iterations int) (cipher.AEAD, error) {
	derived := pbkdf2.Key([]byte(password), salt, iterations, aesKeyLen, sha256.New)
	block, err := aes.NewCipher(derived)
	if err != nil {
		return nil, fmt.Errorf("crypto: cipher: %w", err)
	}
	return cipher.NewGCM(block)
}

// EncryptKey seals a hex private key under password and returns the key file
// contents.
func EncryptKey(privateKeyHex, password string) ([]byte, error) {
	if password == "" {
		return nil, errors.New("crypto: password must not be empty")
	}
	signer, err := NewSigner(privateKeyHex)
	if err != nil {
		return nil, err
	}
	keyBytes := ethcrypto.FromECDSA(signer.privateKey)

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("crypto: salt: %w", err)
	}
	aead, err := keyAEAD(password, salt, defaultIterations)
	if err != nil {
		return nil, err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("crypto: nonce: %w", err)
	}

	// The address is bound as associated data so it cannot be swapped.
	addr := signer.Address().Hex()
	out := keyFile{
		Version:    keyFileVersion,
		Address:    addr,
		Iterations: defaultIterations,
		Salt:       base64.StdEncoding.EncodeToString(salt),
		Nonce:      base64.StdEncoding.EncodeToString(nonce),
		Ciphertext: base64.StdEncoding.EncodeToString(aead.Seal(nil, nonce, keyBytes, []byte(addr))),
	}
	return json.MarshalIndent(out, "", "  ")
}

// DecryptKey opens a key file and returns the signer it holds.
func DecryptKey(data []byte, password string) (*Signer, error) {
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return nil, fmt.Errorf("crypto: parse key file: %w", err)
	}
	if kf.Version != keyFileVersion {
		return nil, fmt.Errorf("crypto: unsupported key file version %d", kf.Version)
	}
	if kf.Iterations <= 0 {
		return nil, fmt.Errorf("crypto: key file has no iteration count")
	}

	var parts [3][]byte
	for i, s := range []string{kf.Salt, kf.Nonce, kf.Ciphertext} {
		b, err := base64.StdEncoding.DecodeString(s)
		if err != nil {
			return nil, fmt.Errorf("crypto: decode key file: %w", err)
		}
		parts[i] = b
	}

	aead, err := keyAEAD(password, parts[0], kf.Iterations)
	if err != nil {
		return nil, err
	}
	if len(parts[1]) != aead.NonceSize() {
		return nil, fmt.Errorf("crypto: key file nonce has %d bytes", len(parts[1]))
	}
	plain, err := aead.Open(nil, parts[1], parts[2], []byte(kf.Address))
	if err != nil {
		return nil, ErrWrongPassword
	}

	pk, err := ethcrypto.ToECDSA(plain)
	if err != nil {
		return nil, fmt.Errorf("crypto: key file holds an invalid key: %w", err)
	}
	signer := &Signer{privateKey: pk, address: ethcrypto.PubkeyToAddress(pk.PublicKey)}
	if signer.address != common.HexToAddress(kf.Address) {
		return nil, fmt.Errorf("crypto: key file address %s does not match its key", kf.Address)
	}
	return signer, nil
}

// KeyFileAddress reads the relayer address recorded in a key file without
// decrypting it.
func KeyFileAddress(path string) (common.Address, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return common.Address{}, fmt.Errorf("crypto: read key file: %w", err)
	}
	var kf keyFile
	if err := json.Unmarshal(data, &kf); err != nil {
		return common.Address{}, fmt.Errorf("crypto: parse key file: %w", err)
	}
	if !common.IsHexAddress(kf.Address) {
		return common.Address{}, fmt.Errorf("crypto: key file address %q is malformed", kf.Address)
	}
	return common.HexToAddress(kf.Address), nil
}

// LoadSigner resolves the relayer key described by cfg. A raw key takes
// precedence over the key file.
func LoadSigner(cfg KeyConfig) (*Signer, error) {
	switch {
	case cfg.RawPrivateKey != "":
		return NewSigner(cfg.RawPrivateKey)
	case cfg.EncryptedKeyPath != "":
		data, err := os.ReadFile(cfg.EncryptedKeyPath)
		if err != nil {
			return nil, fmt.Errorf("crypto: read key file: %w", err)
		}
		return DecryptKey(data, cfg.KeyPassword)
	default:
		return nil, ErrNoKeySource
	}
}

// WriteEncryptedKey seals privateKeyHex under password into path with
// owner-only permissions and returns the address it holds.
func WriteEncryptedKey(path, privateKeyHex, password string) (common.Address, error) {
	blob, err := EncryptKey(privateKeyHex, password)
	if err != nil {
		return common.Address{}, err
	}
	if err := os.WriteFile(path, blob, 0o600); err != nil {
		return common.Address{}, fmt.Errorf("crypto: write key file: %w", err)
	}
	return KeyFileAddress(path)
}
