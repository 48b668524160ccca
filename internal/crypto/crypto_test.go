package crypto

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Well-known development key; never funded.
const testKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func TestSignAndVerifyRequest(t *testing.T) {
	s, err := NewSigner("0x" + testKey)
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())

	body := []byte(`{"amount":"50"}`)
	sig, err := s.SignRequest("post", "/api/vaults/v1/funds", 1700000000, body)
	require.NoError(t, err)

	require.NoError(t, VerifyRequest(s.Address(), sig, "POST", "/api/vaults/v1/funds", 1700000000, body))

	tests := []struct {
		name   string
		caller common.Address
		sig    string
		path   string
		ts     int64
		body   []byte
	}{
		{"other caller", common.HexToAddress("0x01"), sig, "/api/vaults/v1/funds", 1700000000, body},
		{"other path", s.Address(), sig, "/api/vaults/v2/funds", 1700000000, body},
		{"other timestamp", s.Address(), sig, "/api/vaults/v1/funds", 1700000001, body},
		{"other body", s.Address(), sig, "/api/vaults/v1/funds", 1700000000, []byte(`{"amount":"51"}`)},
		{"malformed", s.Address(), "0x1234", "/api/vaults/v1/funds", 1700000000, body},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := VerifyRequest(tt.caller, tt.sig, "POST", tt.path, tt.ts, tt.body)
			assert.ErrorIs(t, err, ErrBadSignature)
		})
	}
}

func TestEncryptedKeyRoundTrip(t *testing.T) {
	want := common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	path := filepath.Join(t.TempDir(), "relayer.json")
	addr, err := WriteEncryptedKey(path, testKey, "hunter2")
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	addr, err = KeyFileAddress(path)
	require.NoError(t, err)
	assert.Equal(t, want, addr)

	s, err := LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "hunter2"})
	require.NoError(t, err)
	assert.Equal(t, want, s.Address())

	_, err = LoadSigner(KeyConfig{EncryptedKeyPath: path, KeyPassword: "wrong"})
	assert.ErrorIs(t, err, ErrWrongPassword)

	_, err = LoadSigner(KeyConfig{})
	assert.ErrorIs(t, err, ErrNoKeySource)
}

func TestKeyFileBindsAddress(t *testing.T) {
	blob, err := EncryptKey(testKey, "hunter2")
	require.NoError(t, err)

	var kf keyFile
	require.NoError(t, json.Unmarshal(blob, &kf))
	kf.Address = common.HexToAddress("0x01").Hex()
	tampered, err := json.Marshal(kf)
	require.NoError(t, err)

	_, err = DecryptKey(tampered, "hunter2")
	assert.ErrorIs(t, err, ErrWrongPassword)
}

func TestRawKeyWinsOverFile(t *testing.T) {
	s, err := LoadSigner(KeyConfig{RawPrivateKey: "0x" + testKey, EncryptedKeyPath: "/does/not/exist"})
	require.NoError(t, err)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), s.Address())
}
