package app

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/copyvault/internal/config"
)

const relayerKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// embeddedConfig runs on leveldb with every networked backend disabled.
func embeddedConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.Defaults()
	cfg.Storage.Driver = "leveldb"
	cfg.LevelDB.Path = filepath.Join(t.TempDir(), "node.ldb")
	cfg.Redis.Enabled = false
	cfg.Server.RateLimit = 0
	require.NoError(t, cfg.Validate())
	return &cfg
}

func wire(t *testing.T, cfg *config.Config) *Dependencies {
	t.Helper()
	deps, cleanup, err := Wire(context.Background(), cfg, quietLogger())
	require.NoError(t, err)
	t.Cleanup(cleanup)
	return deps
}

func TestAdminAddresses(t *testing.T) {
	cfg := config.Defaults()
	cfg.Server.AdminAddresses = []string{
		"0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266",
		"not-an-address",
	}
	got := adminAddresses(&cfg)
	require.Len(t, got, 1)
	assert.Equal(t, common.HexToAddress("0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266"), got[0])
}

func TestWireEmbeddedNode(t *testing.T) {
	deps := wire(t, embeddedConfig(t))

	assert.NotNil(t, deps.VaultStore)
	assert.NotNil(t, deps.EventStore)
	assert.NotNil(t, deps.ConditionStore)
	assert.NotNil(t, deps.CreditStore)
	assert.Nil(t, deps.AuditStore)
	assert.Nil(t, deps.ReplayGuard)
	assert.Nil(t, deps.SignalBus)
	assert.Nil(t, deps.LockManager)
	assert.Nil(t, deps.JournalArchiver)
	assert.Nil(t, deps.Relayer)
	assert.Empty(t, deps.Pingers)
	assert.False(t, deps.Notifier.Enabled())
}

func TestWireRejectsUnknownDriver(t *testing.T) {
	cfg := embeddedConfig(t)
	cfg.Storage.Driver = "sqlite"
	_, _, err := Wire(context.Background(), cfg, quietLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), `unknown storage driver "sqlite"`)
}

func TestBuildNodeWithoutRelayer(t *testing.T) {
	cfg := embeddedConfig(t)
	deps := wire(t, cfg)

	a := New(cfg, quietLogger())
	defer a.Close()

	n, err := a.buildNode(context.Background(), deps)
	require.NoError(t, err)
	assert.NotNil(t, n.vaults)
	assert.NotNil(t, n.watcher)
	assert.NotNil(t, n.reconciler)
	assert.NotNil(t, n.book)
	assert.Nil(t, n.relayer)
	assert.Nil(t, n.onResolved())
	assert.Empty(t, n.ledger.Conditions())
}

func TestBuildNodeWithRelayer(t *testing.T) {
	cfg := embeddedConfig(t)
	cfg.Relayer.Enabled = true
	cfg.Relayer.PrivateKey = relayerKey
	deps := wire(t, cfg)
	require.NotNil(t, deps.Relayer)

	a := New(cfg, quietLogger())
	n, err := a.buildNode(context.Background(), deps)
	require.NoError(t, err)
	require.NotNil(t, n.relayer)
	assert.Equal(t, deps.Relayer.Address(), n.relayer.Address())
	assert.NotNil(t, n.onResolved())

	a.Close()
	a.Close()
}

func TestBuildNodeRedisOracleNeedsCache(t *testing.T) {
	cfg := embeddedConfig(t)
	cfg.Oracle.Source = "redis"
	deps := wire(t, cfg)

	a := New(cfg, quietLogger())
	defer a.Close()
	_, err := a.buildNode(context.Background(), deps)
	require.Error(t, err)
}

func TestWatchModeStopsCleanly(t *testing.T) {
	cfg := embeddedConfig(t)
	cfg.Mode = "watch"
	deps := wire(t, cfg)

	a := New(cfg, quietLogger())
	defer a.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	assert.NoError(t, a.WatchMode(ctx, deps))
}
