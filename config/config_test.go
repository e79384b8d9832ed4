package config

import (
	"math/big"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLoadCreatesDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustd.toml")
	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "leveldb", cfg.Backend)
	require.NotEmpty(t, cfg.ListenAddress)

	// The default file must round-trip.
	_, err = os.Stat(path)
	require.NoError(t, err)
	again, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, cfg, again)
}

func TestLoadParsesAmounts(t *testing.T) {
	path := filepath.Join(t.TempDir(), "trustd.toml")
	require.NoError(t, os.WriteFile(path, []byte(`
ListenAddress = ":9000"
Backend = "memory"
StorageByteCost = "25"
ReservedOverhead = "1000"
OperatorAccount = "ops.trustmesh"
`), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, ":9000", cfg.ListenAddress)
	require.Equal(t, "ops.trustmesh", cfg.OperatorAccount)

	cost, err := cfg.ByteCost()
	require.NoError(t, err)
	require.Zero(t, cost.Cmp(big.NewInt(25)))

	reserved, err := cfg.Reserved()
	require.NoError(t, err)
	require.Zero(t, reserved.Cmp(big.NewInt(1000)))
}

func TestLoadRejectsBadValues(t *testing.T) {
	dir := t.TempDir()

	badBackend := filepath.Join(dir, "backend.toml")
	require.NoError(t, os.WriteFile(badBackend, []byte(`Backend = "oracle"`), 0o600))
	_, err := Load(badBackend)
	require.Error(t, err)

	badCost := filepath.Join(dir, "cost.toml")
	require.NoError(t, os.WriteFile(badCost, []byte(`StorageByteCost = "-4"`), 0o600))
	_, err = Load(badCost)
	require.Error(t, err)
}
