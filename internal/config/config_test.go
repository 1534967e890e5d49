package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/config"
	"fieldproof/internal/domain"
)

func TestDefaultIsValid(t *testing.T) {
	cfg := config.Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "USDC", cfg.Platform.Currency)
	assert.Equal(t, int64(500), cfg.Platform.FeeBps)
	assert.Equal(t, int64(250), cfg.Chain.FeeBps)
	assert.Equal(t, 12*time.Second, cfg.Chain.PollInterval)
	assert.Equal(t, uint64(1000), cfg.Chain.BackfillBlocks)
	assert.Equal(t, 24*time.Hour, cfg.Staking.ReleaseDelay)
	assert.Equal(t, 4*time.Hour, cfg.Claims.Duration)
	assert.Equal(t, domain.ProviderLedger, cfg.Escrow.Provider)
}

func TestFromYAMLKeepsDefaultsForMissingKeys(t *testing.T) {
	cfg, err := config.FromYAML([]byte("platform:\n  fee_bps: 300\n"))
	require.NoError(t, err)
	assert.Equal(t, int64(300), cfg.Platform.FeeBps)
	assert.Equal(t, "USDC", cfg.Platform.Currency)
	assert.Equal(t, int64(1000), cfg.Staking.BaseBps)
}

func TestValidateRejects(t *testing.T) {
	cases := map[string]string{
		"unknown provider":      "escrow:\n  provider: paypal\n",
		"chain without rpc":     "escrow:\n  provider: chain\n",
		"bad contract address":  "escrow:\n  provider: chain\nchain:\n  rpc_url: http://localhost:8545\n  contract_address: nope\n",
		"fee out of range":      "platform:\n  fee_bps: 10001\n",
		"base above max":        "staking:\n  base_bps: 6000\n",
		"max above cap":         "staking:\n  max_bps: 6000\n",
		"min above base":        "staking:\n  min_bps: 1500\n",
		"zero dispute window":   "disputes:\n  window: 0s\n",
		"unknown log format":    "log:\n  format: xml\n",
		"relative server base":  "server:\n  base_path: v0\n",
		"negative rpc pacing":   "chain:\n  rpc_rate_per_second: -1\n",
		"missing platform curr": "platform:\n  currency: \"\"\n",
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.FromYAML([]byte(doc))
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrInvalidConfig)
		})
	}
}

func TestChainProviderConfig(t *testing.T) {
	doc := `escrow:
  provider: chain
chain:
  chain_id: 137
  rpc_url: http://localhost:8545
  contract_address: "0x00000000000000000000000000000000000000aa"
  poll_interval: 5s
`
	cfg, err := config.FromYAML([]byte(doc))
	require.NoError(t, err)
	assert.Equal(t, int64(137), cfg.Chain.ChainID)
	assert.Equal(t, 5*time.Second, cfg.Chain.PollInterval)
}

func TestLoad(t *testing.T) {
	dir := t.TempDir()
	_, err := config.Load(dir)
	require.Error(t, err)

	cfg, err := config.LoadOptional(dir)
	require.NoError(t, err)
	assert.Equal(t, "USDC", cfg.Platform.Currency)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "fieldproof.yml"), []byte("platform:\n  currency: EUR\n"), 0o644))
	cfg, err = config.Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "EUR", cfg.Platform.Currency)
}

func TestRedacted(t *testing.T) {
	cfg := config.Default()
	cfg.Chain.OperatorKey = "deadbeef"
	cfg.Server.JWTSecret = "s3cret"
	red := cfg.Redacted()
	assert.Equal(t, "***", red.Chain.OperatorKey)
	assert.Equal(t, "***", red.Server.JWTSecret)
	assert.Equal(t, "deadbeef", cfg.Chain.OperatorKey)
}
