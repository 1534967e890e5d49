package app_test

import (
	"bytes"
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"fieldproof/internal/app"
	"fieldproof/internal/config"
	"fieldproof/internal/domain"
	"fieldproof/internal/escrow"
)

func TestBuildLedger(t *testing.T) {
	var logs bytes.Buffer
	a, err := app.Build(context.Background(), app.Options{Workspace: t.TempDir(), Config: config.Default(), LogOutput: &logs})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, domain.ProviderLedger, a.Escrow.Name())
	assert.Nil(t, a.Indexer)
	_, ok := a.Escrow.(*escrow.LedgerProvider)
	assert.True(t, ok)

	families, err := a.Registry.Gather()
	require.NoError(t, err)
	assert.NotEmpty(t, families)
}

func TestBuildChainWithoutOperator(t *testing.T) {
	cfg, err := config.FromYAML([]byte(`escrow:
  provider: chain
chain:
  chain_id: 1337
  rpc_url: http://127.0.0.1:1
  contract_address: "0x00000000000000000000000000000000000000aa"
`))
	require.NoError(t, err)
	var logs bytes.Buffer
	a, err := app.Build(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg, LogOutput: &logs})
	require.NoError(t, err)
	defer a.Close()

	assert.Equal(t, domain.ProviderChain, a.Escrow.Name())
	require.NotNil(t, a.Indexer)
	assert.Contains(t, logs.String(), "operator_key not set")

	cp := a.Escrow.(*escrow.ChainProvider)
	assert.Nil(t, cp.Operator)
}

func TestBuildRejectsInvalidConfig(t *testing.T) {
	cfg := config.Default()
	cfg.Escrow.Provider = "paypal"
	_, err := app.Build(context.Background(), app.Options{Workspace: t.TempDir(), Config: cfg})
	assert.ErrorIs(t, err, domain.ErrInvalidConfig)
}
