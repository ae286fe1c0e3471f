package main

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ajitpratap0/tradegate/internal/broker"
	"github.com/ajitpratap0/tradegate/internal/config"
	"github.com/ajitpratap0/tradegate/internal/state"
)

func TestAPIAuthMapsHashedKeysToActors(t *testing.T) {
	auth := apiAuth(config.APIAuthConfig{
		Enabled:    true,
		HeaderName: "X-API-Key",
		Keys: []config.APIKeyEntry{
			{Actor: "alice", SHA256: "aaaa"},
			{Actor: "bob", SHA256: "bbbb"},
		},
	})

	assert.True(t, auth.Enabled)
	assert.Equal(t, "X-API-Key", auth.HeaderName)
	assert.Equal(t, "alice", auth.Keys["aaaa"])
	assert.Equal(t, "bob", auth.Keys["bbbb"])
}

func TestBrokerFactoryPaperUsesProfileEquity(t *testing.T) {
	store := state.NewStore(nil)
	store.UpsertProfile(context.Background(), state.Profile{ID: "prof-1", Equity: 25000})

	cfg := &config.Config{}
	cfg.Broker.Mode = "paper"
	cfg.Broker.PaperSlippagePct = 0.01

	factory := brokerFactory(cfg, store)

	b, err := factory("prof-1")
	require.NoError(t, err)
	paper, ok := b.(*broker.Paper)
	require.True(t, ok)

	acct, err := paper.Account(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 25000.0, acct.Balance)
}

func TestBrokerFactoryRejectsUnknownMode(t *testing.T) {
	cfg := &config.Config{}
	cfg.Broker.Mode = "mt5"

	_, err := brokerFactory(cfg, state.NewStore(nil))("prof-1")
	assert.Error(t, err)
}

func TestMaxOpenForFallsBackToDefaults(t *testing.T) {
	store := state.NewStore(nil)
	store.UpsertProfile(context.Background(), state.Profile{
		ID:   "prof-1",
		Risk: config.RiskParams{MaxPositions: 5},
	})

	cfg := &config.Config{}
	cfg.Risk.MaxPositions = 2
	gw := &gateway{cfg: cfg, store: store}

	assert.Equal(t, 5, gw.maxOpenFor("prof-1"))
	assert.Equal(t, 2, gw.maxOpenFor("prof-unknown"))
}
