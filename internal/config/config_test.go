package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/solvena/polisvault/internal/config"
)

func TestDefaults(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	assert.Equal(t, 3, cfg.Consensus.MinQuorum)
	assert.EqualValues(t, 500, cfg.Consensus.MaxDeviationBps)
	assert.EqualValues(t, 6000, cfg.Consensus.AgreementThresholdBps)
	assert.EqualValues(t, 8000, cfg.Vault.MaxLTVBps)
	assert.EqualValues(t, 9000, cfg.Vault.LiquidationThresholdBps)
	assert.EqualValues(t, 300, cfg.Waterfall.SeniorMinRateBps)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Consensus.MinStakeAmount().IsZero())
}

func TestValidateRejectsBadParameters(t *testing.T) {
	cfg, err := config.LoadConfig("")
	require.NoError(t, err)

	cfg.Vault.LiquidationThresholdBps = cfg.Vault.MaxLTVBps
	assert.Error(t, cfg.Validate(), "liquidation threshold must sit strictly above max LTV")

	cfg, _ = config.LoadConfig("")
	cfg.Consensus.MinQuorum = 0
	assert.Error(t, cfg.Validate())

	cfg, _ = config.LoadConfig("")
	cfg.Consensus.AgreementThresholdBps = 10001
	assert.Error(t, cfg.Validate())

	cfg, _ = config.LoadConfig("")
	cfg.Consensus.MinStake = "not-a-number"
	assert.Error(t, cfg.Validate())
}
