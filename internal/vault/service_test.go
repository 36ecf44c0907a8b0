package vault_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/solvena/polisvault/internal/clock"
	"github.com/solvena/polisvault/internal/compliance"
	"github.com/solvena/polisvault/internal/config"
	"github.com/solvena/polisvault/internal/database"
	"github.com/solvena/polisvault/internal/transfer"
	"github.com/solvena/polisvault/internal/valuation"
	"github.com/solvena/polisvault/internal/vault"
	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/models"
)

type vaultEnv struct {
	db         *gorm.DB
	clk        *clock.Mock
	ledger     transfer.Ledger
	compliance compliance.Service
	valuations *valuation.Ledger
	consensus  *valuation.Engine
	vault      *vault.Service
	events     *eventRecorder
	operator   uuid.UUID
	attestors  []uuid.UUID
}

// eventRecorder captures published position events for assertions.
type eventRecorder struct {
	events []vault.PositionEvent
}

func (r *eventRecorder) Publish(_ context.Context, ev vault.PositionEvent) error {
	r.events = append(r.events, ev)
	return nil
}

func (r *eventRecorder) Close() error { return nil }

func setupVault(t *testing.T) *vaultEnv {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))

	logger := zap.NewNop()
	clk := clock.NewMock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	ledger := transfer.NewLedger(logger, db)
	comp := compliance.NewService(logger, db)

	ccfg := config.ConsensusConfig{
		MinQuorum:             3,
		MaxDeviationBps:       500,
		AgreementThresholdBps: 6000,
		ReputationRewardBps:   100,
		ReputationPenaltyBps:  500,
		ReputationFloorBps:    2500,
		InitialReputationBps:  5000,
		SubmissionReward:      "0",
		MinStake:              "1000",
		StalenessBound:        24 * time.Hour,
	}
	vl := valuation.NewLedger(logger, db, clk, ledger, ccfg)
	engine := valuation.NewEngine(logger, vl, nil, valuation.RewardFundAccount)

	vcfg := config.VaultConfig{
		MaxLTVBps:               8000,
		LiquidationThresholdBps: 9000,
		ConcentrationCapBps:     2500,
		ConcentrationFloor:      "4000",
		LiquidationPenaltyBps:   500,
		CallerShareBps:          4000,
	}
	events := &eventRecorder{}
	svc := vault.NewService(logger, db, clk, vl, comp, ledger, events, vcfg)

	env := &vaultEnv{
		db: db, clk: clk, ledger: ledger, compliance: comp,
		valuations: vl, consensus: engine, vault: svc, events: events, operator: uuid.New(),
	}
	ctx := context.Background()
	require.NoError(t, ledger.Credit(ctx, env.operator, valuation.StakeCurrency, decimal.NewFromInt(100000)))
	for _, name := range []string{"attestor-1", "attestor-2", "attestor-3"} {
		att, err := vl.RegisterAttestor(ctx, name, env.operator, decimal.NewFromInt(1000))
		require.NoError(t, err)
		env.attestors = append(env.attestors, att.ID)
	}
	return env
}

// setValuation runs a full consensus round so the vault sees a fresh value.
func (e *vaultEnv) setValuation(t *testing.T, assetID string, value decimal.Decimal) {
	t.Helper()
	ctx := context.Background()
	round, err := e.consensus.OpenRound(ctx, assetID, e.clk.Now().Add(time.Hour))
	require.NoError(t, err)
	for _, id := range e.attestors {
		require.NoError(t, e.consensus.Submit(ctx, round.ID, id, value, ""))
	}
	result, err := e.consensus.Finalize(ctx, round.ID)
	require.NoError(t, err)
	require.True(t, result.ConsensusReached)
}

// newOwner returns an eligible account funded with collateral and debt
// currency.
func (e *vaultEnv) newOwner(t *testing.T, assetID string, collateral int64) uuid.UUID {
	t.Helper()
	ctx := context.Background()
	owner := uuid.New()
	require.NoError(t, e.compliance.Approve(ctx, owner, "US"))
	require.NoError(t, e.ledger.Credit(ctx, owner, assetID, decimal.NewFromInt(collateral)))
	return owner
}

func TestOpenPositionLTVEnforcement(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))
	owner := env.newOwner(t, "policy-pool-1", 2000)

	// 850/1000 = 8500 bps over the 8000 cap
	_, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(1000), decimal.NewFromInt(850))
	assert.True(t, errors.Is(err, errors.Policy("ltv_exceeded", "")))

	pos, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(1000), decimal.NewFromInt(800))
	require.NoError(t, err)

	ltv, err := env.vault.CurrentLTV(ctx, pos.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 8000, ltv)

	// debt tokens were issued, collateral moved to custody
	debtBal, err := env.ledger.Balance(ctx, owner, vault.DebtCurrency)
	require.NoError(t, err)
	assert.True(t, debtBal.Equal(decimal.NewFromInt(800)))
	assetBal, err := env.ledger.Balance(ctx, owner, "policy-pool-1")
	require.NoError(t, err)
	assert.True(t, assetBal.Equal(decimal.NewFromInt(1000)))

	exposure, err := env.vault.Exposure(ctx, "issuer-a")
	require.NoError(t, err)
	assert.True(t, exposure.Equal(decimal.NewFromInt(1000)))
}

func TestOpenRequiresFreshValuationAndEligibility(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	owner := env.newOwner(t, "policy-pool-1", 1000)

	_, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(100), decimal.NewFromInt(50))
	assert.True(t, errors.Is(err, errors.Policy("stale_valuation", "")), "missing valuation counts as stale")

	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))

	stranger := uuid.New()
	_, err = env.vault.Open(ctx, stranger, "policy-pool-1", "issuer-a", decimal.NewFromInt(100), decimal.NewFromInt(50))
	assert.True(t, errors.Is(err, errors.Policy("ineligible_account", "")))

	env.clk.Advance(25 * time.Hour)
	_, err = env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(100), decimal.NewFromInt(50))
	assert.True(t, errors.Is(err, errors.Policy("stale_valuation", "")))
}

func TestAddCollateralAndRepayKeepLTVInvariant(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(2))
	owner := env.newOwner(t, "policy-pool-1", 1000)

	pos, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(500), decimal.NewFromInt(700))
	require.NoError(t, err)
	ltv, err := env.vault.CurrentLTV(ctx, pos.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 7000, ltv)

	pos, err = env.vault.AddCollateral(ctx, pos.ID, decimal.NewFromInt(200))
	require.NoError(t, err)
	assert.True(t, pos.Collateral.Equal(decimal.NewFromInt(700)))
	ltv, err = env.vault.CurrentLTV(ctx, pos.ID)
	require.NoError(t, err)
	assert.EqualValues(t, 5000, ltv)

	pos, err = env.vault.RepayDebt(ctx, pos.ID, decimal.NewFromInt(300))
	require.NoError(t, err)
	assert.True(t, pos.Debt.Equal(decimal.NewFromInt(400)))

	_, err = env.vault.RepayDebt(ctx, pos.ID, decimal.NewFromInt(4000))
	assert.True(t, errors.IsKind(err, errors.KindValidation))

	// close requires zero debt, then returns collateral
	_, err = env.vault.Close(ctx, pos.ID)
	assert.True(t, errors.Is(err, errors.Policy("outstanding_debt", "")))
	_, err = env.vault.RepayDebt(ctx, pos.ID, decimal.NewFromInt(400))
	require.NoError(t, err)
	pos, err = env.vault.Close(ctx, pos.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PositionClosed, pos.Status)

	assetBal, err := env.ledger.Balance(ctx, owner, "policy-pool-1")
	require.NoError(t, err)
	assert.True(t, assetBal.Equal(decimal.NewFromInt(1000)), "all collateral returned")

	exposure, err := env.vault.Exposure(ctx, "issuer-a")
	require.NoError(t, err)
	assert.True(t, exposure.IsZero())
}

// Scenario: collateral 1000 at valuation 1, debt 800 repriced to LTV 0.85 by
// a consensus value drop; not liquidatable by ratio until 0.90 is crossed,
// but stale data alone makes it liquidatable.
func TestLiquidatableByStalenessAndRatio(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))
	owner := env.newOwner(t, "policy-pool-1", 1000)

	pos, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(1000), decimal.NewFromInt(800))
	require.NoError(t, err)

	// reprice to 0.9412: LTV = 800 / 941.2 ≈ 8500 bps, between max and threshold
	env.clk.Advance(time.Hour)
	env.setValuation(t, "policy-pool-1", decimal.NewFromFloat(0.9412))
	ok, trigger, err := env.vault.IsLiquidatable(ctx, pos.ID)
	require.NoError(t, err)
	assert.False(t, ok, "between maxLTV and liquidation threshold is unsafe but not yet liquidatable")
	assert.Empty(t, trigger)

	// staleness flips it without any price move
	env.clk.Advance(25 * time.Hour)
	ok, trigger, err = env.vault.IsLiquidatable(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "stale", trigger)

	// fresh but collapsed price liquidates by ratio
	env.setValuation(t, "policy-pool-1", decimal.NewFromFloat(0.8))
	ok, trigger, err = env.vault.IsLiquidatable(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "ratio", trigger)
}

func TestLiquidateIdempotence(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))
	owner := env.newOwner(t, "policy-pool-1", 1000)
	caller := uuid.New()

	pos, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(1000), decimal.NewFromInt(800))
	require.NoError(t, err)

	_, err = env.vault.Liquidate(ctx, pos.ID, caller)
	assert.True(t, errors.Is(err, errors.Policy("not_liquidatable", "")))

	env.clk.Advance(25 * time.Hour) // valuation ages out

	liquidated, err := env.vault.Liquidate(ctx, pos.ID, caller)
	require.NoError(t, err)
	assert.Equal(t, models.PositionLiquidated, liquidated.Status)
	assert.True(t, liquidated.Debt.IsZero())

	// caller got 40% of the 5% penalty: 1000 * 0.05 * 0.40 = 20
	callerBal, err := env.ledger.Balance(ctx, caller, "policy-pool-1")
	require.NoError(t, err)
	assert.True(t, callerBal.Equal(decimal.NewFromInt(20)))
	reserveBal, err := env.ledger.Balance(ctx, vault.ReserveAccount, "policy-pool-1")
	require.NoError(t, err)
	assert.True(t, reserveBal.Equal(decimal.NewFromInt(980)))

	// second liquidation conflicts and changes nothing
	_, err = env.vault.Liquidate(ctx, pos.ID, caller)
	assert.True(t, errors.IsKind(err, errors.KindConflict))
	callerBal, err = env.ledger.Balance(ctx, caller, "policy-pool-1")
	require.NoError(t, err)
	assert.True(t, callerBal.Equal(decimal.NewFromInt(20)))

	exposure, err := env.vault.Exposure(ctx, "issuer-a")
	require.NoError(t, err)
	assert.True(t, exposure.IsZero())

	// terminal positions reject further mutation
	_, err = env.vault.AddCollateral(ctx, pos.ID, decimal.NewFromInt(1))
	assert.True(t, errors.IsKind(err, errors.KindConflict))
}

func TestConcentrationCap(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))

	ownerA := env.newOwner(t, "policy-pool-1", 5000)
	ownerB := env.newOwner(t, "policy-pool-1", 5000)

	// bootstrapping issuers are measured against the 4000 denominator floor
	_, err := env.vault.Open(ctx, ownerA, "policy-pool-1", "issuer-a", decimal.NewFromInt(100), decimal.NewFromInt(50))
	require.NoError(t, err)
	_, err = env.vault.Open(ctx, ownerB, "policy-pool-1", "issuer-b", decimal.NewFromInt(900), decimal.NewFromInt(450))
	require.NoError(t, err)

	// issuer-a at exactly the 25% cap: 1000 / max(1900, 4000)
	_, err = env.vault.Open(ctx, ownerA, "policy-pool-1", "issuer-a", decimal.NewFromInt(900), decimal.NewFromInt(450))
	require.NoError(t, err)

	// one more admission tips it over
	_, err = env.vault.Open(ctx, ownerA, "policy-pool-1", "issuer-a", decimal.NewFromInt(10), decimal.NewFromInt(5))
	assert.True(t, errors.Is(err, errors.Policy("concentration_cap", "")))

	exposure, err := env.vault.Exposure(ctx, "issuer-a")
	require.NoError(t, err)
	assert.True(t, exposure.Equal(decimal.NewFromInt(1000)), "rejected position must not change exposure")
}

func TestOpenValidation(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))
	owner := env.newOwner(t, "policy-pool-1", 1000)

	_, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.Zero, decimal.NewFromInt(10))
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	_, err = env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(10), decimal.NewFromInt(-1))
	assert.True(t, errors.IsKind(err, errors.KindValidation))
	_, err = env.vault.Open(ctx, owner, "", "issuer-a", decimal.NewFromInt(10), decimal.NewFromInt(1))
	assert.True(t, errors.IsKind(err, errors.KindValidation))
}

func TestOpenTopUpLiquidateFlow(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))
	owner := env.newOwner(t, "policy-pool-1", 1000)

	pos, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(500), decimal.NewFromInt(300))
	require.NoError(t, err)

	pos, err = env.vault.AddCollateral(ctx, pos.ID, decimal.NewFromInt(100))
	require.NoError(t, err)
	assert.True(t, pos.Collateral.Equal(decimal.NewFromInt(600)))

	// age the valuation out so the stale trigger fires inside the
	// liquidation transaction
	env.clk.Advance(25 * time.Hour)
	caller := uuid.New()
	pos, err = env.vault.Liquidate(ctx, pos.ID, caller)
	require.NoError(t, err)
	assert.Equal(t, models.PositionLiquidated, pos.Status)
	assert.True(t, pos.Debt.IsZero())
}

func TestMutationsPublishRecomputedLTV(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))
	owner := env.newOwner(t, "policy-pool-1", 1000)

	pos, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(500), decimal.NewFromInt(350))
	require.NoError(t, err)
	_, err = env.vault.AddCollateral(ctx, pos.ID, decimal.NewFromInt(200))
	require.NoError(t, err)
	_, err = env.vault.RepayDebt(ctx, pos.ID, decimal.NewFromInt(70))
	require.NoError(t, err)

	require.Len(t, env.events.events, 3)
	assert.Equal(t, "opened", env.events.events[0].Type)
	assert.EqualValues(t, 7000, env.events.events[0].LTVBps)
	assert.Equal(t, "collateral_added", env.events.events[1].Type)
	assert.EqualValues(t, 5000, env.events.events[1].LTVBps)
	assert.Equal(t, "debt_repaid", env.events.events[2].Type)
	assert.EqualValues(t, 4000, env.events.events[2].LTVBps)
}

func TestConsistencyFailureHaltsPosition(t *testing.T) {
	env := setupVault(t)
	ctx := context.Background()
	env.setValuation(t, "policy-pool-1", decimal.NewFromInt(1))
	owner := env.newOwner(t, "policy-pool-1", 1000)

	pos, err := env.vault.Open(ctx, owner, "policy-pool-1", "issuer-a", decimal.NewFromInt(500), decimal.NewFromInt(100))
	require.NoError(t, err)
	_, err = env.vault.RepayDebt(ctx, pos.ID, decimal.NewFromInt(100))
	require.NoError(t, err)

	// corrupt the exposure table so retiring the position would drive the
	// issuer's exposure negative
	require.NoError(t, env.db.Model(&models.IssuerExposure{}).
		Where("issuer_id = ?", "issuer-a").
		Update("exposure", decimal.NewFromInt(10)).Error)

	_, err = env.vault.Close(ctx, pos.ID)
	require.True(t, errors.IsKind(err, errors.KindConsistency))

	got, err := env.vault.Position(ctx, pos.ID)
	require.NoError(t, err)
	assert.True(t, got.Halted, "consistency failure must flag the position")
	assert.Equal(t, models.PositionOpen, got.Status, "the failed close rolls back")

	// a halted position refuses further mutation
	_, err = env.vault.AddCollateral(ctx, pos.ID, decimal.NewFromInt(1))
	assert.True(t, errors.IsKind(err, errors.KindConsistency))
}
