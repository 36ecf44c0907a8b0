// Package valuation holds the trusted valuation ledger and the consensus
// engine that feeds it. The ledger is the single source of truth for the
// latest finalized value per reference asset and for attestor standing.
package valuation

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/solvena/polisvault/internal/clock"
	"github.com/solvena/polisvault/internal/config"
	"github.com/solvena/polisvault/internal/transfer"
	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/models"
)

// StakeCurrency denominates attestor stakes and submission rewards.
const StakeCurrency = "pUSD"

// RewardFundAccount funds per-submission attestor rewards. Operators top it
// up through the transfer ledger.
var RewardFundAccount = uuid.NewSHA1(uuid.NameSpaceOID, []byte("polisvault.valuation.rewards"))

// Ledger stores per-asset trusted valuations and the attestor registry.
type Ledger struct {
	mu     sync.RWMutex
	logger *zap.Logger
	db     *gorm.DB
	clk    clock.Clock
	ledger transfer.Ledger
	cfg    config.ConsensusConfig
}

// NewLedger creates the valuation ledger.
func NewLedger(logger *zap.Logger, db *gorm.DB, clk clock.Clock, tl transfer.Ledger, cfg config.ConsensusConfig) *Ledger {
	return &Ledger{logger: logger, db: db, clk: clk, ledger: tl, cfg: cfg}
}

// RegisterAttestor admits a new attestor, locking its stake in the transfer
// ledger. The stake must meet the configured minimum.
func (l *Ledger) RegisterAttestor(ctx context.Context, name string, operator uuid.UUID, stake decimal.Decimal) (*models.Attestor, error) {
	if name == "" {
		return nil, errors.Validation("attestor name is required")
	}
	if stake.LessThan(l.cfg.MinStakeAmount()) {
		return nil, errors.Policy("min_stake", "stake %s below minimum %s", stake, l.cfg.MinStake)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	att := &models.Attestor{
		ID:           uuid.New(),
		Name:         name,
		Reputation:   l.cfg.InitialReputationBps,
		Stake:        stake,
		Active:       true,
		LastActiveAt: now,
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing models.Attestor
		if err := tx.First(&existing, "name = ?", name).Error; err == nil {
			return errors.Conflict("attestor %q already registered", name)
		} else if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Internal(err, "attestor lookup failed")
		}
		if err := l.ledger.WithTx(tx).Debit(ctx, operator, StakeCurrency, stake); err != nil {
			return err
		}
		if err := tx.Create(att).Error; err != nil {
			return errors.Internal(err, "attestor create failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("attestor registered",
		zap.String("attestor_id", att.ID.String()),
		zap.String("name", name),
		zap.String("stake", stake.String()))
	return att, nil
}

// ReleaseStake returns a deactivated attestor's stake to the given operator
// account. This is a deliberate governance action, never automatic, so a
// slashed attestor cannot instantly re-enter with the same funds.
func (l *Ledger) ReleaseStake(ctx context.Context, attestorID, operator uuid.UUID) (decimal.Decimal, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	var released decimal.Decimal
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var att models.Attestor
		if err := tx.First(&att, "id = ?", attestorID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NotFound("attestor %s not found", attestorID)
			}
			return errors.Internal(err, "attestor lookup failed")
		}
		if att.Active {
			return errors.Policy("attestor_active", "attestor %s is still active", attestorID)
		}
		if att.Stake.Sign() <= 0 {
			return errors.Conflict("stake for attestor %s already released", attestorID)
		}
		released = att.Stake
		if err := l.ledger.WithTx(tx).Credit(ctx, operator, StakeCurrency, released); err != nil {
			return err
		}
		att.Stake = decimal.Zero
		if err := tx.Save(&att).Error; err != nil {
			return errors.Internal(err, "attestor update failed")
		}
		return nil
	})
	if err != nil {
		return decimal.Zero, err
	}
	l.logger.Info("stake released",
		zap.String("attestor_id", attestorID.String()),
		zap.String("amount", released.String()))
	return released, nil
}

// Attestor returns the registry row for one attestor.
func (l *Ledger) Attestor(ctx context.Context, attestorID uuid.UUID) (*models.Attestor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var att models.Attestor
	if err := l.db.WithContext(ctx).First(&att, "id = ?", attestorID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("attestor %s not found", attestorID)
		}
		return nil, errors.Internal(err, "attestor lookup failed")
	}
	return &att, nil
}

// Attestors lists the registry, active first.
func (l *Ledger) Attestors(ctx context.Context) ([]models.Attestor, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var atts []models.Attestor
	if err := l.db.WithContext(ctx).Order("active DESC, reputation DESC").Find(&atts).Error; err != nil {
		return nil, errors.Internal(err, "attestor list failed")
	}
	return atts, nil
}

// Latest returns the most recent finalized valuation for an asset.
func (l *Ledger) Latest(ctx context.Context, assetID string) (*models.AssetValuation, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.latest(ctx, l.db, assetID)
}

// LatestIn is Latest bound to the caller's transaction handle, so engines
// reading valuations mid-mutation observe their own snapshot. The caller's
// transaction, not the ledger mutex, isolates the read; taking the mutex
// here while the caller holds a pooled connection would invert the lock
// order against Finalize.
func (l *Ledger) LatestIn(ctx context.Context, db *gorm.DB, assetID string) (*models.AssetValuation, error) {
	return l.latest(ctx, db, assetID)
}

func (l *Ledger) latest(ctx context.Context, db *gorm.DB, assetID string) (*models.AssetValuation, error) {
	var val models.AssetValuation
	if err := db.WithContext(ctx).First(&val, "asset_id = ?", assetID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("no valuation for asset %q", assetID)
		}
		return nil, errors.Internal(err, "valuation lookup failed")
	}
	return &val, nil
}

// IsStale reports whether the asset's valuation is missing or older than the
// configured staleness bound. Missing counts as stale.
func (l *Ledger) IsStale(ctx context.Context, assetID string) (bool, error) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.IsStaleIn(ctx, l.db, assetID)
}

// IsStaleIn is IsStale bound to the caller's transaction handle, lock-free
// for the same reason as LatestIn.
func (l *Ledger) IsStaleIn(ctx context.Context, db *gorm.DB, assetID string) (bool, error) {
	val, err := l.LatestIn(ctx, db, assetID)
	if err != nil {
		if errors.IsKind(err, errors.KindNotFound) {
			return true, nil
		}
		return true, err
	}
	return l.clk.Now().Sub(val.AsOf) > l.cfg.StalenessBound, nil
}

// record writes a finalized consensus value. The ledger timestamp never moves
// backwards even if rounds finalize out of order.
func (l *Ledger) record(ctx context.Context, tx *gorm.DB, assetID string, value decimal.Decimal, roundID uuid.UUID, asOf time.Time) error {
	var existing models.AssetValuation
	err := tx.WithContext(ctx).First(&existing, "asset_id = ?", assetID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		existing = models.AssetValuation{AssetID: assetID}
	case err != nil:
		return errors.Internal(err, "valuation lookup failed")
	default:
		if asOf.Before(existing.AsOf) {
			return errors.Consistency("valuation timestamp for %q would regress: %s < %s", assetID, asOf, existing.AsOf)
		}
	}
	existing.Value = value
	existing.AsOf = asOf
	existing.RoundID = roundID
	if err := tx.WithContext(ctx).Save(&existing).Error; err != nil {
		return errors.Internal(err, "valuation write failed")
	}
	return nil
}
