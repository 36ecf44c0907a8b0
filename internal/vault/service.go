package vault

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/solvena/polisvault/internal/clock"
	"github.com/solvena/polisvault/internal/compliance"
	"github.com/solvena/polisvault/internal/config"
	"github.com/solvena/polisvault/internal/transfer"
	"github.com/solvena/polisvault/internal/valuation"
	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/metrics"
	"github.com/solvena/polisvault/pkg/models"
)

// DebtCurrency denominates issued claims against collateral.
const DebtCurrency = "pUSD"

// Well-known internal accounts. Collateral sits in custody while a position
// is open; liquidation proceeds accrue to the reserve.
var (
	CustodyAccount = uuid.NewSHA1(uuid.NameSpaceOID, []byte("polisvault.vault.custody"))
	ReserveAccount = uuid.NewSHA1(uuid.NameSpaceOID, []byte("polisvault.vault.reserve"))
)

var bpsScale = decimal.NewFromInt(models.BasisPointScale)

// Service is the collateral risk engine.
type Service struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	db         *gorm.DB
	clk        clock.Clock
	valuations *valuation.Ledger
	compliance compliance.Service
	ledger     transfer.Ledger
	events     Publisher
	cfg        config.VaultConfig
}

// NewService creates the vault risk engine.
func NewService(logger *zap.Logger, db *gorm.DB, clk clock.Clock, vl *valuation.Ledger, comp compliance.Service, tl transfer.Ledger, events Publisher, cfg config.VaultConfig) *Service {
	if events == nil {
		events = NopPublisher{}
	}
	return &Service{
		logger:     logger,
		db:         db,
		clk:        clk,
		valuations: vl,
		compliance: comp,
		ledger:     tl,
		events:     events,
		cfg:        cfg,
	}
}

// Open admits a new collateral position. The referenced valuation must be
// fresh, the requested debt must respect the max LTV and the issuer must stay
// under the concentration cap.
func (s *Service) Open(ctx context.Context, owner uuid.UUID, assetID, issuerID string, collateral, requestedDebt decimal.Decimal) (*models.CollateralPosition, error) {
	if collateral.Sign() <= 0 {
		return nil, errors.Validation("collateral must be positive, got %s", collateral)
	}
	if requestedDebt.Sign() <= 0 {
		return nil, errors.Validation("requested debt must be positive, got %s", requestedDebt)
	}
	if assetID == "" || issuerID == "" {
		return nil, errors.Validation("asset id and issuer id are required")
	}

	eligible, err := s.compliance.IsEligible(ctx, owner)
	if err != nil {
		return nil, err
	}
	if !eligible {
		return nil, errors.Policy("ineligible_account", "account %s is not eligible", owner)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	pos := &models.CollateralPosition{
		ID:                   uuid.New(),
		Owner:                owner,
		AssetID:              assetID,
		IssuerID:             issuerID,
		Collateral:           collateral,
		Debt:                 requestedDebt,
		LiquidationThreshold: s.cfg.LiquidationThresholdBps,
		Status:               models.PositionOpen,
		OpenedAt:             now,
	}

	var collateralValue decimal.Decimal
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		stale, err := s.valuations.IsStaleIn(ctx, tx, assetID)
		if err != nil {
			return err
		}
		if stale {
			return errors.Policy("stale_valuation", "valuation for asset %q is stale or missing", assetID)
		}
		val, err := s.valuations.LatestIn(ctx, tx, assetID)
		if err != nil {
			return err
		}

		collateralValue = collateral.Mul(val.Value)
		if exceedsBps(requestedDebt, collateralValue, s.cfg.MaxLTVBps) {
			return errors.Policy("ltv_exceeded", "requested LTV %d bps exceeds max %d bps",
				ratioBps(requestedDebt, collateralValue), s.cfg.MaxLTVBps)
		}
		pos.ExposureContribution = collateralValue

		if err := s.checkConcentration(ctx, tx, issuerID, collateralValue); err != nil {
			return err
		}
		tl := s.ledger.WithTx(tx)
		if err := tl.Debit(ctx, owner, assetID, collateral); err != nil {
			return err
		}
		if err := tl.Credit(ctx, CustodyAccount, assetID, collateral); err != nil {
			return err
		}
		if err := tl.Credit(ctx, owner, DebtCurrency, requestedDebt); err != nil {
			return err
		}
		if err := s.bumpExposure(ctx, tx, issuerID, collateralValue); err != nil {
			return err
		}
		if err := tx.Create(pos).Error; err != nil {
			return errors.Internal(err, "position create failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	ltv := ratioBps(pos.Debt, collateralValue)
	s.publishLTV(ctx, pos, "opened", ltv, "")
	s.logger.Info("position opened",
		zap.String("position_id", pos.ID.String()),
		zap.String("asset_id", assetID),
		zap.String("issuer_id", issuerID),
		zap.Int64("ltv_bps", ltv))
	return pos, nil
}

// AddCollateral tops up an open position and republishes its LTV.
func (s *Service) AddCollateral(ctx context.Context, positionID uuid.UUID, amount decimal.Decimal) (*models.CollateralPosition, error) {
	if amount.Sign() <= 0 {
		return nil, errors.Validation("top-up amount must be positive, got %s", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos *models.CollateralPosition
	var ltv int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pos, err = s.openPosition(ctx, tx, positionID)
		if err != nil {
			return err
		}
		val, err := s.valuations.LatestIn(ctx, tx, pos.AssetID)
		if err != nil {
			return err
		}
		addedValue := amount.Mul(val.Value)

		tl := s.ledger.WithTx(tx)
		if err := tl.Debit(ctx, pos.Owner, pos.AssetID, amount); err != nil {
			return err
		}
		if err := tl.Credit(ctx, CustodyAccount, pos.AssetID, amount); err != nil {
			return err
		}
		pos.Collateral = pos.Collateral.Add(amount)
		pos.ExposureContribution = pos.ExposureContribution.Add(addedValue)
		if err := s.bumpExposure(ctx, tx, pos.IssuerID, addedValue); err != nil {
			return err
		}
		if err := tx.Save(pos).Error; err != nil {
			return errors.Internal(err, "position update failed")
		}
		ltv = ratioBps(pos.Debt, pos.Collateral.Mul(val.Value))
		return nil
	})
	if err != nil {
		return nil, s.haltOnConsistency(ctx, positionID, err)
	}

	s.publishLTV(ctx, pos, "collateral_added", ltv, "")
	return pos, nil
}

// RepayDebt reduces a position's debt and republishes its LTV.
func (s *Service) RepayDebt(ctx context.Context, positionID uuid.UUID, amount decimal.Decimal) (*models.CollateralPosition, error) {
	if amount.Sign() <= 0 {
		return nil, errors.Validation("repay amount must be positive, got %s", amount)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos *models.CollateralPosition
	var ltv int64
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pos, err = s.openPosition(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if amount.GreaterThan(pos.Debt) {
			return errors.Validation("repay amount %s exceeds outstanding debt %s", amount, pos.Debt)
		}
		tl := s.ledger.WithTx(tx)
		if err := tl.Debit(ctx, pos.Owner, DebtCurrency, amount); err != nil {
			return err
		}
		pos.Debt = pos.Debt.Sub(amount)
		if err := tx.Save(pos).Error; err != nil {
			return errors.Internal(err, "position update failed")
		}
		val, err := s.valuations.LatestIn(ctx, tx, pos.AssetID)
		if err != nil {
			return err
		}
		ltv = ratioBps(pos.Debt, pos.Collateral.Mul(val.Value))
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.publishLTV(ctx, pos, "debt_repaid", ltv, "")
	return pos, nil
}

// Close retires a fully repaid position and returns its collateral.
func (s *Service) Close(ctx context.Context, positionID uuid.UUID) (*models.CollateralPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos *models.CollateralPosition
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pos, err = s.openPosition(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if pos.Debt.Sign() > 0 {
			return errors.Policy("outstanding_debt", "position %s still owes %s", positionID, pos.Debt)
		}
		tl := s.ledger.WithTx(tx)
		if err := tl.Debit(ctx, CustodyAccount, pos.AssetID, pos.Collateral); err != nil {
			return err
		}
		if err := tl.Credit(ctx, pos.Owner, pos.AssetID, pos.Collateral); err != nil {
			return err
		}
		if err := s.bumpExposure(ctx, tx, pos.IssuerID, pos.ExposureContribution.Neg()); err != nil {
			return err
		}
		now := s.clk.Now()
		pos.Status = models.PositionClosed
		pos.ClosedAt = &now
		if err := tx.Save(pos).Error; err != nil {
			return errors.Internal(err, "position update failed")
		}
		return nil
	})
	if err != nil {
		return nil, s.haltOnConsistency(ctx, positionID, err)
	}

	metrics.PositionLTV.DeleteLabelValues(pos.ID.String())
	s.publishLTV(ctx, pos, "closed", 0, "")
	s.logger.Info("position closed", zap.String("position_id", pos.ID.String()))
	return pos, nil
}

// IsLiquidatable reports whether a position may be liquidated and why:
// "stale" when the referenced valuation has aged out, "ratio" when the
// current LTV exceeds the position's liquidation threshold.
func (s *Service) IsLiquidatable(ctx context.Context, positionID uuid.UUID) (bool, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, err := s.position(ctx, s.db, positionID)
	if err != nil {
		return false, "", err
	}
	if pos.Status != models.PositionOpen {
		return false, "", nil
	}
	return s.liquidatable(ctx, s.db, pos)
}

func (s *Service) liquidatable(ctx context.Context, db *gorm.DB, pos *models.CollateralPosition) (bool, string, error) {
	// a dark oracle must not let undercollateralized debt persist silently
	stale, err := s.valuations.IsStaleIn(ctx, db, pos.AssetID)
	if err != nil {
		return false, "", err
	}
	if stale {
		return true, "stale", nil
	}
	ltv, err := s.currentLTV(ctx, db, pos)
	if err != nil {
		return false, "", err
	}
	if ltv > pos.LiquidationThreshold {
		return true, "ratio", nil
	}
	return false, "", nil
}

// Liquidate seizes an unsafe position. The liquidation penalty is split
// between the triggering caller and the protocol reserve; the remaining
// collateral accrues to the reserve against the written-off debt. A second
// call on the same position returns a conflict and changes nothing.
func (s *Service) Liquidate(ctx context.Context, positionID, caller uuid.UUID) (*models.CollateralPosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pos *models.CollateralPosition
	var trigger string
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		pos, err = s.position(ctx, tx, positionID)
		if err != nil {
			return err
		}
		if pos.Status != models.PositionOpen {
			return errors.Conflict("position %s is already %s", positionID, pos.Status)
		}
		if pos.Halted {
			return errors.Consistency("position %s is halted pending operator review", positionID)
		}
		ok, why, err := s.liquidatable(ctx, tx, pos)
		if err != nil {
			return err
		}
		if !ok {
			return errors.Policy("not_liquidatable", "position %s is within its liquidation threshold", positionID)
		}
		trigger = why

		penalty := pos.Collateral.Mul(decimal.NewFromInt(s.cfg.LiquidationPenaltyBps)).Div(bpsScale)
		callerCut := penalty.Mul(decimal.NewFromInt(s.cfg.CallerShareBps)).Div(bpsScale)
		toReserve := pos.Collateral.Sub(callerCut)

		tl := s.ledger.WithTx(tx)
		if err := tl.Debit(ctx, CustodyAccount, pos.AssetID, pos.Collateral); err != nil {
			return err
		}
		if callerCut.Sign() > 0 {
			if err := tl.Credit(ctx, caller, pos.AssetID, callerCut); err != nil {
				return err
			}
		}
		if toReserve.Sign() > 0 {
			if err := tl.Credit(ctx, ReserveAccount, pos.AssetID, toReserve); err != nil {
				return err
			}
		}
		if err := s.bumpExposure(ctx, tx, pos.IssuerID, pos.ExposureContribution.Neg()); err != nil {
			return err
		}
		now := s.clk.Now()
		pos.Debt = decimal.Zero
		pos.Status = models.PositionLiquidated
		pos.ClosedAt = &now
		if err := tx.Save(pos).Error; err != nil {
			return errors.Internal(err, "position update failed")
		}
		return nil
	})
	if err != nil {
		return nil, s.haltOnConsistency(ctx, positionID, err)
	}

	metrics.Liquidations.WithLabelValues(trigger).Inc()
	metrics.PositionLTV.DeleteLabelValues(pos.ID.String())
	s.publishLTV(ctx, pos, "liquidated", 0, trigger)
	s.logger.Warn("position liquidated",
		zap.String("position_id", pos.ID.String()),
		zap.String("trigger", trigger),
		zap.String("caller", caller.String()))
	return pos, nil
}

// CurrentLTV recomputes a position's LTV against the latest valuation.
func (s *Service) CurrentLTV(ctx context.Context, positionID uuid.UUID) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	pos, err := s.position(ctx, s.db, positionID)
	if err != nil {
		return 0, err
	}
	return s.currentLTV(ctx, s.db, pos)
}

// Position returns one position.
func (s *Service) Position(ctx context.Context, positionID uuid.UUID) (*models.CollateralPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position(ctx, s.db, positionID)
}

// Positions lists an owner's positions, newest first.
func (s *Service) Positions(ctx context.Context, owner uuid.UUID) ([]models.CollateralPosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var all []models.CollateralPosition
	if err := s.db.WithContext(ctx).Order("opened_at DESC").Find(&all, "owner = ?", owner).Error; err != nil {
		return nil, errors.Internal(err, "position list failed")
	}
	return all, nil
}

// Exposure returns the aggregate collateral value backed by one issuer.
func (s *Service) Exposure(ctx context.Context, issuerID string) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var exp models.IssuerExposure
	err := s.db.WithContext(ctx).First(&exp, "issuer_id = ?", issuerID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, errors.Internal(err, "exposure lookup failed")
	}
	return exp.Exposure, nil
}

func (s *Service) position(ctx context.Context, db *gorm.DB, positionID uuid.UUID) (*models.CollateralPosition, error) {
	var pos models.CollateralPosition
	if err := db.WithContext(ctx).First(&pos, "id = ?", positionID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("position %s not found", positionID)
		}
		return nil, errors.Internal(err, "position lookup failed")
	}
	return &pos, nil
}

func (s *Service) openPosition(ctx context.Context, db *gorm.DB, positionID uuid.UUID) (*models.CollateralPosition, error) {
	pos, err := s.position(ctx, db, positionID)
	if err != nil {
		return nil, err
	}
	switch {
	case pos.Halted:
		return nil, errors.Consistency("position %s is halted pending operator review", positionID)
	case pos.Status == models.PositionLiquidated:
		return nil, errors.Conflict("position %s is liquidated", positionID)
	case pos.Status != models.PositionOpen:
		return nil, errors.Conflict("position %s is %s", positionID, pos.Status)
	}
	return pos, nil
}

func (s *Service) currentLTV(ctx context.Context, db *gorm.DB, pos *models.CollateralPosition) (int64, error) {
	val, err := s.valuations.LatestIn(ctx, db, pos.AssetID)
	if err != nil {
		return 0, err
	}
	return ratioBps(pos.Debt, pos.Collateral.Mul(val.Value)), nil
}

// checkConcentration enforces the per-issuer cap on the post-admission
// exposure share. The denominator is floored at the configured minimum pool
// size so the first issuers can bootstrap an empty pool.
func (s *Service) checkConcentration(ctx context.Context, tx *gorm.DB, issuerID string, added decimal.Decimal) error {
	var exposures []models.IssuerExposure
	if err := tx.WithContext(ctx).Find(&exposures).Error; err != nil {
		return errors.Internal(err, "exposure load failed")
	}
	issuer := added
	total := added
	for _, e := range exposures {
		total = total.Add(e.Exposure)
		if e.IssuerID == issuerID {
			issuer = issuer.Add(e.Exposure)
		}
	}
	if floor := s.cfg.ConcentrationFloorAmount(); total.LessThan(floor) {
		total = floor
	}
	// issuer/total > cap, compared without division
	if issuer.Mul(bpsScale).GreaterThan(total.Mul(decimal.NewFromInt(s.cfg.ConcentrationCapBps))) {
		return errors.Policy("concentration_cap", "issuer %q would hold %d bps of system collateral, cap is %d bps",
			issuerID, ratioBps(issuer, total), s.cfg.ConcentrationCapBps)
	}
	return nil
}

// haltOnConsistency flags a position after a consistency failure so further
// mutations are refused until an operator intervenes. The flag is written
// outside the failed transaction; rollback must not erase it.
func (s *Service) haltOnConsistency(ctx context.Context, positionID uuid.UUID, err error) error {
	if !errors.IsKind(err, errors.KindConsistency) {
		return err
	}
	res := s.db.WithContext(ctx).Model(&models.CollateralPosition{}).
		Where("id = ?", positionID).Update("halted", true)
	if res.Error != nil {
		s.logger.Error("position halt flag write failed",
			zap.String("position_id", positionID.String()),
			zap.Error(res.Error))
		return err
	}
	s.logger.Error("position halted after consistency failure",
		zap.String("position_id", positionID.String()),
		zap.Error(err))
	return err
}

func (s *Service) bumpExposure(ctx context.Context, tx *gorm.DB, issuerID string, delta decimal.Decimal) error {
	var exp models.IssuerExposure
	err := tx.WithContext(ctx).First(&exp, "issuer_id = ?", issuerID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		exp = models.IssuerExposure{IssuerID: issuerID}
	case err != nil:
		return errors.Internal(err, "exposure lookup failed")
	}
	exp.Exposure = exp.Exposure.Add(delta)
	if exp.Exposure.Sign() < 0 {
		return errors.Consistency("exposure for issuer %q would go negative", issuerID)
	}
	if err := tx.WithContext(ctx).Save(&exp).Error; err != nil {
		return errors.Internal(err, "exposure update failed")
	}
	return nil
}

func (s *Service) publishLTV(ctx context.Context, pos *models.CollateralPosition, evType string, ltv int64, trigger string) {
	if pos.Status == models.PositionOpen {
		metrics.PositionLTV.WithLabelValues(pos.ID.String()).Set(float64(ltv))
	}
	ev := PositionEvent{
		Type:       evType,
		PositionID: pos.ID,
		Owner:      pos.Owner,
		AssetID:    pos.AssetID,
		LTVBps:     ltv,
		Trigger:    trigger,
		At:         s.clk.Now(),
	}
	if err := s.events.Publish(ctx, ev); err != nil {
		s.logger.Warn("position event publish failed",
			zap.String("position_id", pos.ID.String()),
			zap.Error(err))
	}
}

// ratioBps returns numerator/denominator in basis points, truncated.
func ratioBps(num, den decimal.Decimal) int64 {
	if den.Sign() <= 0 {
		if num.Sign() > 0 {
			return int64(^uint64(0) >> 1)
		}
		return 0
	}
	q, _ := num.Mul(bpsScale).QuoRem(den, 0)
	return q.IntPart()
}

// exceedsBps reports num/den > limit (bps) exactly, without division.
func exceedsBps(num, den decimal.Decimal, limit int64) bool {
	return num.Mul(bpsScale).GreaterThan(den.Mul(decimal.NewFromInt(limit)))
}
