// Package waterfall implements the two-tranche yield distribution engine.
// Deposits are tracked as shares; yield is allocated senior-guarantee first,
// protection fraction second, junior cap last, and credited to holders
// through a reward-per-share accumulator.
package waterfall

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/solvena/polisvault/internal/clock"
	"github.com/solvena/polisvault/internal/compliance"
	"github.com/solvena/polisvault/internal/config"
	"github.com/solvena/polisvault/internal/transfer"
	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/metrics"
	"github.com/solvena/polisvault/pkg/models"
)

// Currency denominates tranche principal and yield.
const Currency = "pUSD"

// Well-known internal accounts: deposited principal sits in custody,
// allocated-but-unclaimed yield sits in the pool.
var (
	PrincipalAccount = uuid.NewSHA1(uuid.NameSpaceOID, []byte("polisvault.waterfall.principal"))
	YieldPoolAccount = uuid.NewSHA1(uuid.NameSpaceOID, []byte("polisvault.waterfall.yieldpool"))
	// DroppedSink receives yield allocated to a tranche with no shareholders.
	// Share accounting treats that amount as lost to holders.
	DroppedSink = uuid.NewSHA1(uuid.NameSpaceOID, []byte("polisvault.waterfall.dropped"))
)

var (
	bpsScale = decimal.NewFromInt(models.BasisPointScale)
	// accScale is the fixed-point scale of the reward-per-share accumulator
	accScale       = decimal.New(1, 12)
	secondsPerYear = decimal.NewFromInt(365 * 24 * 3600)
)

// DistributionResult reports one executed waterfall run.
type DistributionResult struct {
	TotalYield    decimal.Decimal `json:"total_yield"`
	SeniorAmount  decimal.Decimal `json:"senior_amount"`
	JuniorAmount  decimal.Decimal `json:"junior_amount"`
	DroppedAmount decimal.Decimal `json:"dropped_amount"`
	Elapsed       time.Duration   `json:"elapsed"`
}

// Service is the waterfall distribution engine.
type Service struct {
	mu         sync.RWMutex
	logger     *zap.Logger
	db         *gorm.DB
	clk        clock.Clock
	compliance compliance.Service
	ledger     transfer.Ledger
	cfg        config.WaterfallConfig
}

// NewService creates the waterfall engine.
func NewService(logger *zap.Logger, db *gorm.DB, clk clock.Clock, comp compliance.Service, tl transfer.Ledger, cfg config.WaterfallConfig) *Service {
	return &Service{logger: logger, db: db, clk: clk, compliance: comp, ledger: tl, cfg: cfg}
}

// Bootstrap seeds the senior and junior tranche rows if missing.
func (s *Service) Bootstrap(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.clk.Now()
	for _, id := range []models.TrancheID{models.TrancheSenior, models.TrancheJunior} {
		var tr models.Tranche
		err := s.db.WithContext(ctx).First(&tr, "id = ?", id).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			tr = models.Tranche{ID: id, LastUpdateAt: now}
			if err := s.db.WithContext(ctx).Create(&tr).Error; err != nil {
				return errors.Internal(err, "tranche seed failed")
			}
			continue
		}
		if err != nil {
			return errors.Internal(err, "tranche lookup failed")
		}
	}
	return nil
}

// Deposit adds principal to a tranche. The first depositor mints shares 1:1;
// later depositors mint pro rata so earlier holders are never diluted.
// Pending yield for an existing holder is settled before the share change.
func (s *Service) Deposit(ctx context.Context, owner uuid.UUID, trancheID models.TrancheID, amount decimal.Decimal) (*models.TranchePosition, error) {
	if amount.Sign() <= 0 {
		return nil, errors.Validation("deposit amount must be positive, got %s", amount)
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

	var pos *models.TranchePosition
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tr, err := s.tranche(ctx, tx, trancheID)
		if err != nil {
			return err
		}
		pos, err = s.positionForUpdate(ctx, tx, owner, trancheID)
		if err != nil {
			return err
		}
		tl := s.ledger.WithTx(tx)
		if _, err := s.settleLocked(ctx, tx, tl, tr, pos); err != nil {
			return err
		}

		var shares decimal.Decimal
		if tr.TotalShares.Sign() == 0 {
			shares = amount
		} else {
			shares = amount.Mul(tr.TotalShares).Div(tr.TotalPrincipal)
		}

		if err := tl.Debit(ctx, owner, Currency, amount); err != nil {
			return err
		}
		if err := tl.Credit(ctx, PrincipalAccount, Currency, amount); err != nil {
			return err
		}

		tr.TotalPrincipal = tr.TotalPrincipal.Add(amount)
		tr.TotalShares = tr.TotalShares.Add(shares)
		pos.Shares = pos.Shares.Add(shares)
		pos.RewardDebt = accrued(pos.Shares, tr.AccRewardPerShare)

		if err := tx.Save(tr).Error; err != nil {
			return errors.Internal(err, "tranche update failed")
		}
		if err := tx.Save(pos).Error; err != nil {
			return errors.Internal(err, "tranche position update failed")
		}
		return s.verifyShares(ctx, tx, tr)
	})
	if err != nil {
		return nil, err
	}
	s.logger.Info("tranche deposit",
		zap.String("owner", owner.String()),
		zap.String("tranche", string(trancheID)),
		zap.String("amount", amount.String()))
	return pos, nil
}

// Withdraw burns shares and returns the matching principal. Pending yield is
// settled first so a partial withdrawal never forfeits accrued rewards.
func (s *Service) Withdraw(ctx context.Context, owner uuid.UUID, trancheID models.TrancheID, shares decimal.Decimal) (decimal.Decimal, error) {
	if shares.Sign() <= 0 {
		return decimal.Zero, errors.Validation("share count must be positive, got %s", shares)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var amount decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tr, err := s.tranche(ctx, tx, trancheID)
		if err != nil {
			return err
		}
		pos, err := s.positionForUpdate(ctx, tx, owner, trancheID)
		if err != nil {
			return err
		}
		if shares.GreaterThan(pos.Shares) {
			return errors.Validation("withdrawing %s shares but holder has %s", shares, pos.Shares)
		}
		tl := s.ledger.WithTx(tx)
		if _, err := s.settleLocked(ctx, tx, tl, tr, pos); err != nil {
			return err
		}

		amount = shares.Mul(tr.TotalPrincipal).Div(tr.TotalShares)

		if err := tl.Debit(ctx, PrincipalAccount, Currency, amount); err != nil {
			return err
		}
		if err := tl.Credit(ctx, owner, Currency, amount); err != nil {
			return err
		}

		tr.TotalPrincipal = tr.TotalPrincipal.Sub(amount)
		tr.TotalShares = tr.TotalShares.Sub(shares)
		pos.Shares = pos.Shares.Sub(shares)
		pos.RewardDebt = accrued(pos.Shares, tr.AccRewardPerShare)

		if tr.TotalShares.Sign() < 0 || tr.TotalPrincipal.Sign() < 0 {
			tr.Halted = true
			if err := tx.Save(tr).Error; err != nil {
				return errors.Internal(err, "tranche update failed")
			}
			return errors.Consistency("tranche %s shares/principal went negative", trancheID)
		}
		if err := tx.Save(tr).Error; err != nil {
			return errors.Internal(err, "tranche update failed")
		}
		if err := tx.Save(pos).Error; err != nil {
			return errors.Internal(err, "tranche position update failed")
		}
		return s.verifyShares(ctx, tx, tr)
	})
	if err != nil {
		return decimal.Zero, err
	}
	s.logger.Info("tranche withdrawal",
		zap.String("owner", owner.String()),
		zap.String("tranche", string(trancheID)),
		zap.String("shares", shares.String()),
		zap.String("amount", amount.String()))
	return amount, nil
}

// DistributeYield runs the waterfall over yield received from the funder
// account: senior's guaranteed minimum first, then the protection fraction of
// the remainder, then junior capped at its maximum rate with any overflow
// returning to senior. That ordering is load-bearing at the cap boundary.
func (s *Service) DistributeYield(ctx context.Context, funder uuid.UUID, totalYield decimal.Decimal) (*DistributionResult, error) {
	if totalYield.Sign() <= 0 {
		return nil, errors.Validation("yield must be positive, got %s", totalYield)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clk.Now()
	var res *DistributionResult
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		senior, err := s.tranche(ctx, tx, models.TrancheSenior)
		if err != nil {
			return err
		}
		junior, err := s.tranche(ctx, tx, models.TrancheJunior)
		if err != nil {
			return err
		}

		elapsed := now.Sub(senior.LastUpdateAt)
		if elapsed < 0 {
			return errors.Consistency("distribution period would be negative: last update %s is after now %s", senior.LastUpdateAt, now)
		}

		seniorAmt, juniorAmt := s.allocate(totalYield, senior.TotalPrincipal, junior.TotalPrincipal, elapsed)

		tl := s.ledger.WithTx(tx)
		if err := tl.Debit(ctx, funder, Currency, totalYield); err != nil {
			return err
		}

		dropped := decimal.Zero
		dropped = dropped.Add(s.credit(senior, seniorAmt))
		dropped = dropped.Add(s.credit(junior, juniorAmt))

		pooled := totalYield.Sub(dropped)
		if pooled.Sign() > 0 {
			if err := tl.Credit(ctx, YieldPoolAccount, Currency, pooled); err != nil {
				return err
			}
		}
		if dropped.Sign() > 0 {
			// kept recoverable by the operator even though holders never see it
			if err := tl.Credit(ctx, DroppedSink, Currency, dropped); err != nil {
				return err
			}
			s.logger.Warn("yield dropped on zero-share tranche",
				zap.String("amount", dropped.String()))
		}

		senior.LastUpdateAt = now
		junior.LastUpdateAt = now
		if err := tx.Save(senior).Error; err != nil {
			return errors.Internal(err, "tranche update failed")
		}
		if err := tx.Save(junior).Error; err != nil {
			return errors.Internal(err, "tranche update failed")
		}

		record := models.YieldDistribution{
			ID:            uuid.New(),
			TotalYield:    totalYield,
			SeniorAmount:  seniorAmt,
			JuniorAmount:  juniorAmt,
			DroppedAmount: dropped,
			PeriodStart:   now.Add(-elapsed),
			PeriodEnd:     now,
		}
		if err := tx.Create(&record).Error; err != nil {
			return errors.Internal(err, "distribution record failed")
		}

		res = &DistributionResult{
			TotalYield:    totalYield,
			SeniorAmount:  seniorAmt,
			JuniorAmount:  juniorAmt,
			DroppedAmount: dropped,
			Elapsed:       elapsed,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.YieldDistributed.WithLabelValues(string(models.TrancheSenior)).Add(toFloat(res.SeniorAmount))
	metrics.YieldDistributed.WithLabelValues(string(models.TrancheJunior)).Add(toFloat(res.JuniorAmount))
	s.logger.Info("yield distributed",
		zap.String("total", res.TotalYield.String()),
		zap.String("senior", res.SeniorAmount.String()),
		zap.String("junior", res.JuniorAmount.String()),
		zap.String("dropped", res.DroppedAmount.String()))
	return res, nil
}

// Settle pays out a holder's accrued yield and resets its reward debt.
func (s *Service) Settle(ctx context.Context, owner uuid.UUID, trancheID models.TrancheID) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var pending decimal.Decimal
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		tr, err := s.tranche(ctx, tx, trancheID)
		if err != nil {
			return err
		}
		pos, err := s.positionForUpdate(ctx, tx, owner, trancheID)
		if err != nil {
			return err
		}
		pending, err = s.settleLocked(ctx, tx, s.ledger.WithTx(tx), tr, pos)
		if err != nil {
			return err
		}
		return tx.Save(pos).Error
	})
	if err != nil {
		return decimal.Zero, err
	}
	return pending, nil
}

// PendingYield reports a holder's claimable yield without settling it.
func (s *Service) PendingYield(ctx context.Context, owner uuid.UUID, trancheID models.TrancheID) (decimal.Decimal, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	tr, err := s.tranche(ctx, s.db, trancheID)
	if err != nil {
		return decimal.Zero, err
	}
	var pos models.TranchePosition
	err = s.db.WithContext(ctx).First(&pos, "owner = ? AND tranche_id = ?", owner, trancheID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, errors.Internal(err, "tranche position lookup failed")
	}
	return accrued(pos.Shares, tr.AccRewardPerShare).Sub(pos.RewardDebt), nil
}

// Tranche returns one tranche's accounting state.
func (s *Service) Tranche(ctx context.Context, trancheID models.TrancheID) (*models.Tranche, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tranche(ctx, s.db, trancheID)
}

// Position returns a holder's stake in a tranche.
func (s *Service) Position(ctx context.Context, owner uuid.UUID, trancheID models.TrancheID) (*models.TranchePosition, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var pos models.TranchePosition
	err := s.db.WithContext(ctx).First(&pos, "owner = ? AND tranche_id = ?", owner, trancheID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("no %s position for %s", trancheID, owner)
		}
		return nil, errors.Internal(err, "tranche position lookup failed")
	}
	return &pos, nil
}

// allocate runs the three-step waterfall rule.
func (s *Service) allocate(totalYield, seniorPrincipal, juniorPrincipal decimal.Decimal, elapsed time.Duration) (senior, junior decimal.Decimal) {
	seniorMin := proRata(seniorPrincipal, s.cfg.SeniorMinRateBps, elapsed)
	if totalYield.LessThanOrEqual(seniorMin) {
		return totalYield, decimal.Zero
	}

	remainder := totalYield.Sub(seniorMin)
	protection := remainder.Mul(decimal.NewFromInt(s.cfg.ProtectionFractionBps)).Div(bpsScale)
	senior = seniorMin.Add(protection)
	junior = remainder.Sub(protection)

	juniorCap := proRata(juniorPrincipal, s.cfg.JuniorMaxRateBps, elapsed)
	if junior.GreaterThan(juniorCap) {
		senior = senior.Add(junior.Sub(juniorCap))
		junior = juniorCap
	}
	return senior, junior
}

// credit folds an allocation into a tranche's accumulator; an allocation to
// a tranche with zero shares is returned as dropped.
func (s *Service) credit(tr *models.Tranche, amount decimal.Decimal) decimal.Decimal {
	if amount.Sign() <= 0 {
		return decimal.Zero
	}
	if tr.TotalShares.Sign() == 0 {
		return amount
	}
	delta, _ := amount.Mul(accScale).QuoRem(tr.TotalShares, 0)
	tr.AccRewardPerShare = tr.AccRewardPerShare.Add(delta)
	return decimal.Zero
}

// settleLocked pays out the position's pending yield inside tx. Caller holds
// the engine mutex and persists pos afterwards.
func (s *Service) settleLocked(ctx context.Context, tx *gorm.DB, tl transfer.Ledger, tr *models.Tranche, pos *models.TranchePosition) (decimal.Decimal, error) {
	if tr.Halted {
		return decimal.Zero, errors.Consistency("tranche %s is halted pending operator review", tr.ID)
	}
	total := accrued(pos.Shares, tr.AccRewardPerShare)
	pending := total.Sub(pos.RewardDebt)
	if pending.Sign() < 0 {
		tr.Halted = true
		if err := tx.Save(tr).Error; err != nil {
			return decimal.Zero, errors.Internal(err, "tranche update failed")
		}
		return decimal.Zero, errors.Consistency("negative pending yield for holder %s in tranche %s", pos.Owner, tr.ID)
	}
	if pending.Sign() > 0 {
		if err := tl.Debit(ctx, YieldPoolAccount, Currency, pending); err != nil {
			return decimal.Zero, err
		}
		if err := tl.Credit(ctx, pos.Owner, Currency, pending); err != nil {
			return decimal.Zero, err
		}
	}
	pos.RewardDebt = total
	return pending, nil
}

func (s *Service) tranche(ctx context.Context, db *gorm.DB, trancheID models.TrancheID) (*models.Tranche, error) {
	var tr models.Tranche
	if err := db.WithContext(ctx).First(&tr, "id = ?", trancheID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("tranche %q not found", trancheID)
		}
		return nil, errors.Internal(err, "tranche lookup failed")
	}
	if tr.Halted {
		return nil, errors.Consistency("tranche %s is halted pending operator review", trancheID)
	}
	return &tr, nil
}

func (s *Service) positionForUpdate(ctx context.Context, tx *gorm.DB, owner uuid.UUID, trancheID models.TrancheID) (*models.TranchePosition, error) {
	var pos models.TranchePosition
	err := tx.WithContext(ctx).First(&pos, "owner = ? AND tranche_id = ?", owner, trancheID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		pos = models.TranchePosition{
			ID:        uuid.New(),
			Owner:     owner,
			TrancheID: trancheID,
		}
		if err := tx.Create(&pos).Error; err != nil {
			return nil, errors.Internal(err, "tranche position create failed")
		}
		return &pos, nil
	}
	if err != nil {
		return nil, errors.Internal(err, "tranche position lookup failed")
	}
	return &pos, nil
}

// verifyShares halts the tranche when per-holder shares stop summing to the
// tranche total.
func (s *Service) verifyShares(ctx context.Context, tx *gorm.DB, tr *models.Tranche) error {
	var positions []models.TranchePosition
	if err := tx.WithContext(ctx).Find(&positions, "tranche_id = ?", tr.ID).Error; err != nil {
		return errors.Internal(err, "tranche position load failed")
	}
	sum := decimal.Zero
	for _, p := range positions {
		sum = sum.Add(p.Shares)
	}
	if !sum.Equal(tr.TotalShares) {
		tr.Halted = true
		if err := tx.Save(tr).Error; err != nil {
			return errors.Internal(err, "tranche update failed")
		}
		return errors.Consistency("tranche %s share sum %s != total %s", tr.ID, sum, tr.TotalShares)
	}
	return nil
}

// proRata computes principal × rateBps × elapsed / year.
func proRata(principal decimal.Decimal, rateBps int64, elapsed time.Duration) decimal.Decimal {
	seconds := decimal.NewFromInt(int64(elapsed / time.Second))
	return principal.
		Mul(decimal.NewFromInt(rateBps)).
		Mul(seconds).
		Div(bpsScale.Mul(secondsPerYear))
}

func accrued(shares, accRewardPerShare decimal.Decimal) decimal.Decimal {
	v, _ := shares.Mul(accRewardPerShare).QuoRem(accScale, 0)
	return v
}

// toFloat is for metrics only; business logic never leaves decimal.
func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
