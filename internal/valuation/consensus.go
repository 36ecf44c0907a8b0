package valuation

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/metrics"
	"github.com/solvena/polisvault/pkg/models"
)

var (
	bpsScale = decimal.NewFromInt(models.BasisPointScale)
	two      = decimal.NewFromInt(2)
)

// Snapshots mirrors finalized consensus values into a fast read path.
// Implemented by the redis cache; nil disables mirroring.
type Snapshots interface {
	Publish(ctx context.Context, val *models.AssetValuation) error
}

// RoundResult reports the outcome of a finalized round.
type RoundResult struct {
	RoundID          uuid.UUID       `json:"round_id"`
	AssetID          string          `json:"asset_id"`
	ConsensusReached bool            `json:"consensus_reached"`
	ConsensusValue   decimal.Decimal `json:"consensus_value"`
	Submissions      int             `json:"submissions"`
	InBand           int             `json:"in_band"`
	Deactivated      []uuid.UUID     `json:"deactivated,omitempty"`
}

// Engine turns independent attestor submissions into one trusted value per
// round and keeps attestor reputation honest.
type Engine struct {
	logger    *zap.Logger
	ledger    *Ledger
	snapshots Snapshots
	// reward account funds per-submission attestor rewards
	rewardFund uuid.UUID
}

// NewEngine creates the consensus engine on top of the valuation ledger.
func NewEngine(logger *zap.Logger, ledger *Ledger, snapshots Snapshots, rewardFund uuid.UUID) *Engine {
	return &Engine{logger: logger, ledger: ledger, snapshots: snapshots, rewardFund: rewardFund}
}

// OpenRound starts a new valuation round for an asset. Only one round per
// asset may be open at a time.
func (e *Engine) OpenRound(ctx context.Context, assetID string, deadline time.Time) (*models.ValuationRound, error) {
	if assetID == "" {
		return nil, errors.Validation("asset id is required")
	}
	l := e.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	if !deadline.After(now) {
		return nil, errors.Validation("deadline %s is not in the future", deadline)
	}

	round := &models.ValuationRound{
		ID:       uuid.New(),
		AssetID:  assetID,
		Deadline: deadline,
		OpenedAt: now,
	}
	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var open models.ValuationRound
		err := tx.First(&open, "asset_id = ? AND finalized = ?", assetID, false).Error
		if err == nil {
			return errors.Conflict("round %s for asset %q is still open", open.ID, assetID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Internal(err, "round lookup failed")
		}
		if err := tx.Create(round).Error; err != nil {
			return errors.Internal(err, "round create failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	l.logger.Info("valuation round opened",
		zap.String("round_id", round.ID.String()),
		zap.String("asset_id", assetID),
		zap.Time("deadline", deadline))
	return round, nil
}

// Submit records one attestor observation for an open round.
func (e *Engine) Submit(ctx context.Context, roundID, attestorID uuid.UUID, value decimal.Decimal, proofDigest string) error {
	if value.Sign() <= 0 {
		metrics.SubmissionsRejected.WithLabelValues("non_positive_value").Inc()
		return errors.Validation("submitted value must be positive, got %s", value)
	}
	l := e.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	return l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var round models.ValuationRound
		if err := tx.First(&round, "id = ?", roundID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NotFound("round %s not found", roundID)
			}
			return errors.Internal(err, "round lookup failed")
		}
		if round.Finalized {
			metrics.SubmissionsRejected.WithLabelValues("round_finalized").Inc()
			return errors.Conflict("round %s is already finalized", roundID)
		}
		if now.After(round.Deadline) {
			metrics.SubmissionsRejected.WithLabelValues("deadline_passed").Inc()
			return errors.Policy("deadline_passed", "round %s closed at %s", roundID, round.Deadline)
		}

		var att models.Attestor
		if err := tx.First(&att, "id = ?", attestorID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NotFound("attestor %s not found", attestorID)
			}
			return errors.Internal(err, "attestor lookup failed")
		}
		if !att.Active {
			metrics.SubmissionsRejected.WithLabelValues("attestor_inactive").Inc()
			return errors.Policy("attestor_inactive", "attestor %s is deactivated", attestorID)
		}

		var dup models.ValuationSubmission
		err := tx.First(&dup, "round_id = ? AND attestor_id = ?", roundID, attestorID).Error
		if err == nil {
			metrics.SubmissionsRejected.WithLabelValues("double_submission").Inc()
			return errors.Conflict("attestor %s already submitted to round %s", attestorID, roundID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Internal(err, "submission lookup failed")
		}

		sub := models.ValuationSubmission{
			ID:          uuid.New(),
			RoundID:     roundID,
			AttestorID:  attestorID,
			Value:       value,
			ProofDigest: proofDigest,
			SubmittedAt: now,
		}
		if err := tx.Create(&sub).Error; err != nil {
			return errors.Internal(err, "submission create failed")
		}
		att.LastActiveAt = now
		if err := tx.Save(&att).Error; err != nil {
			return errors.Internal(err, "attestor update failed")
		}
		return nil
	})
}

// Finalize resolves a round once quorum is met or the deadline has passed.
// A round with insufficient agreement finalizes without consensus; the
// ledger keeps its previous value and downstream consumers see it age into
// staleness.
func (e *Engine) Finalize(ctx context.Context, roundID uuid.UUID) (*RoundResult, error) {
	l := e.ledger
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.clk.Now()
	var result *RoundResult
	var published *models.AssetValuation

	err := l.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var round models.ValuationRound
		if err := tx.First(&round, "id = ?", roundID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errors.NotFound("round %s not found", roundID)
			}
			return errors.Internal(err, "round lookup failed")
		}
		if round.Finalized {
			return errors.Conflict("round %s is already finalized", roundID)
		}

		var subs []models.ValuationSubmission
		if err := tx.Order("submitted_at ASC").Find(&subs, "round_id = ?", roundID).Error; err != nil {
			return errors.Internal(err, "submission load failed")
		}
		if len(subs) < l.cfg.MinQuorum && !now.After(round.Deadline) {
			return errors.Policy("quorum_not_met", "round %s has %d of %d required submissions and deadline %s has not passed",
				roundID, len(subs), l.cfg.MinQuorum, round.Deadline)
		}

		round.Finalized = true
		round.FinalizedAt = &now
		result = &RoundResult{RoundID: round.ID, AssetID: round.AssetID, Submissions: len(subs)}

		if len(subs) >= l.cfg.MinQuorum {
			median := medianValue(subs)
			maxDev := decimal.NewFromInt(l.cfg.MaxDeviationBps)
			inBand := 0
			for i := range subs {
				// |v - median| * 10000 <= median * maxDeviationBps, kept in
				// integer form so the comparison is exact
				dev := subs[i].Value.Sub(median).Abs().Mul(bpsScale)
				subs[i].InBand = dev.LessThanOrEqual(median.Mul(maxDev))
				if subs[i].InBand {
					inBand++
				}
			}
			result.InBand = inBand

			// inBand/total >= threshold, compared without division
			if int64(inBand)*models.BasisPointScale >= l.cfg.AgreementThresholdBps*int64(len(subs)) {
				round.ConsensusReached = true
				round.ConsensusValue = median
				result.ConsensusReached = true
				result.ConsensusValue = median
				if err := l.record(ctx, tx, round.AssetID, median, round.ID, now); err != nil {
					return err
				}
				published = &models.AssetValuation{
					AssetID: round.AssetID,
					Value:   median,
					AsOf:    now,
					RoundID: round.ID,
				}
			}

			deactivated, err := e.applyReputation(ctx, tx, subs, now)
			if err != nil {
				return err
			}
			result.Deactivated = deactivated

			for i := range subs {
				if err := tx.Save(&subs[i]).Error; err != nil {
					return errors.Internal(err, "submission update failed")
				}
			}
		}

		if err := tx.Save(&round).Error; err != nil {
			return errors.Internal(err, "round update failed")
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	outcome := "no_consensus"
	if result.ConsensusReached {
		outcome = "consensus"
	}
	metrics.RoundsFinalized.WithLabelValues(outcome).Inc()
	l.logger.Info("valuation round finalized",
		zap.String("round_id", roundID.String()),
		zap.String("asset_id", result.AssetID),
		zap.Bool("consensus", result.ConsensusReached),
		zap.Int("submissions", result.Submissions),
		zap.Int("in_band", result.InBand))

	if published != nil && e.snapshots != nil {
		if err := e.snapshots.Publish(ctx, published); err != nil {
			// cache is a read optimization; the DB row is authoritative
			l.logger.Warn("valuation snapshot publish failed", zap.Error(err))
		}
	}
	return result, nil
}

// Round returns a round with its submissions.
func (e *Engine) Round(ctx context.Context, roundID uuid.UUID) (*models.ValuationRound, error) {
	l := e.ledger
	l.mu.RLock()
	defer l.mu.RUnlock()
	var round models.ValuationRound
	err := l.db.WithContext(ctx).Preload("Submissions").First(&round, "id = ?", roundID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("round %s not found", roundID)
		}
		return nil, errors.Internal(err, "round lookup failed")
	}
	return &round, nil
}

// applyReputation rewards in-band attestors and penalizes the rest; an
// attestor crossing the reputation floor is deactivated but keeps its stake
// locked pending governance release.
func (e *Engine) applyReputation(ctx context.Context, tx *gorm.DB, subs []models.ValuationSubmission, now time.Time) ([]uuid.UUID, error) {
	var deactivated []uuid.UUID
	reward := e.ledger.cfg.SubmissionRewardAmount()
	for i := range subs {
		var att models.Attestor
		if err := tx.First(&att, "id = ?", subs[i].AttestorID).Error; err != nil {
			return nil, errors.Internal(err, "attestor lookup failed")
		}
		if subs[i].InBand {
			att.Reputation += e.ledger.cfg.ReputationRewardBps
			if att.Reputation > models.BasisPointScale {
				att.Reputation = models.BasisPointScale
			}
			if reward.Sign() > 0 {
				tl := e.ledger.ledger.WithTx(tx)
				err := tl.Debit(ctx, e.rewardFund, StakeCurrency, reward)
				switch {
				case errors.IsKind(err, errors.KindPolicy):
					// dry reward fund never blocks finalization
					e.ledger.logger.Warn("reward fund exhausted, skipping submission reward",
						zap.String("attestor_id", att.ID.String()))
				case err != nil:
					return nil, err
				default:
					if err := tl.Credit(ctx, att.ID, StakeCurrency, reward); err != nil {
						return nil, err
					}
				}
			}
		} else {
			att.Reputation -= e.ledger.cfg.ReputationPenaltyBps
			if att.Reputation < 0 {
				att.Reputation = 0
			}
			if att.Reputation < e.ledger.cfg.ReputationFloorBps && att.Active {
				att.Active = false
				att.SlashedAt = &now
				deactivated = append(deactivated, att.ID)
				metrics.AttestorsDeactivated.Inc()
				e.ledger.logger.Warn("attestor deactivated",
					zap.String("attestor_id", att.ID.String()),
					zap.Int64("reputation", att.Reputation))
			}
		}
		if err := tx.Save(&att).Error; err != nil {
			return nil, errors.Internal(err, "attestor update failed")
		}
	}
	return deactivated, nil
}

// medianValue returns the median of the submitted values; for an even count
// it is the mean of the two middle values.
func medianValue(subs []models.ValuationSubmission) decimal.Decimal {
	values := make([]decimal.Decimal, len(subs))
	for i, s := range subs {
		values[i] = s.Value
	}
	sort.Slice(values, func(i, j int) bool { return values[i].LessThan(values[j]) })
	mid := len(values) / 2
	if len(values)%2 == 1 {
		return values[mid]
	}
	return values[mid-1].Add(values[mid]).Div(two)
}
