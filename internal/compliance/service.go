// Package compliance provides the eligibility collaborator consulted before
// any position or deposit is admitted. Identity verification itself happens
// upstream; this registry only records the outcome.
package compliance

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/models"
)

// Service answers eligibility checks for account identifiers.
type Service interface {
	IsEligible(ctx context.Context, accountID uuid.UUID) (bool, error)
	Approve(ctx context.Context, accountID uuid.UUID, jurisdiction string) error
	Revoke(ctx context.Context, accountID uuid.UUID) error
}

type service struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewService creates the gorm-backed eligibility registry.
func NewService(logger *zap.Logger, db *gorm.DB) Service {
	return &service{logger: logger, db: db}
}

// IsEligible reports whether the account has an unrevoked approval. Unknown
// accounts are ineligible.
func (s *service) IsEligible(ctx context.Context, accountID uuid.UUID) (bool, error) {
	var party models.EligibleParty
	err := s.db.WithContext(ctx).First(&party, "account_id = ?", accountID).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		return false, errors.Internal(err, "compliance lookup failed")
	}
	return party.Eligible && party.RevokedAt == nil, nil
}

func (s *service) Approve(ctx context.Context, accountID uuid.UUID, jurisdiction string) error {
	party := models.EligibleParty{
		AccountID:    accountID,
		Eligible:     true,
		Jurisdiction: jurisdiction,
		ReviewedAt:   time.Now().UTC(),
		RevokedAt:    nil,
	}
	if err := s.db.WithContext(ctx).Save(&party).Error; err != nil {
		return errors.Internal(err, "compliance approve failed")
	}
	s.logger.Info("account approved", zap.String("account_id", accountID.String()), zap.String("jurisdiction", jurisdiction))
	return nil
}

func (s *service) Revoke(ctx context.Context, accountID uuid.UUID) error {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&models.EligibleParty{}).
		Where("account_id = ?", accountID).
		Updates(map[string]any{"eligible": false, "revoked_at": now})
	if res.Error != nil {
		return errors.Internal(res.Error, "compliance revoke failed")
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("account %s is not registered", accountID)
	}
	s.logger.Info("account revoked", zap.String("account_id", accountID.String()))
	return nil
}
