// Package transfer implements the token ledger collaborator. The engines
// compute amounts and call Debit/Credit; a failed transfer aborts the
// surrounding transaction so no engine state partially applies.
package transfer

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/solvena/polisvault/pkg/errors"
	"github.com/solvena/polisvault/pkg/models"
)

// Ledger moves value between internal accounts.
type Ledger interface {
	Debit(ctx context.Context, owner uuid.UUID, currency string, amount decimal.Decimal) error
	Credit(ctx context.Context, owner uuid.UUID, currency string, amount decimal.Decimal) error
	Balance(ctx context.Context, owner uuid.UUID, currency string) (decimal.Decimal, error)
	// WithTx binds the ledger to an open gorm transaction so engine state
	// and balance movements commit or roll back together.
	WithTx(tx *gorm.DB) Ledger
}

type ledger struct {
	logger *zap.Logger
	db     *gorm.DB
}

// NewLedger creates the gorm-backed account ledger.
func NewLedger(logger *zap.Logger, db *gorm.DB) Ledger {
	return &ledger{logger: logger, db: db}
}

func (l *ledger) WithTx(tx *gorm.DB) Ledger {
	return &ledger{logger: l.logger, db: tx}
}

// Debit removes amount from the owner's balance, failing with
// insufficient_funds rather than going negative.
func (l *ledger) Debit(ctx context.Context, owner uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errors.Validation("debit amount must be positive, got %s", amount)
	}
	var acct models.LedgerAccount
	err := l.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&acct, "owner = ? AND currency = ?", owner, currency).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return errors.Policy("insufficient_funds", "account %s has no %s balance", owner, currency)
		}
		return errors.Internal(err, "ledger lookup failed")
	}
	if acct.Balance.LessThan(amount) {
		return errors.Policy("insufficient_funds", "account %s has %s %s, needs %s", owner, acct.Balance, currency, amount)
	}
	acct.Balance = acct.Balance.Sub(amount)
	if err := l.db.WithContext(ctx).Save(&acct).Error; err != nil {
		return errors.Internal(err, "ledger debit failed")
	}
	return nil
}

// Credit adds amount to the owner's balance, creating the account row on
// first use.
func (l *ledger) Credit(ctx context.Context, owner uuid.UUID, currency string, amount decimal.Decimal) error {
	if amount.Sign() <= 0 {
		return errors.Validation("credit amount must be positive, got %s", amount)
	}
	var acct models.LedgerAccount
	err := l.db.WithContext(ctx).
		Clauses(clause.Locking{Strength: "UPDATE"}).
		First(&acct, "owner = ? AND currency = ?", owner, currency).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		acct = models.LedgerAccount{
			ID:       uuid.New(),
			Owner:    owner,
			Currency: currency,
			Balance:  amount,
		}
	case err != nil:
		return errors.Internal(err, "ledger lookup failed")
	default:
		acct.Balance = acct.Balance.Add(amount)
	}
	if err := l.db.WithContext(ctx).Save(&acct).Error; err != nil {
		return errors.Internal(err, "ledger credit failed")
	}
	return nil
}

func (l *ledger) Balance(ctx context.Context, owner uuid.UUID, currency string) (decimal.Decimal, error) {
	var acct models.LedgerAccount
	err := l.db.WithContext(ctx).First(&acct, "owner = ? AND currency = ?", owner, currency).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return decimal.Zero, nil
		}
		return decimal.Zero, errors.Internal(err, "ledger lookup failed")
	}
	return acct.Balance, nil
}
