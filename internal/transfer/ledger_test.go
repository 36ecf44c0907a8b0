package transfer_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/solvena/polisvault/internal/database"
	"github.com/solvena/polisvault/internal/transfer"
	"github.com/solvena/polisvault/pkg/errors"
)

func setupLedger(t *testing.T) transfer.Ledger {
	t.Helper()
	db, err := database.NewSQLiteDB(":memory:")
	require.NoError(t, err)
	require.NoError(t, database.Migrate(db))
	return transfer.NewLedger(zap.NewNop(), db)
}

func TestCreditDebitRoundTrip(t *testing.T) {
	ledger := setupLedger(t)
	ctx := context.Background()
	owner := uuid.New()

	require.NoError(t, ledger.Credit(ctx, owner, "pUSD", decimal.NewFromInt(500)))
	require.NoError(t, ledger.Debit(ctx, owner, "pUSD", decimal.NewFromInt(200)))

	bal, err := ledger.Balance(ctx, owner, "pUSD")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(300)))

	// balances are per currency
	bal, err = ledger.Balance(ctx, owner, "policy-pool-1")
	require.NoError(t, err)
	assert.True(t, bal.IsZero())
}

func TestDebitInsufficientFunds(t *testing.T) {
	ledger := setupLedger(t)
	ctx := context.Background()
	owner := uuid.New()

	err := ledger.Debit(ctx, owner, "pUSD", decimal.NewFromInt(1))
	assert.True(t, errors.Is(err, errors.Policy("insufficient_funds", "")), "unknown account cannot be debited")

	require.NoError(t, ledger.Credit(ctx, owner, "pUSD", decimal.NewFromInt(10)))
	err = ledger.Debit(ctx, owner, "pUSD", decimal.NewFromInt(11))
	assert.True(t, errors.Is(err, errors.Policy("insufficient_funds", "")))

	bal, err := ledger.Balance(ctx, owner, "pUSD")
	require.NoError(t, err)
	assert.True(t, bal.Equal(decimal.NewFromInt(10)), "failed debit leaves the balance untouched")
}

func TestAmountValidation(t *testing.T) {
	ledger := setupLedger(t)
	ctx := context.Background()
	owner := uuid.New()

	assert.True(t, errors.IsKind(ledger.Credit(ctx, owner, "pUSD", decimal.Zero), errors.KindValidation))
	assert.True(t, errors.IsKind(ledger.Debit(ctx, owner, "pUSD", decimal.NewFromInt(-5)), errors.KindValidation))
}
