// Package models defines the persistent entities shared by the valuation,
// vault and waterfall engines.
package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// BasisPointScale is the fixed-point scale all ratios are expressed in
// (parts-per-10,000). Reputation, LTV and deviation bands all use it.
const BasisPointScale = 10000

// Attestor is a party authorized to submit valuation observations.
type Attestor struct {
	ID           uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Name         string          `json:"name" gorm:"uniqueIndex"`
	Reputation   int64           `json:"reputation"` // basis points, 0..10000
	Stake        decimal.Decimal `json:"stake" gorm:"type:decimal(38,18)"`
	Active       bool            `json:"active" gorm:"index"`
	LastActiveAt time.Time       `json:"last_active_at"`
	SlashedAt    *time.Time      `json:"slashed_at,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// ValuationRound is one bounded collection of submissions for a single asset.
type ValuationRound struct {
	ID               uuid.UUID           `json:"id" gorm:"primaryKey;type:uuid"`
	AssetID          string              `json:"asset_id" gorm:"index"`
	Deadline         time.Time           `json:"deadline"`
	Finalized        bool                `json:"finalized" gorm:"index"`
	ConsensusReached bool                `json:"consensus_reached"`
	ConsensusValue   decimal.Decimal     `json:"consensus_value" gorm:"type:decimal(38,18)"`
	OpenedAt         time.Time           `json:"opened_at"`
	FinalizedAt      *time.Time          `json:"finalized_at,omitempty"`
	Submissions      []ValuationSubmission `json:"submissions,omitempty" gorm:"foreignKey:RoundID"`
}

// ValuationSubmission is a single attestor observation within a round.
type ValuationSubmission struct {
	ID          uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	RoundID     uuid.UUID       `json:"round_id" gorm:"type:uuid;index:idx_round_attestor,unique"`
	AttestorID  uuid.UUID       `json:"attestor_id" gorm:"type:uuid;index:idx_round_attestor,unique"`
	Value       decimal.Decimal `json:"value" gorm:"type:decimal(38,18)"`
	ProofDigest string          `json:"proof_digest"`
	SubmittedAt time.Time       `json:"submitted_at"`
	InBand      bool            `json:"in_band"` // set when the round finalizes
}

// AssetValuation is the ledger row holding the latest finalized value for a
// reference asset. AsOf is monotonically non-decreasing.
type AssetValuation struct {
	AssetID   string          `json:"asset_id" gorm:"primaryKey"`
	Value     decimal.Decimal `json:"value" gorm:"type:decimal(38,18)"`
	AsOf      time.Time       `json:"as_of"`
	RoundID   uuid.UUID       `json:"round_id" gorm:"type:uuid"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// PositionStatus is the lifecycle state of a collateral position.
type PositionStatus string

const (
	PositionOpen       PositionStatus = "open"
	PositionClosed     PositionStatus = "closed"
	PositionLiquidated PositionStatus = "liquidated"
)

// CollateralPosition is a vault position backed by a reference asset.
type CollateralPosition struct {
	ID                   uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Owner                uuid.UUID       `json:"owner" gorm:"type:uuid;index"`
	AssetID              string          `json:"asset_id" gorm:"index"`
	IssuerID             string          `json:"issuer_id" gorm:"index"`
	Collateral           decimal.Decimal `json:"collateral" gorm:"type:decimal(38,18)"`
	Debt                 decimal.Decimal `json:"debt" gorm:"type:decimal(38,18)"`
	// ExposureContribution is the collateral value this position added to its
	// issuer's exposure, recorded at admission so it can be removed exactly.
	ExposureContribution decimal.Decimal `json:"exposure_contribution" gorm:"type:decimal(38,18)"`
	LiquidationThreshold int64           `json:"liquidation_threshold"` // bps snapshot at open
	Status               PositionStatus  `json:"status" gorm:"index"`
	Halted               bool            `json:"halted"`
	OpenedAt             time.Time       `json:"opened_at"`
	ClosedAt             *time.Time      `json:"closed_at,omitempty"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// IssuerExposure aggregates collateral value backed by one policy issuer.
type IssuerExposure struct {
	IssuerID  string          `json:"issuer_id" gorm:"primaryKey"`
	Exposure  decimal.Decimal `json:"exposure" gorm:"type:decimal(38,18)"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// TrancheID identifies one of the two risk classes.
type TrancheID string

const (
	TrancheSenior TrancheID = "senior"
	TrancheJunior TrancheID = "junior"
)

// Tranche holds the share-accounting state of one risk class.
type Tranche struct {
	ID                TrancheID       `json:"id" gorm:"primaryKey"`
	TotalPrincipal    decimal.Decimal `json:"total_principal" gorm:"type:decimal(38,18)"`
	TotalShares       decimal.Decimal `json:"total_shares" gorm:"type:decimal(38,18)"`
	AccRewardPerShare decimal.Decimal `json:"acc_reward_per_share" gorm:"type:decimal(38,18)"`
	Halted            bool            `json:"halted"`
	LastUpdateAt      time.Time       `json:"last_update_at"`
	UpdatedAt         time.Time       `json:"updated_at"`
}

// TranchePosition is one holder's stake in a tranche.
type TranchePosition struct {
	ID         uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Owner      uuid.UUID       `json:"owner" gorm:"type:uuid;index:idx_owner_tranche,unique"`
	TrancheID  TrancheID       `json:"tranche_id" gorm:"index:idx_owner_tranche,unique"`
	Shares     decimal.Decimal `json:"shares" gorm:"type:decimal(38,18)"`
	RewardDebt decimal.Decimal `json:"reward_debt" gorm:"type:decimal(38,18)"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

// YieldDistribution records one executed waterfall run.
type YieldDistribution struct {
	ID            uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	TotalYield    decimal.Decimal `json:"total_yield" gorm:"type:decimal(38,18)"`
	SeniorAmount  decimal.Decimal `json:"senior_amount" gorm:"type:decimal(38,18)"`
	JuniorAmount  decimal.Decimal `json:"junior_amount" gorm:"type:decimal(38,18)"`
	DroppedAmount decimal.Decimal `json:"dropped_amount" gorm:"type:decimal(38,18)"`
	PeriodStart   time.Time       `json:"period_start"`
	PeriodEnd     time.Time       `json:"period_end"`
	CreatedAt     time.Time       `json:"created_at"`
}

// LedgerAccount is a balance row in the internal transfer ledger.
type LedgerAccount struct {
	ID        uuid.UUID       `json:"id" gorm:"primaryKey;type:uuid"`
	Owner     uuid.UUID       `json:"owner" gorm:"type:uuid;index:idx_owner_currency,unique"`
	Currency  string          `json:"currency" gorm:"index:idx_owner_currency,unique"`
	Balance   decimal.Decimal `json:"balance" gorm:"type:decimal(38,18)"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// EligibleParty is a compliance registry row. Absence means ineligible.
type EligibleParty struct {
	AccountID    uuid.UUID  `json:"account_id" gorm:"primaryKey;type:uuid"`
	Eligible     bool       `json:"eligible"`
	Jurisdiction string     `json:"jurisdiction"`
	ReviewedAt   time.Time  `json:"reviewed_at"`
	RevokedAt    *time.Time `json:"revoked_at,omitempty"`
}
