package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// RoundsFinalized counts finalized valuation rounds by outcome
// (consensus / no_consensus).
var RoundsFinalized = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polisvault_valuation_rounds_finalized_total",
		Help: "Total number of valuation rounds finalized, by outcome",
	},
	[]string{"outcome"},
)

// SubmissionsRejected counts rejected attestor submissions by reason
var SubmissionsRejected = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polisvault_valuation_submissions_rejected_total",
		Help: "Total number of rejected valuation submissions, by reason",
	},
	[]string{"reason"},
)

// AttestorsDeactivated counts attestors slashed below the reputation floor
var AttestorsDeactivated = prometheus.NewCounter(
	prometheus.CounterOpts{
		Name: "polisvault_attestors_deactivated_total",
		Help: "Total number of attestors deactivated by the consensus engine",
	},
)

// PositionLTV exposes the latest recomputed LTV per position in basis points
var PositionLTV = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Name: "polisvault_position_ltv_bps",
		Help: "Latest loan-to-value ratio per open position, in basis points",
	},
	[]string{"position_id"},
)

// Liquidations counts executed liquidations by trigger (ratio/stale)
var Liquidations = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polisvault_liquidations_total",
		Help: "Total number of executed liquidations, by trigger",
	},
	[]string{"trigger"},
)

// YieldDistributed sums yield allocated per tranche
var YieldDistributed = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "polisvault_yield_distributed_total",
		Help: "Cumulative yield allocated, by tranche",
	},
	[]string{"tranche"},
)

// Register registers all polisvault collectors with the given registry.
func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		RoundsFinalized,
		SubmissionsRejected,
		AttestorsDeactivated,
		PositionLTV,
		Liquidations,
		YieldDistributed,
	)
}
