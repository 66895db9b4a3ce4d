// Package metrics registers the facilitator's Prometheus collectors. The
// exposition endpoint is mounted by the server; everything here hangs off
// the default registry.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsCreated counts new payment records, excluding idempotent
	// replays of existing ones.
	PaymentsCreated = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facilitator_payments_created_total",
		Help: "New payment records created.",
	})

	// PaymentsTerminal counts payments reaching a terminal status,
	// labelled confirmed, failed or expired.
	PaymentsTerminal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilitator_payments_terminal_total",
		Help: "Payments that reached a terminal status.",
	}, []string{"status"})

	// Submissions counts broadcast attempts by outcome: accepted,
	// rejected or unavailable.
	Submissions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilitator_submissions_total",
		Help: "Transaction broadcast attempts by outcome.",
	}, []string{"outcome"})

	// SponsoredFees accumulates the network fees the facilitator paid on
	// confirmed payments, in lamports.
	SponsoredFees = promauto.NewCounter(prometheus.CounterOpts{
		Name: "facilitator_sponsored_fee_lamports_total",
		Help: "Network fees sponsored by the facilitator, in lamports.",
	})

	// GateChecks counts token gate decisions: allowed, denied or
	// unavailable.
	GateChecks = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "facilitator_gate_checks_total",
		Help: "Token gate access checks by result.",
	}, []string{"result"})

	// ActivePolls tracks confirmation pollers currently running.
	ActivePolls = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "facilitator_active_confirmation_polls",
		Help: "Confirmation pollers currently running.",
	})

	// SettlementDuration observes seconds from payment creation to
	// confirmation.
	SettlementDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "facilitator_settlement_duration_seconds",
		Help:    "Time from payment creation to ledger confirmation.",
		Buckets: prometheus.ExponentialBuckets(0.5, 2, 10),
	})
)
