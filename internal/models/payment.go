package models

import (
	"fmt"
	"time"
)

// Status is the lifecycle state of a Payment.
type Status string

const (
	StatusCreated           Status = "created"
	StatusAwaitingSignature Status = "awaiting_signature"
	StatusSubmitted         Status = "submitted"
	StatusConfirmed         Status = "confirmed"
	StatusFailed            Status = "failed"
	StatusExpired           Status = "expired"
)

// Failure causes recorded on payments that reach StatusFailed.
const (
	CauseRejectedByLedger       = "rejected_by_ledger"
	CauseRPCUnavailable         = "rpc_unavailable"
	CauseSignerUnavailable      = "signer_unavailable"
	CauseConfirmedButMismatched = "confirmed_but_mismatched"
)

// transitions lists the allowed forward edges of the payment state machine.
// Terminal states have no outgoing edges.
var transitions = map[Status][]Status{
	StatusCreated:           {StatusAwaitingSignature, StatusFailed, StatusExpired},
	StatusAwaitingSignature: {StatusSubmitted, StatusFailed, StatusExpired},
	StatusSubmitted:         {StatusConfirmed, StatusFailed, StatusExpired},
}

// statusRank orders statuses along the lifecycle. Observers may rely on the
// rank of a payment's status never decreasing over time.
var statusRank = map[Status]int{
	StatusCreated:           0,
	StatusAwaitingSignature: 1,
	StatusSubmitted:         2,
	StatusConfirmed:         3,
	StatusFailed:            3,
	StatusExpired:           3,
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Terminal reports whether s is an absorbing state.
func (s Status) Terminal() bool {
	return s == StatusConfirmed || s == StatusFailed || s == StatusExpired
}

// Rank returns the position of s along the lifecycle ordering.
func (s Status) Rank() int {
	return statusRank[s]
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// StatusChange is one recorded edge of a payment's lifecycle.
type StatusChange struct {
	From  Status    `bson:"from" json:"from"`
	To    Status    `bson:"to" json:"to"`
	At    time.Time `bson:"at" json:"at"`
	Cause string    `bson:"cause,omitempty" json:"cause,omitempty"`
}

// Payment is the central settlement record. It is created by the settlement
// engine and mutated only through state-machine transitions; the tx fields
// are write-once as the lifecycle advances.
type Payment struct {
	ID                 string `bson:"_id" json:"id"`
	PayerAddress       string `bson:"payer_address" json:"payerAddress"`
	FacilitatorAddress string `bson:"facilitator_address" json:"facilitatorAddress"`
	Token              Token  `bson:"token" json:"token"`
	Amount             uint64 `bson:"amount" json:"amount"`
	Network            string `bson:"network" json:"network"`
	Status             Status `bson:"status" json:"status"`

	// UnsignedTx is the base64 transaction skeleton the payer must sign.
	// CosignedTx is retained for audit only and never exposed over HTTP.
	// Reference is the per-payment account baked into the transfer
	// instruction; it makes the skeleton unique to this payment.
	UnsignedTx     string `bson:"unsigned_tx,omitempty" json:"unsignedTx,omitempty"`
	CosignedTx     string `bson:"cosigned_tx,omitempty" json:"-"`
	Reference      string `bson:"reference,omitempty" json:"reference,omitempty"`
	LedgerTxHandle string `bson:"ledger_tx_handle,omitempty" json:"ledgerTxHandle,omitempty"`

	FailureCause   string `bson:"failure_cause,omitempty" json:"failureCause,omitempty"`
	IdempotencyKey string `bson:"idempotency_key,omitempty" json:"idempotencyKey,omitempty"`

	CreatedAt time.Time `bson:"created_at" json:"createdAt"`
	UpdatedAt time.Time `bson:"updated_at" json:"updatedAt"`
	ExpiresAt time.Time `bson:"expires_at" json:"expiresAt"`

	StatusHistory []StatusChange `bson:"status_history,omitempty" json:"statusHistory,omitempty"`
}

// TransitionTo moves the payment to next if the state machine allows it,
// recording the edge in the status history. The cause is kept on the history
// entry and, for failures, on FailureCause.
func (p *Payment) TransitionTo(next Status, cause string) error {
	if !p.Status.CanTransitionTo(next) {
		return fmt.Errorf("invalid transition %s -> %s for payment %s", p.Status, next, p.ID)
	}
	now := time.Now().UTC()
	p.StatusHistory = append(p.StatusHistory, StatusChange{
		From:  p.Status,
		To:    next,
		At:    now,
		Cause: cause,
	})
	p.Status = next
	if next == StatusFailed {
		p.FailureCause = cause
	}
	p.UpdatedAt = now
	return nil
}

// ExpiryDue reports whether the payment should transition to expired.
func (p *Payment) ExpiryDue(now time.Time) bool {
	return !p.Status.Terminal() && now.After(p.ExpiresAt)
}

// Clone returns a deep copy of the payment.
func (p *Payment) Clone() *Payment {
	cp := *p
	if p.StatusHistory != nil {
		cp.StatusHistory = make([]StatusChange, len(p.StatusHistory))
		copy(cp.StatusHistory, p.StatusHistory)
	}
	return &cp
}
