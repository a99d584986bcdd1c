package models

import "time"

// LedgerKind distinguishes credits from debits. Amounts are always non-negative.
type LedgerKind string

const (
	LedgerAward   LedgerKind = "award"
	LedgerPenalty LedgerKind = "penalty"
)

// Ledger reasons used by the verification engine.
const (
	ReasonStartReward        = "start_reward"
	ReasonCompletionReward   = "completion_reward"
	ReasonStartPenaltyRefund = "start_penalty_refund"
	ReasonStartTimeout       = "start_timeout"
	ReasonCompletionTimeout  = "completion_timeout"
	ReasonVerificationStrike = "verification_failures"
	ReasonBypassComplete     = "bypass_complete"
)

// LedgerEntry is a single gold movement. Key is unique per (task, transition).
type LedgerEntry struct {
	Key       string     `json:"key"`
	TaskID    string     `json:"taskId"`
	TaskLabel string     `json:"taskLabel"`
	Kind      LedgerKind `json:"kind"`
	Amount    int        `json:"amount"`
	Reason    string     `json:"reason"`
	CreatedAt time.Time  `json:"createdAt"`
}

// Signed returns the amount with the sign implied by the kind.
func (e LedgerEntry) Signed() int {
	if e.Kind == LedgerPenalty {
		return -e.Amount
	}
	return e.Amount
}
