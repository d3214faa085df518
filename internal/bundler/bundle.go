// Package bundler batches trade transactions into bundles, bids a priority
// fee for each bundle and drives it through submission and confirmation.
package bundler

import (
	"time"

	sol "github.com/gagliardetto/solana-go"

	"github.com/nexus-trading/heaven-engine/internal/solana"
	"github.com/nexus-trading/heaven-engine/internal/store"
)

// State of a bundle.
type State int

const (
	StatePending State = iota
	StateSubmitted
	StateConfirmed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateSubmitted:
		return "submitted"
	case StateConfirmed:
		return "confirmed"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateConfirmed || s == StateFailed
}

// TxOutcome is reported to every transaction of a bundle once the bundle
// reaches a terminal state.
type TxOutcome struct {
	TxID      string
	BundleID  string
	Signature solana.Signature
	Success   bool
	Error     string
}

// Transaction is one trade handed to the engine. It is copied into the
// bundle; the caller keeps no reference to engine state.
type Transaction struct {
	ID           string
	Instructions []sol.Instruction
	Signers      []solana.Pubkey
	FeePayer     solana.Pubkey
	ComputeUnits uint32
	PriorityFee  uint64
	Done         func(TxOutcome)
}

// Bundle is a batch submitted as one transaction.
type Bundle struct {
	ID           string
	Transactions []Transaction
	CreatedAt    time.Time
	TargetBlock  *uint64
	PriorityFee  uint64 // micro-lamports per compute unit
	State        State
	Signature    solana.Signature
}

func (b *Bundle) record() store.Bundle {
	return store.Bundle{
		ID:          b.ID,
		TxCount:     len(b.Transactions),
		CreatedAt:   b.CreatedAt,
		TargetBlock: b.TargetBlock,
		PriorityFee: b.PriorityFee,
		Status:      b.State.String(),
		Signature:   string(b.Signature),
	}
}

// View is a read-only summary of a bundle.
type View struct {
	ID          string    `json:"id"`
	TxCount     int       `json:"tx_count"`
	CreatedAt   time.Time `json:"created_at"`
	TargetBlock *uint64   `json:"target_block,omitempty"`
	PriorityFee uint64    `json:"priority_fee"`
	State       string    `json:"state"`
	Signature   string    `json:"signature,omitempty"`
}

func (b *Bundle) view() View {
	return View{
		ID:          b.ID,
		TxCount:     len(b.Transactions),
		CreatedAt:   b.CreatedAt,
		TargetBlock: b.TargetBlock,
		PriorityFee: b.PriorityFee,
		State:       b.State.String(),
		Signature:   string(b.Signature),
	}
}

// Result is the terminal outcome of a bundle.
type Result struct {
	BundleID    string           `json:"bundle_id"`
	Signature   solana.Signature `json:"signature"`
	Success     bool             `json:"success"`
	Error       string           `json:"error,omitempty"`
	SubmittedAt time.Time        `json:"submitted_at"`
	ConfirmedAt *time.Time       `json:"confirmed_at,omitempty"`
	TxCount     int              `json:"tx_count"`
	PriorityFee uint64           `json:"priority_fee"`
}

// Record converts r for persistence.
func (r Result) Record() store.BundleResult {
	return store.BundleResult{
		BundleID:    r.BundleID,
		Signature:   string(r.Signature),
		Success:     r.Success,
		Error:       r.Error,
		SubmittedAt: r.SubmittedAt,
		ConfirmedAt: r.ConfirmedAt,
		TxCount:     r.TxCount,
		PriorityFee: r.PriorityFee,
	}
}
