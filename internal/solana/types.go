package solana

import (
	"github.com/shopspring/decimal"
)

// Pubkey is a Solana public key (base58 string).
type Pubkey string

// Signature is a Solana transaction signature.
type Signature string

// Slot is a ledger slot number.
type Slot = uint64

// TxStatus is the confirmation state of a submitted transaction.
type TxStatus string

const (
	TxPending TxStatus = "pending"
	TxOK      TxStatus = "ok"
	TxErr     TxStatus = "err"
)

// PrioritizationFee is one entry of getRecentPrioritizationFees, in
// micro-lamports per compute unit.
type PrioritizationFee struct {
	Slot Slot   `json:"slot"`
	Fee  uint64 `json:"prioritizationFee"`
}

// Blockhash is a recent blockhash together with its expiry height.
type Blockhash struct {
	Hash                 string `json:"blockhash"`
	LastValidBlockHeight uint64 `json:"lastValidBlockHeight"`
}

// SignedTx is a fully signed transaction ready for submission.
type SignedTx struct {
	Signature Signature `json:"signature"`
	Base64    string    `json:"base64"`
}

const LamportsPerSOL = 1_000_000_000

var lamportsPerSOL = decimal.NewFromInt(LamportsPerSOL)

// LamportsToSOL converts a raw lamport amount to SOL.
func LamportsToSOL(lamports uint64) decimal.Decimal {
	return decimal.NewFromUint64(lamports).Div(lamportsPerSOL)
}

// SOLToLamports converts SOL to lamports, truncating sub-lamport dust.
// Negative amounts map to zero.
func SOLToLamports(sol decimal.Decimal) uint64 {
	if !sol.IsPositive() {
		return 0
	}
	return uint64(sol.Mul(lamportsPerSOL).IntPart())
}

// Well-known addresses.
const (
	SOLMint         Pubkey = "So11111111111111111111111111111111111111112"
	TokenProgramID  Pubkey = "TokenkegQfeZyiNwAJbNbGKPFXCWuBvf9Ss623VQ5DA"
	ComputeBudgetID Pubkey = "ComputeBudget111111111111111111111111111111"
	SystemProgramID Pubkey = "11111111111111111111111111111111"
)
