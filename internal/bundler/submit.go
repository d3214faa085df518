package bundler

import (
	"context"
	"fmt"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/heaven-engine/internal/observability"
	"github.com/nexus-trading/heaven-engine/internal/solana"
)

// Solana's per-transaction compute ceiling.
const maxComputeUnits = 1_400_000

// tipper is implemented by senders that need a tip appended, like Jito.
type tipper interface {
	TipInstructions(payer sol.PublicKey) []sol.Instruction
}

// process builds, signs, submits and confirms b, then records the outcome.
func (e *Engine) process(ctx context.Context, b *Bundle) {
	submittedAt := e.now()
	res := Result{
		BundleID:    b.ID,
		SubmittedAt: submittedAt,
		TxCount:     len(b.Transactions),
		PriorityFee: b.PriorityFee,
	}

	signed, err := e.build(ctx, b)
	if err != nil {
		res.Error = err.Error()
		e.sink.Error("bundler", err)
		e.finish(ctx, b, res)
		return
	}

	sig, err := e.submitWithRetry(ctx, signed)
	if err != nil {
		res.Error = err.Error()
		e.sink.Error("bundler", err)
		e.finish(ctx, b, res)
		return
	}

	e.mu.Lock()
	b.State = StateSubmitted
	b.Signature = sig
	e.mu.Unlock()
	res.Signature = sig
	e.submittedRuns.Add(1)
	e.submittedTxs.Add(int64(len(b.Transactions)))
	e.sink.Bundle(observability.OutcomeSubmitted, len(b.Transactions))

	log.Info().
		Str("bundle_id", b.ID).
		Str("signature", string(sig)).
		Int("tx_count", len(b.Transactions)).
		Uint64("priority_fee", b.PriorityFee).
		Str("via", e.sender.Name()).
		Msg("bundler: bundle submitted")

	ok, detail := solana.AwaitConfirmation(ctx, e.rpc, sig, e.cfg.ConfirmAttempts, e.cfg.ConfirmInterval, e.sleep)
	res.Success = ok
	res.Error = detail
	if ok {
		at := e.now()
		res.ConfirmedAt = &at
	}
	e.finish(ctx, b, res)
}

// assemble concatenates the bundle's instructions under one compute
// budget sized for every transaction.
func (e *Engine) assemble(b *Bundle) ([]sol.Instruction, uint32, uint64) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	var ixs []sol.Instruction
	for _, tx := range b.Transactions {
		ixs = append(ixs, tx.Instructions...)
	}
	units := uint64(e.cfg.ComputeUnitLimit) * uint64(len(b.Transactions))
	if units > maxComputeUnits {
		units = maxComputeUnits
	}
	return ixs, uint32(units), b.PriorityFee
}

func (e *Engine) build(ctx context.Context, b *Bundle) (solana.SignedTx, error) {
	ixs, units, fee := e.assemble(b)
	if t, ok := e.sender.(tipper); ok {
		ixs = append(ixs, t.TipInstructions(e.wallet.PublicKey())...)
	}

	bh, err := e.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		return solana.SignedTx{}, fmt.Errorf("bundler: blockhash: %w", err)
	}
	return solana.BuildAndSign(e.wallet, solana.BuildParams{
		Instructions:     ixs,
		ComputeUnitLimit: units,
		ComputeUnitPrice: fee,
		Blockhash:        bh,
	})
}

// submitWithRetry sends up to SubmitAttempts times, sleeping
// SubmitBackoff*attempt between failures.
func (e *Engine) submitWithRetry(ctx context.Context, tx solana.SignedTx) (solana.Signature, error) {
	var lastErr error
	for attempt := 1; attempt <= e.cfg.SubmitAttempts; attempt++ {
		sig, err := e.sender.Send(ctx, tx)
		if err == nil {
			return sig, nil
		}
		lastErr = err
		log.Warn().Err(err).Int("attempt", attempt).Str("via", e.sender.Name()).Msg("bundler: submission failed")
		if attempt < e.cfg.SubmitAttempts {
			if err := e.sleep(ctx, e.cfg.SubmitBackoff*time.Duration(attempt)); err != nil {
				return "", err
			}
		}
	}
	return "", fmt.Errorf("bundler: submission failed after %d attempts: %w", e.cfg.SubmitAttempts, lastErr)
}
