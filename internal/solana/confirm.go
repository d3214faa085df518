package solana

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

// Sleep is the real SleepFunc.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// AwaitConfirmation polls sig up to attempts times, interval apart. It
// returns true on success, or false with the on-chain error, the context
// error, or "confirmation timeout".
func AwaitConfirmation(ctx context.Context, rpc RPCClient, sig Signature, attempts int, interval time.Duration, sleep SleepFunc) (bool, string) {
	if sleep == nil {
		sleep = Sleep
	}
	for i := 0; i < attempts; i++ {
		status, detail, err := rpc.GetTransactionStatus(ctx, sig)
		switch {
		case err != nil:
			log.Debug().Err(err).Str("signature", string(sig)).Msg("solana: status poll failed")
		case status == TxOK:
			return true, ""
		case status == TxErr:
			if detail == "" {
				detail = "transaction failed on chain"
			}
			return false, detail
		}
		if i < attempts-1 {
			if err := sleep(ctx, interval); err != nil {
				return false, err.Error()
			}
		}
	}
	return false, "confirmation timeout"
}
