package position

import (
	"context"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"

	"github.com/nexus-trading/heaven-engine/internal/bundler"
	"github.com/nexus-trading/heaven-engine/internal/exchange"
	"github.com/nexus-trading/heaven-engine/internal/solana"
)

// Order is a transaction to execute on behalf of a position.
type Order struct {
	PositionID   string
	Closing      bool
	Mint         solana.Pubkey
	Side         exchange.Side
	Instructions []sol.Instruction
}

// Outcome reports how an Order ended.
type Outcome struct {
	PositionID string
	Closing    bool
	Success    bool
	Signature  solana.Signature
	Error      string
}

// Executor runs an order and reports through done exactly once. done may
// be called before Execute returns.
type Executor interface {
	Name() string
	Execute(ctx context.Context, o Order, done func(Outcome))
}

// DirectExecutor signs and sends each order as its own transaction and
// waits for confirmation.
type DirectExecutor struct {
	rpc              solana.RPCClient
	wallet           *solana.Wallet
	computeUnitLimit uint32
	computeUnitPrice uint64

	confirmAttempts int
	confirmInterval time.Duration
	sleep           solana.SleepFunc
}

func NewDirectExecutor(rpc solana.RPCClient, wallet *solana.Wallet, cuLimit uint32, cuPrice uint64) *DirectExecutor {
	return &DirectExecutor{
		rpc:              rpc,
		wallet:           wallet,
		computeUnitLimit: cuLimit,
		computeUnitPrice: cuPrice,
		confirmAttempts:  30,
		confirmInterval:  time.Second,
		sleep:            solana.Sleep,
	}
}

func (d *DirectExecutor) Name() string { return "direct" }

func (d *DirectExecutor) Execute(ctx context.Context, o Order, done func(Outcome)) {
	out := Outcome{PositionID: o.PositionID, Closing: o.Closing}

	bh, err := d.rpc.GetLatestBlockhash(ctx)
	if err != nil {
		out.Error = err.Error()
		done(out)
		return
	}
	signed, err := solana.BuildAndSign(d.wallet, solana.BuildParams{
		Instructions:     o.Instructions,
		ComputeUnitLimit: d.computeUnitLimit,
		ComputeUnitPrice: d.computeUnitPrice,
		Blockhash:        bh,
	})
	if err != nil {
		out.Error = err.Error()
		done(out)
		return
	}
	sig, err := d.rpc.SendTransaction(ctx, signed.Base64)
	if err != nil {
		out.Error = err.Error()
		done(out)
		return
	}
	out.Signature = sig

	log.Debug().Str("position_id", o.PositionID).Str("signature", string(sig)).Bool("closing", o.Closing).Msg("position: transaction sent")

	ok, detail := solana.AwaitConfirmation(ctx, d.rpc, sig, d.confirmAttempts, d.confirmInterval, d.sleep)
	out.Success = ok
	out.Error = detail
	done(out)
}

// BundledExecutor hands orders to the bundle engine, which reports back
// once the bundle is confirmed or failed.
type BundledExecutor struct {
	engine *bundler.Engine
	payer  solana.Pubkey
}

func NewBundledExecutor(engine *bundler.Engine, payer solana.Pubkey) *BundledExecutor {
	return &BundledExecutor{engine: engine, payer: payer}
}

func (b *BundledExecutor) Name() string { return "bundled" }

func (b *BundledExecutor) Execute(ctx context.Context, o Order, done func(Outcome)) {
	tx := bundler.Transaction{
		ID:           o.PositionID,
		Instructions: o.Instructions,
		Signers:      []solana.Pubkey{b.payer},
		FeePayer:     b.payer,
		Done: func(r bundler.TxOutcome) {
			done(Outcome{
				PositionID: o.PositionID,
				Closing:    o.Closing,
				Success:    r.Success,
				Signature:  r.Signature,
				Error:      r.Error,
			})
		},
	}
	if _, err := b.engine.AddTransaction(ctx, tx); err != nil {
		done(Outcome{PositionID: o.PositionID, Closing: o.Closing, Error: err.Error()})
	}
}

// DryRunExecutor confirms every order without touching the ledger.
type DryRunExecutor struct{}

func (DryRunExecutor) Name() string { return "dry_run" }

func (DryRunExecutor) Execute(_ context.Context, o Order, done func(Outcome)) {
	prefix := "DRYRUN-OPEN-"
	if o.Closing {
		prefix = "DRYRUN-CLOSE-"
	}
	log.Info().Str("position_id", o.PositionID).Str("mint", string(o.Mint)).Str("side", string(o.Side)).Bool("closing", o.Closing).Msg("position: dry run, transaction not sent")
	done(Outcome{
		PositionID: o.PositionID,
		Closing:    o.Closing,
		Success:    true,
		Signature:  solana.Signature(prefix + o.PositionID),
	})
}
