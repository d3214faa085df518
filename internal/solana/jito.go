package solana

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"github.com/nexus-trading/heaven-engine/internal/errs"
)

// ---------------------------------------------------------------------------
// Jito Sender: bundle submission through the block engine
// ---------------------------------------------------------------------------

const (
	jitoMainnetURL = "https://mainnet.block-engine.jito.wtf/api/v1"
	jitoBundlePath = "/bundles"
)

var jitoTipAccounts = []Pubkey{
	"96gYZGLnJYVFmbjzopPSU6QiEV5fGqZNyN9nmNhvrZU5",
	"HFqU5x63VTqvQss8hp11i4bVqkfRtQ7NmXwkiY8X9W5E",
	"Cw8CFyM9FkoMi7K7Crf6HNQqf4uEMzpKw6QNghXLvLkY",
	"ADaUMid9yfUytqMBgopwjb2DTLSLuiv3Jhqzsg1dbE7B",
	"DfXygSm4jCyNCzbzYYR18MFJkvDVwVS7s3d7rZmLhRDd",
	"ADuUkR4vqLUMWXxW9gh6D6L8pMSawimctcNZ5pGwDcEt",
	"DttWaMuVvTiduZRnguLF7jNxTgiMBZ1hyAumKUiL2KRL",
	"3AVi9Tg9Uo68tJfuvoKvqKNWKkC5wPdSSdeBnizKZ6jT",
}

// JitoConfig configures the Jito sender.
type JitoConfig struct {
	BlockEngineURL string          `yaml:"block_engine_url"`
	TipSOL         decimal.Decimal `yaml:"tip_sol"`
	TimeoutMs      int             `yaml:"timeout_ms"`
}

// DefaultJitoConfig returns mainnet defaults with a 0.001 SOL tip.
func DefaultJitoConfig() JitoConfig {
	return JitoConfig{
		BlockEngineURL: jitoMainnetURL,
		TipSOL:         decimal.NewFromFloat(0.001),
		TimeoutMs:      5000,
	}
}

// JitoSender submits signed transactions as single-transaction Jito bundles.
// The returned signature is the transaction's own, so confirmation is polled
// through the regular RPC client.
type JitoSender struct {
	config     JitoConfig
	httpClient *http.Client
	tipAcctIdx atomic.Uint32

	bundlesSent   atomic.Int64
	bundlesFailed atomic.Int64
	tipLamports   atomic.Int64
}

func NewJitoSender(config JitoConfig) *JitoSender {
	if config.BlockEngineURL == "" {
		config.BlockEngineURL = jitoMainnetURL
	}
	timeout := time.Duration(config.TimeoutMs) * time.Millisecond
	if timeout == 0 {
		timeout = 5 * time.Second
	}
	return &JitoSender{
		config:     config,
		httpClient: &http.Client{Timeout: timeout},
	}
}

func (j *JitoSender) Name() string { return "jito" }

// NextTipAccount returns the next tip account (round-robin).
func (j *JitoSender) NextTipAccount() Pubkey {
	idx := j.tipAcctIdx.Add(1) - 1
	return jitoTipAccounts[idx%uint32(len(jitoTipAccounts))]
}

// TipInstructions returns the tip transfer to append to a bundle paid by
// payer. A zero tip returns nothing.
func (j *JitoSender) TipInstructions(payer sol.PublicKey) []sol.Instruction {
	lamports := SOLToLamports(j.config.TipSOL)
	if lamports == 0 {
		return nil
	}
	tip := sol.MustPublicKeyFromBase58(string(j.NextTipAccount()))
	return []sol.Instruction{Transfer(payer, tip, lamports)}
}

type jitoResponse struct {
	JSONRPC string    `json:"jsonrpc"`
	ID      int       `json:"id"`
	Result  string    `json:"result,omitempty"`
	Error   *rpcError `json:"error,omitempty"`
}

// Send posts sendBundle with the encoded transaction.
func (j *JitoSender) Send(ctx context.Context, tx SignedTx) (Signature, error) {
	if tx.Base64 == "" {
		return "", errs.Transaction("jito: empty transaction")
	}

	body, err := sonnet.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "sendBundle",
		Params:  []any{[]string{tx.Base64}, map[string]any{"encoding": "base64"}},
	})
	if err != nil {
		return "", errs.WrapErr(errs.ErrInternal, err, "jito: marshal request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.config.BlockEngineURL+jitoBundlePath, bytes.NewReader(body))
	if err != nil {
		return "", errs.WrapErr(errs.ErrInternal, err, "jito: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.httpClient.Do(req)
	if err != nil {
		j.bundlesFailed.Add(1)
		return "", errs.WrapErr(errs.ErrNetwork, err, "jito: http")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		j.bundlesFailed.Add(1)
		return "", errs.WrapErr(errs.ErrNetwork, err, "jito: read response")
	}
	if resp.StatusCode != http.StatusOK {
		j.bundlesFailed.Add(1)
		return "", errs.Wrap(errs.ErrNetwork, "jito: HTTP %d: %s", resp.StatusCode, string(respBody))
	}

	var out jitoResponse
	if err := sonnet.Unmarshal(respBody, &out); err != nil {
		j.bundlesFailed.Add(1)
		return "", errs.WrapErr(errs.ErrRPC, err, "jito: parse response")
	}
	if out.Error != nil {
		j.bundlesFailed.Add(1)
		return "", errs.Wrap(errs.ErrRPC, "jito: error %d: %s", out.Error.Code, out.Error.Message)
	}

	j.bundlesSent.Add(1)
	j.tipLamports.Add(int64(SOLToLamports(j.config.TipSOL)))

	log.Info().
		Str("bundle_id", out.Result).
		Str("sig", string(tx.Signature)).
		Str("tip_sol", j.config.TipSOL.String()).
		Msg("jito: bundle submitted")

	return tx.Signature, nil
}

// JitoStats returns Jito sender statistics.
type JitoStats struct {
	BundlesSent   int64  `json:"bundles_sent"`
	BundlesFailed int64  `json:"bundles_failed"`
	TotalTipSOL   string `json:"total_tip_sol"`
}

func (j *JitoSender) Stats() JitoStats {
	return JitoStats{
		BundlesSent:   j.bundlesSent.Load(),
		BundlesFailed: j.bundlesFailed.Load(),
		TotalTipSOL:   LamportsToSOL(uint64(j.tipLamports.Load())).String(),
	}
}

// RPCSender submits through the regular sendTransaction path.
type RPCSender struct {
	RPC RPCClient
}

func (r RPCSender) Name() string { return "rpc" }

func (r RPCSender) Send(ctx context.Context, tx SignedTx) (Signature, error) {
	if tx.Base64 == "" {
		return "", errs.Transaction("rpc: empty transaction")
	}
	sig, err := r.RPC.SendTransaction(ctx, tx.Base64)
	if err != nil {
		return "", fmt.Errorf("rpc sender: %w", err)
	}
	return sig, nil
}
