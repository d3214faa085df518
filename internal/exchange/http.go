package exchange

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	sol "github.com/gagliardetto/solana-go"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"

	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/nexus-trading/heaven-engine/internal/quote"
	"github.com/nexus-trading/heaven-engine/internal/solana"
)

// ---------------------------------------------------------------------------
// HTTP Adapter: launchpad indexer API, quotes computed locally
// ---------------------------------------------------------------------------

// HTTPAdapter reads pool state, listings and trader activity from the
// indexer and asks it for encoded swap instructions.
type HTTPAdapter struct {
	baseURL    string
	httpClient *http.Client
}

func NewHTTPAdapter(baseURL string, timeout time.Duration) *HTTPAdapter {
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &HTTPAdapter{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
	}
}

type poolDTO struct {
	BaseReserve  decimal.Decimal  `json:"base_reserve"`
	QuoteReserve decimal.Decimal  `json:"quote_reserve"`
	MarketCap    decimal.Decimal  `json:"market_cap"`
	Category     string           `json:"category"`
	Fees         *feeStructureDTO `json:"fees,omitempty"`
}

type feeStructureDTO struct {
	Base     decimal.Decimal `json:"base"`
	Protocol decimal.Decimal `json:"protocol"`
	Creator  decimal.Decimal `json:"creator"`
}

type instructionRequest struct {
	Owner  string `json:"owner"`
	Mint   string `json:"mint"`
	Amount string `json:"amount"`
	MinOut string `json:"min_out"`
}

type instructionDTO struct {
	ProgramID string `json:"program_id"`
	Accounts  []struct {
		Pubkey     string `json:"pubkey"`
		IsSigner   bool   `json:"is_signer"`
		IsWritable bool   `json:"is_writable"`
	} `json:"accounts"`
	Data string `json:"data"` // base64
}

func (a *HTTPAdapter) do(ctx context.Context, method, path string, body any, out any) error {
	var reader io.Reader
	if body != nil {
		raw, err := sonnet.Marshal(body)
		if err != nil {
			return errs.WrapErr(errs.ErrInternal, err, "exchange: marshal request")
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, a.baseURL+path, reader)
	if err != nil {
		return errs.WrapErr(errs.ErrInternal, err, "exchange: create request")
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := a.httpClient.Do(req)
	if err != nil {
		return errs.WrapErr(errs.ErrNetwork, err, "exchange: "+path)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return errs.WrapErr(errs.ErrNetwork, err, "exchange: read "+path)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return errs.Wrap(errs.ErrPoolNotFound, "exchange: %s", path)
	case resp.StatusCode == http.StatusTooManyRequests:
		return errs.Wrap(errs.ErrRateLimit, "exchange: %s", path)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return errs.Wrap(errs.ErrNetwork, "exchange: %s HTTP %d: %s", path, resp.StatusCode, string(respBody))
	}

	if out == nil {
		return nil
	}
	if err := sonnet.Unmarshal(respBody, out); err != nil {
		return errs.WrapErr(errs.ErrNetwork, err, "exchange: decode "+path)
	}
	return nil
}

func (a *HTTPAdapter) GetPoolState(ctx context.Context, mint solana.Pubkey) (quote.Pool, error) {
	var dto poolDTO
	if err := a.do(ctx, http.MethodGet, "/pools/"+url.PathEscape(string(mint)), nil, &dto); err != nil {
		return quote.Pool{}, err
	}

	fees := quote.FeeStructureFor(dto.Category, dto.MarketCap)
	if dto.Fees != nil {
		fees = quote.FeeStructure{Base: dto.Fees.Base, Protocol: dto.Fees.Protocol, Creator: dto.Fees.Creator}
	}
	return quote.Pool{
		BaseReserve:  dto.BaseReserve,
		QuoteReserve: dto.QuoteReserve,
		Fees:         fees,
	}, nil
}

func (a *HTTPAdapter) GetBuyQuote(ctx context.Context, mint solana.Pubkey, solIn, maxSlippage decimal.Decimal) (quote.Quote, error) {
	pool, err := a.GetPoolState(ctx, mint)
	if err != nil {
		return quote.Quote{}, err
	}
	return quote.Compute(pool, quote.Buy, solIn, maxSlippage)
}

func (a *HTTPAdapter) GetSellQuote(ctx context.Context, mint solana.Pubkey, tokensIn, maxSlippage decimal.Decimal) (quote.Quote, error) {
	pool, err := a.GetPoolState(ctx, mint)
	if err != nil {
		return quote.Quote{}, err
	}
	return quote.Compute(pool, quote.Sell, tokensIn, maxSlippage)
}

func (a *HTTPAdapter) GetTokenPrice(ctx context.Context, mint solana.Pubkey) (decimal.Decimal, error) {
	pool, err := a.GetPoolState(ctx, mint)
	if err != nil {
		return decimal.Zero, err
	}
	return pool.SpotPrice()
}

func (a *HTTPAdapter) CreateBuyInstruction(ctx context.Context, owner, mint solana.Pubkey, solIn, minTokensOut decimal.Decimal) (Instruction, error) {
	return a.instruction(ctx, "buy", owner, mint, solIn, minTokensOut)
}

func (a *HTTPAdapter) CreateSellInstruction(ctx context.Context, owner, mint solana.Pubkey, tokensIn, minSOLOut decimal.Decimal) (Instruction, error) {
	return a.instruction(ctx, "sell", owner, mint, tokensIn, minSOLOut)
}

func (a *HTTPAdapter) instruction(ctx context.Context, side string, owner, mint solana.Pubkey, amount, minOut decimal.Decimal) (Instruction, error) {
	var dto instructionDTO
	err := a.do(ctx, http.MethodPost, "/instructions/"+side, instructionRequest{
		Owner:  string(owner),
		Mint:   string(mint),
		Amount: amount.String(),
		MinOut: minOut.String(),
	}, &dto)
	if err != nil {
		return nil, err
	}
	return dto.decode()
}

func (dto instructionDTO) decode() (Instruction, error) {
	programID, err := sol.PublicKeyFromBase58(dto.ProgramID)
	if err != nil {
		return nil, errs.Transaction("exchange: bad program id %q: %v", dto.ProgramID, err)
	}
	data, err := base64.StdEncoding.DecodeString(dto.Data)
	if err != nil {
		return nil, errs.Transaction("exchange: bad instruction data: %v", err)
	}
	metas := make(sol.AccountMetaSlice, 0, len(dto.Accounts))
	for _, acc := range dto.Accounts {
		pk, err := sol.PublicKeyFromBase58(acc.Pubkey)
		if err != nil {
			return nil, errs.Transaction("exchange: bad account %q: %v", acc.Pubkey, err)
		}
		metas = append(metas, sol.NewAccountMeta(pk, acc.IsWritable, acc.IsSigner))
	}
	return sol.NewInstruction(programID, metas, data), nil
}

func (a *HTTPAdapter) ScanNewLaunches(ctx context.Context) ([]Listing, error) {
	var listings []Listing
	if err := a.do(ctx, http.MethodGet, "/launches", nil, &listings); err != nil {
		return nil, err
	}
	log.Debug().Int("count", len(listings)).Msg("exchange: launches fetched")
	return listings, nil
}

func (a *HTTPAdapter) GetTraderTrades(ctx context.Context, trader solana.Pubkey) ([]TraderTrade, error) {
	var trades []TraderTrade
	path := fmt.Sprintf("/traders/%s/trades", url.PathEscape(string(trader)))
	if err := a.do(ctx, http.MethodGet, path, nil, &trades); err != nil {
		return nil, err
	}
	for i := range trades {
		if trades[i].Trader == "" {
			trades[i].Trader = trader
		}
	}
	return trades, nil
}

// Ping checks the indexer is reachable.
func (a *HTTPAdapter) Ping(ctx context.Context) error {
	return a.do(ctx, http.MethodGet, "/health", nil, nil)
}
