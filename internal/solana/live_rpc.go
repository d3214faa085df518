package solana

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync/atomic"
	"time"

	"github.com/nexus-trading/heaven-engine/internal/errs"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/sugawarayuuta/sonnet"
)

// ---------------------------------------------------------------------------
// Live RPC Client: Solana JSON-RPC with rate limiting, retry and breaker
// ---------------------------------------------------------------------------

// LiveRPCClient connects to a real Solana RPC endpoint.
type LiveRPCClient struct {
	config     RPCConfig
	httpClient *http.Client

	// Token bucket, refilled at RateLimitRPS.
	limiter chan struct{}
	stop    context.CancelFunc

	nextID atomic.Int64

	consecutiveErrors atomic.Int64
	circuitOpen       atomic.Bool

	requestCount  atomic.Int64
	errorCount    atomic.Int64
	latencySum    atomic.Int64 // microseconds
	lastRequestAt atomic.Int64
}

const (
	circuitBreakerThreshold = 10
	circuitBreakerCooldown  = 30 * time.Second
)

// NewLiveRPCClient creates a live Solana RPC client. Close releases the
// limiter goroutine.
func NewLiveRPCClient(config RPCConfig) *LiveRPCClient {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	if config.MaxRetries == 0 {
		config.MaxRetries = 3
	}
	if config.RateLimitRPS == 0 {
		config.RateLimitRPS = 10
	}
	if config.Commitment == "" {
		config.Commitment = "confirmed"
	}

	bucketSize := int(config.RateLimitRPS)
	if bucketSize < 1 {
		bucketSize = 1
	}
	limiter := make(chan struct{}, bucketSize)
	for i := 0; i < bucketSize; i++ {
		limiter <- struct{}{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &LiveRPCClient{
		config:     config,
		httpClient: &http.Client{Timeout: config.Timeout},
		limiter:    limiter,
		stop:       cancel,
	}
	go c.refill(ctx)
	return c
}

func (c *LiveRPCClient) refill(ctx context.Context) {
	ticker := time.NewTicker(time.Duration(float64(time.Second) / c.config.RateLimitRPS))
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case c.limiter <- struct{}{}:
			default:
			}
		}
	}
}

// Close shuts down the RPC client.
func (c *LiveRPCClient) Close() {
	c.stop()
}

type rpcRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params,omitempty"`
}

type rpcResponse struct {
	JSONRPC string            `json:"jsonrpc"`
	ID      int64             `json:"id"`
	Result  sonnet.RawMessage `json:"result,omitempty"`
	Error   *rpcError         `json:"error,omitempty"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// errRetryable marks transport-level failures worth another attempt.
type errRetryable struct{ err error }

func (e errRetryable) Error() string { return e.err.Error() }
func (e errRetryable) Unwrap() error { return e.err }

// call makes a rate-limited, retried JSON-RPC call.
func (c *LiveRPCClient) call(ctx context.Context, method string, params []any) (sonnet.RawMessage, error) {
	if c.circuitOpen.Load() {
		return nil, errs.Wrap(errs.ErrNetwork, "rpc: circuit breaker open for %s", method)
	}

	select {
	case <-c.limiter:
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	body, err := sonnet.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return nil, errs.WrapErr(errs.ErrInternal, err, "rpc: marshal request")
	}

	var lastErr error
	for attempt := 0; attempt <= c.config.MaxRetries; attempt++ {
		if attempt > 0 {
			// 500ms, then 2s, 4s...
			backoff := 500 * time.Millisecond
			if attempt > 1 {
				backoff = time.Duration(1<<uint(attempt-1)) * time.Second
			}
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}

		result, err := c.do(ctx, method, body, attempt)
		if err == nil {
			c.consecutiveErrors.Store(0)
			return result, nil
		}
		var retry errRetryable
		if !errors.As(err, &retry) {
			return nil, err
		}
		lastErr = retry.err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}

	return nil, errs.WrapErr(errs.ErrNetwork, lastErr, fmt.Sprintf("rpc: %s failed after %d attempts", method, c.config.MaxRetries+1))
}

// do performs one HTTP round trip. Transport and decode failures come back
// as errRetryable, JSON-RPC errors as plain ErrRPC.
func (c *LiveRPCClient) do(ctx context.Context, method string, body []byte, attempt int) (sonnet.RawMessage, error) {
	start := time.Now()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, errs.WrapErr(errs.ErrInternal, err, "rpc: create request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.recordError()
		return nil, errRetryable{fmt.Errorf("rpc: %s http error: %w", method, err)}
	}
	respBody, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	if err != nil {
		c.recordError()
		return nil, errRetryable{fmt.Errorf("rpc: %s read response: %w", method, err)}
	}

	c.requestCount.Add(1)
	c.latencySum.Add(time.Since(start).Microseconds())
	c.lastRequestAt.Store(time.Now().UnixMilli())

	if resp.StatusCode == http.StatusTooManyRequests {
		// 429 does not count towards the breaker.
		c.errorCount.Add(1)
		select {
		case <-time.After(time.Duration(2<<uint(attempt)) * time.Second):
		case <-ctx.Done():
		}
		return nil, errRetryable{errs.Wrap(errs.ErrRateLimit, "rpc: %s rate limited (429)", method)}
	}
	if resp.StatusCode != http.StatusOK {
		c.recordError()
		return nil, errRetryable{fmt.Errorf("rpc: %s HTTP %d: %s", method, resp.StatusCode, string(respBody))}
	}

	var rpcResp rpcResponse
	if err := sonnet.Unmarshal(respBody, &rpcResp); err != nil {
		c.recordError()
		return nil, errRetryable{fmt.Errorf("rpc: %s unmarshal response: %w", method, err)}
	}
	if rpcResp.Error != nil {
		c.consecutiveErrors.Store(0)
		return nil, errs.Wrap(errs.ErrRPC, "%s error %d: %s", method, rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// recordError counts a failure and opens the breaker after
// circuitBreakerThreshold consecutive ones.
func (c *LiveRPCClient) recordError() {
	c.errorCount.Add(1)
	count := c.consecutiveErrors.Add(1)
	if count < circuitBreakerThreshold {
		return
	}
	if c.circuitOpen.CompareAndSwap(false, true) {
		log.Error().Int64("errors", count).Msg("rpc: CIRCUIT BREAKER OPEN")
		time.AfterFunc(circuitBreakerCooldown, func() {
			c.circuitOpen.Store(false)
			c.consecutiveErrors.Store(0)
			log.Info().Msg("rpc: circuit breaker reset")
		})
	}
}

// ---------------------------------------------------------------------------
// RPCClient interface implementation
// ---------------------------------------------------------------------------

func (c *LiveRPCClient) commitment() map[string]any {
	return map[string]any{"commitment": c.config.Commitment}
}

func (c *LiveRPCClient) GetBalance(ctx context.Context, account Pubkey) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getBalance", []any{string(account), c.commitment()})
	if err != nil {
		return decimal.Zero, err
	}
	var resp struct {
		Value uint64 `json:"value"`
	}
	if err := sonnet.Unmarshal(result, &resp); err != nil {
		return decimal.Zero, errs.WrapErr(errs.ErrRPC, err, "parse balance")
	}
	return LamportsToSOL(resp.Value), nil
}

func (c *LiveRPCClient) GetTokenBalance(ctx context.Context, owner, mint Pubkey) (decimal.Decimal, error) {
	result, err := c.call(ctx, "getTokenAccountsByOwner", []any{
		string(owner),
		map[string]any{"mint": string(mint)},
		map[string]any{"encoding": "jsonParsed", "commitment": c.config.Commitment},
	})
	if err != nil {
		return decimal.Zero, err
	}

	var resp struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount struct {
								UIAmountString string `json:"uiAmountString"`
							} `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	if err := sonnet.Unmarshal(result, &resp); err != nil {
		return decimal.Zero, errs.WrapErr(errs.ErrRPC, err, "parse token accounts")
	}

	total := decimal.Zero
	for _, ta := range resp.Value {
		amount, err := decimal.NewFromString(ta.Account.Data.Parsed.Info.TokenAmount.UIAmountString)
		if err != nil {
			continue
		}
		total = total.Add(amount)
	}
	return total, nil
}

func (c *LiveRPCClient) GetLatestBlockhash(ctx context.Context) (Blockhash, error) {
	result, err := c.call(ctx, "getLatestBlockhash", []any{c.commitment()})
	if err != nil {
		return Blockhash{}, err
	}
	var resp struct {
		Value Blockhash `json:"value"`
	}
	if err := sonnet.Unmarshal(result, &resp); err != nil {
		return Blockhash{}, errs.WrapErr(errs.ErrRPC, err, "parse blockhash")
	}
	if resp.Value.Hash == "" {
		return Blockhash{}, errs.Wrap(errs.ErrRPC, "empty blockhash")
	}
	return resp.Value, nil
}

func (c *LiveRPCClient) GetSlot(ctx context.Context) (Slot, error) {
	result, err := c.call(ctx, "getSlot", []any{c.commitment()})
	if err != nil {
		return 0, err
	}
	var slot uint64
	if err := sonnet.Unmarshal(result, &slot); err != nil {
		return 0, errs.WrapErr(errs.ErrRPC, err, "parse slot")
	}
	return slot, nil
}

// SendTransaction submits a signed transaction.
func (c *LiveRPCClient) SendTransaction(ctx context.Context, txBase64 string) (Signature, error) {
	result, err := c.call(ctx, "sendTransaction", []any{
		txBase64,
		map[string]any{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": c.config.Commitment,
		},
	})
	if err != nil {
		return "", err
	}

	var sig string
	if err := sonnet.Unmarshal(result, &sig); err != nil {
		return "", errs.WrapErr(errs.ErrRPC, err, "parse signature")
	}
	return Signature(sig), nil
}

// GetTransactionStatus maps getSignatureStatuses onto TxStatus. Only
// confirmed or finalized counts as ok.
func (c *LiveRPCClient) GetTransactionStatus(ctx context.Context, sig Signature) (TxStatus, string, error) {
	result, err := c.call(ctx, "getSignatureStatuses", []any{
		[]string{string(sig)},
		map[string]any{"searchTransactionHistory": true},
	})
	if err != nil {
		return "", "", err
	}

	var resp struct {
		Value []*struct {
			ConfirmationStatus string            `json:"confirmationStatus"`
			Err                sonnet.RawMessage `json:"err"`
		} `json:"value"`
	}
	if err := sonnet.Unmarshal(result, &resp); err != nil {
		return "", "", errs.WrapErr(errs.ErrRPC, err, "parse status")
	}

	if len(resp.Value) == 0 || resp.Value[0] == nil {
		return TxPending, "", nil
	}
	st := resp.Value[0]
	if len(st.Err) > 0 && string(st.Err) != "null" {
		return TxErr, string(st.Err), nil
	}
	switch st.ConfirmationStatus {
	case "confirmed", "finalized":
		return TxOK, "", nil
	default:
		return TxPending, "", nil
	}
}

// GetRecentPrioritizationFees returns recent fees ordered by slot, newest first.
func (c *LiveRPCClient) GetRecentPrioritizationFees(ctx context.Context) ([]PrioritizationFee, error) {
	result, err := c.call(ctx, "getRecentPrioritizationFees", nil)
	if err != nil {
		return nil, err
	}
	var fees []PrioritizationFee
	if err := sonnet.Unmarshal(result, &fees); err != nil {
		return nil, errs.WrapErr(errs.ErrRPC, err, "parse prioritization fees")
	}
	sort.Slice(fees, func(i, j int) bool { return fees[i].Slot > fees[j].Slot })
	return fees, nil
}

// Health checks the RPC endpoint health.
func (c *LiveRPCClient) Health(ctx context.Context) error {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(healthCtx, "getHealth", nil)
	return err
}

// RPCStats returns RPC client statistics.
type RPCStats struct {
	RequestCount  int64 `json:"request_count"`
	ErrorCount    int64 `json:"error_count"`
	AvgLatencyUs  int64 `json:"avg_latency_us"`
	LastRequestAt int64 `json:"last_request_at"`
	CircuitOpen   bool  `json:"circuit_open"`
	ConsecErrors  int64 `json:"consecutive_errors"`
}

func (c *LiveRPCClient) Stats() RPCStats {
	reqCount := c.requestCount.Load()
	avgLatency := int64(0)
	if reqCount > 0 {
		avgLatency = c.latencySum.Load() / reqCount
	}
	return RPCStats{
		RequestCount:  reqCount,
		ErrorCount:    c.errorCount.Load(),
		AvgLatencyUs:  avgLatency,
		LastRequestAt: c.lastRequestAt.Load(),
		CircuitOpen:   c.circuitOpen.Load(),
		ConsecErrors:  c.consecutiveErrors.Load(),
	}
}
