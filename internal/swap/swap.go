// Package swap performs the in-chain asset swap that precedes or follows a
// cross-chain move, charging the volatility-tier fee.
package swap

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	clierr "github.com/ggonzalez94/yieldvault/internal/errors"
	"github.com/ggonzalez94/yieldvault/internal/fees"
	"github.com/ggonzalez94/yieldvault/internal/httpx"
	"github.com/ggonzalez94/yieldvault/internal/id"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Request struct {
	Chain     id.ChainID `json:"chain_id"`
	FromAsset string     `json:"from_asset"`
	ToAsset   string     `json:"to_asset"`
	AmountIn  *big.Int   `json:"amount_in"`
	FeeBps    uint32     `json:"fee_bps"`
}

type Result struct {
	SwapID    string    `json:"swap_id"`
	AmountIn  *big.Int  `json:"amount_in"`
	AmountOut *big.Int  `json:"amount_out"`
	FeePaid   *big.Int  `json:"fee_paid"`
	FeeBps    uint32    `json:"fee_bps"`
	Venue     string    `json:"venue"`
	At        time.Time `json:"at"`
}

type Executor interface {
	Name() string
	Swap(ctx context.Context, req Request) (Result, error)
}

// FeeAmount returns amount * feeBps / 10000, rounded down.
func FeeAmount(amount *big.Int, feeBps uint32) *big.Int {
	fee := new(big.Int).Mul(amount, big.NewInt(int64(feeBps)))
	return fee.Quo(fee, big.NewInt(10_000))
}

// Simulated swaps at a 1:1 rate minus the fee.
type Simulated struct {
	now func() time.Time
}

func NewSimulated() *Simulated { return &Simulated{now: time.Now} }

func (s *Simulated) Name() string { return "simulated" }

func (s *Simulated) Swap(ctx context.Context, req Request) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}
	fee := FeeAmount(req.AmountIn, req.FeeBps)
	return Result{
		SwapID:    uuid.NewString(),
		AmountIn:  new(big.Int).Set(req.AmountIn),
		AmountOut: new(big.Int).Sub(req.AmountIn, fee),
		FeePaid:   fee,
		FeeBps:    req.FeeBps,
		Venue:     s.Name(),
		At:        s.now(),
	}, nil
}

// HTTPExecutor posts swap requests to an external execution endpoint.
type HTTPExecutor struct {
	http     *httpx.Client
	endpoint string
	apiKey   string
	now      func() time.Time
}

func NewHTTPExecutor(client *httpx.Client, endpoint, apiKey string) *HTTPExecutor {
	return &HTTPExecutor{http: client, endpoint: strings.TrimRight(endpoint, "/"), apiKey: apiKey, now: time.Now}
}

func (e *HTTPExecutor) Name() string { return "http" }

type httpSwapRequest struct {
	RequestID string `json:"request_id"`
	ChainID   string `json:"chain_id"`
	FromAsset string `json:"from_asset"`
	ToAsset   string `json:"to_asset"`
	AmountIn  string `json:"amount_in"`
	FeeBps    uint32 `json:"fee_bps"`
}

type httpSwapResponse struct {
	SwapID    string `json:"swap_id"`
	AmountOut string `json:"amount_out"`
	Venue     string `json:"venue"`
}

func (e *HTTPExecutor) Swap(ctx context.Context, req Request) (Result, error) {
	if e.endpoint == "" {
		return Result{}, clierr.New(clierr.CodeUsage, "swap endpoint is not configured")
	}
	body, err := json.Marshal(httpSwapRequest{
		RequestID: uuid.NewString(),
		ChainID:   req.Chain.CAIP2(),
		FromAsset: req.FromAsset,
		ToAsset:   req.ToAsset,
		AmountIn:  req.AmountIn.String(),
		FeeBps:    req.FeeBps,
	})
	if err != nil {
		return Result{}, clierr.Wrap(clierr.CodeInternal, "encode swap request", err)
	}
	headers := map[string]string{}
	if e.apiKey != "" {
		headers["Authorization"] = "Bearer " + e.apiKey
	}
	var resp httpSwapResponse
	if _, err := httpx.DoBodyJSON(ctx, e.http, http.MethodPost, e.endpoint+"/swap", body, headers, &resp); err != nil {
		return Result{}, err
	}
	out, ok := new(big.Int).SetString(strings.TrimSpace(resp.AmountOut), 10)
	if !ok || out.Sign() < 0 {
		return Result{}, clierr.New(clierr.CodeUnavailable, fmt.Sprintf("swap endpoint returned invalid amount_out %q", resp.AmountOut))
	}
	venue := resp.Venue
	if venue == "" {
		venue = e.Name()
	}
	return Result{
		SwapID:    resp.SwapID,
		AmountIn:  new(big.Int).Set(req.AmountIn),
		AmountOut: out,
		FeePaid:   FeeAmount(req.AmountIn, req.FeeBps),
		FeeBps:    req.FeeBps,
		Venue:     venue,
		At:        e.now(),
	}, nil
}

// Swapper quotes the fee tier for the asset being sold and runs the swap.
type Swapper struct {
	calc     *fees.Calculator
	executor Executor
}

func NewSwapper(calc *fees.Calculator, executor Executor) *Swapper {
	return &Swapper{calc: calc, executor: executor}
}

func (s *Swapper) Swap(ctx context.Context, chain id.ChainID, fromAsset, toAsset string, amountIn *big.Int, historical decimal.Decimal) (Result, fees.Quote, error) {
	if amountIn == nil || amountIn.Sign() <= 0 {
		return Result{}, fees.Quote{}, clierr.New(clierr.CodeInvalidAmount, "swap amount must be positive")
	}
	quote, err := s.calc.Quote(ctx, fromAsset, historical)
	if err != nil {
		return Result{}, fees.Quote{}, err
	}
	res, err := s.executor.Swap(ctx, Request{
		Chain:     chain,
		FromAsset: fromAsset,
		ToAsset:   toAsset,
		AmountIn:  amountIn,
		FeeBps:    quote.FeeBps,
	})
	if err != nil {
		return Result{}, quote, err
	}
	return res, quote, nil
}
