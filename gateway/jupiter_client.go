package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"grid-swap-go/internal/units"
)

// DefaultJupiterBaseURL 免费 lite 接口
const DefaultJupiterBaseURL = "https://lite-api.jup.ag/swap/v1"

// JupiterClient 聚合器报价 / 构造 swap 交易；HTTPClient 可注入 httptest。
type JupiterClient struct {
	BaseURL    string
	HTTPClient *http.Client
	Limiter    RateLimiter
	// PriorityLevel 优先费档位，配合 SetMaxPriorityFee 的上限使用。
	PriorityLevel string
	Observe       RequestObserver

	maxPriorityFee atomic.Uint64
}

// SetMaxPriorityFee 非 0 时作为 priorityLevelWithMaxLamports 传给聚合器；可在运行中更新。
func (c *JupiterClient) SetMaxPriorityFee(v uint64) { c.maxPriorityFee.Store(v) }

// MaxPriorityFee 当前上限
func (c *JupiterClient) MaxPriorityFee() uint64 { return c.maxPriorityFee.Load() }

type quoteResp struct {
	InputMint   string            `json:"inputMint"`
	InAmount    string            `json:"inAmount"`
	OutputMint  string            `json:"outputMint"`
	OutAmount   string            `json:"outAmount"`
	SlippageBps int               `json:"slippageBps"`
	RoutePlan   []json.RawMessage `json:"routePlan"`
}

type apiError struct {
	Error     string `json:"error"`
	ErrorCode string `json:"errorCode"`
}

// Quote 调用 GET /quote。没有路由（routePlan 为空或 COULD_NOT_FIND_ANY_ROUTE）时返回 HasRoute=false 且 err=nil。
func (c *JupiterClient) Quote(ctx context.Context, inputMint, outputMint string, amount uint64, slippageBps int) (Quote, error) {
	q := Quote{InputMint: inputMint, OutputMint: outputMint, InAmount: amount, SlippageBps: slippageBps}
	if c == nil || c.HTTPClient == nil {
		return q, fmt.Errorf("http client not set")
	}
	params := url.Values{}
	params.Set("inputMint", inputMint)
	params.Set("outputMint", outputMint)
	params.Set("amount", units.FormatRaw(amount))
	params.Set("slippageBps", strconv.Itoa(slippageBps))

	body, status, err := c.do(ctx, "jupiter.quote", http.MethodGet, c.baseURL()+"/quote?"+params.Encode(), nil)
	if err != nil {
		return q, err
	}
	if status >= 300 {
		var ae apiError
		if json.Unmarshal(body, &ae) == nil && isNoRoute(ae) {
			return q, nil
		}
		return q, fmt.Errorf("quote status %d: %s", status, truncate(body))
	}

	var qr quoteResp
	if err := json.Unmarshal(body, &qr); err != nil {
		return q, fmt.Errorf("decode quote: %w", err)
	}
	if len(qr.RoutePlan) == 0 {
		return q, nil
	}
	out, err := units.ParseRaw(qr.OutAmount)
	if err != nil {
		return q, fmt.Errorf("quote outAmount: %w", err)
	}
	q.OutAmount = out
	q.HasRoute = out > 0
	q.Raw = json.RawMessage(body)
	return q, nil
}

type swapReq struct {
	QuoteResponse             json.RawMessage `json:"quoteResponse"`
	UserPublicKey             string          `json:"userPublicKey"`
	WrapAndUnwrapSol          bool            `json:"wrapAndUnwrapSol"`
	DynamicComputeUnitLimit   bool            `json:"dynamicComputeUnitLimit"`
	PrioritizationFeeLamports interface{}     `json:"prioritizationFeeLamports,omitempty"`
}

type priorityLevelWithMax struct {
	PriorityLevelWithMaxLamports struct {
		MaxLamports   uint64 `json:"maxLamports"`
		PriorityLevel string `json:"priorityLevel"`
	} `json:"priorityLevelWithMaxLamports"`
}

type swapResp struct {
	SwapTransaction           string `json:"swapTransaction"`
	LastValidBlockHeight      uint64 `json:"lastValidBlockHeight"`
	PrioritizationFeeLamports uint64 `json:"prioritizationFeeLamports"`
}

// BuildSwap 调用 POST /swap，返回待签名的 versioned transaction 及其优先费。
func (c *JupiterClient) BuildSwap(ctx context.Context, q Quote, userPublicKey string) (PreparedSwap, error) {
	ps := PreparedSwap{Quote: q}
	if c == nil || c.HTTPClient == nil {
		return ps, fmt.Errorf("http client not set")
	}
	if !q.HasRoute || len(q.Raw) == 0 {
		return ps, errors.New("quote has no route")
	}
	req := swapReq{
		QuoteResponse:           q.Raw,
		UserPublicKey:           userPublicKey,
		WrapAndUnwrapSol:        true,
		DynamicComputeUnitLimit: true,
	}
	if maxFee := c.MaxPriorityFee(); maxFee > 0 {
		var p priorityLevelWithMax
		p.PriorityLevelWithMaxLamports.MaxLamports = maxFee
		p.PriorityLevelWithMaxLamports.PriorityLevel = c.priorityLevel()
		req.PrioritizationFeeLamports = p
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return ps, err
	}
	body, status, err := c.do(ctx, "jupiter.swap", http.MethodPost, c.baseURL()+"/swap", payload)
	if err != nil {
		return ps, err
	}
	if status >= 300 {
		return ps, fmt.Errorf("swap status %d: %s", status, truncate(body))
	}
	var sr swapResp
	if err := json.Unmarshal(body, &sr); err != nil {
		return ps, fmt.Errorf("decode swap: %w", err)
	}
	if sr.SwapTransaction == "" {
		return ps, fmt.Errorf("empty swapTransaction")
	}
	tx, err := base64.StdEncoding.DecodeString(sr.SwapTransaction)
	if err != nil {
		return ps, fmt.Errorf("decode swapTransaction: %w", err)
	}
	ps.Transaction = tx
	ps.PriorityFee = sr.PrioritizationFeeLamports
	ps.LastValidBlockHeight = sr.LastValidBlockHeight
	return ps, nil
}

func (c *JupiterClient) do(ctx context.Context, name, method, endpoint string, payload []byte) (b []byte, status int, err error) {
	if err := waitLimiter(ctx, c.Limiter); err != nil {
		return nil, 0, err
	}
	start := time.Now()
	defer func() {
		if err == nil && status >= 500 {
			c.Observe.observe(name, start, fmt.Errorf("status %d", status))
			return
		}
		c.Observe.observe(name, start, err)
	}()
	var body io.Reader
	if payload != nil {
		body = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	b, err = io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return b, resp.StatusCode, nil
}

func (c *JupiterClient) baseURL() string {
	if c.BaseURL == "" {
		return DefaultJupiterBaseURL
	}
	return strings.TrimRight(c.BaseURL, "/")
}

func (c *JupiterClient) priorityLevel() string {
	if c.PriorityLevel == "" {
		return "medium"
	}
	return c.PriorityLevel
}

func isNoRoute(ae apiError) bool {
	return ae.ErrorCode == "COULD_NOT_FIND_ANY_ROUTE" ||
		ae.ErrorCode == "NO_ROUTES_FOUND" ||
		strings.Contains(strings.ToLower(ae.Error), "no route")
}

func truncate(b []byte) string {
	const max = 256
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

// NewDefaultHTTPClient 提供一个带超时的 http.Client。
func NewDefaultHTTPClient() *http.Client {
	return &http.Client{Timeout: 15 * time.Second}
}
