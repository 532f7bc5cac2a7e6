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
	"sync/atomic"
	"time"

	"grid-swap-go/internal/units"
)

// ErrTxFailed 交易已上链但执行失败（meta.err 非空）。
var ErrTxFailed = errors.New("transaction failed on chain")

// RPCClient 极简 Solana JSON-RPC 客户端，只覆盖网格机器人需要的方法。
type RPCClient struct {
	URL        string
	HTTPClient *http.Client
	Limiter    RateLimiter
	Commitment string
	Observe    RequestObserver

	nextID atomic.Int64
}

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int64         `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *rpcError) Error() string {
	return fmt.Sprintf("rpc error %d: %s", e.Code, e.Message)
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (c *RPCClient) call(ctx context.Context, method string, params []interface{}, out interface{}) (err error) {
	if c == nil || c.HTTPClient == nil {
		return fmt.Errorf("http client not set")
	}
	if err := waitLimiter(ctx, c.Limiter); err != nil {
		return err
	}
	start := time.Now()
	defer func() { c.Observe.observe("rpc."+method, start, err) }()
	payload, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		ID:      c.nextID.Add(1),
		Method:  method,
		Params:  params,
	})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.URL, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", method, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 8<<20))
	if err != nil {
		return fmt.Errorf("%s: read body: %w", method, err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s status %d: %s", method, resp.StatusCode, truncate(body))
	}
	var rr rpcResponse
	if err := json.Unmarshal(body, &rr); err != nil {
		return fmt.Errorf("%s: decode: %w", method, err)
	}
	if rr.Error != nil {
		return fmt.Errorf("%s: %w", method, rr.Error)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(rr.Result, out); err != nil {
		return fmt.Errorf("%s: decode result: %w", method, err)
	}
	return nil
}

func (c *RPCClient) commitment() string {
	if c.Commitment == "" {
		return "confirmed"
	}
	return c.Commitment
}

// Balance getBalance，返回 lamports。
func (c *RPCClient) Balance(ctx context.Context, owner string) (uint64, error) {
	var res struct {
		Value uint64 `json:"value"`
	}
	err := c.call(ctx, "getBalance", []interface{}{owner, map[string]string{"commitment": c.commitment()}}, &res)
	return res.Value, err
}

type tokenAmount struct {
	Amount   string `json:"amount"`
	Decimals uint8  `json:"decimals"`
}

// TokenBalance 汇总 owner 名下该 mint 的全部 token 账户余额（最小单位）；没有账户返回 0。
func (c *RPCClient) TokenBalance(ctx context.Context, owner, mint string) (uint64, error) {
	var res struct {
		Value []struct {
			Account struct {
				Data struct {
					Parsed struct {
						Info struct {
							TokenAmount tokenAmount `json:"tokenAmount"`
						} `json:"info"`
					} `json:"parsed"`
				} `json:"data"`
			} `json:"account"`
		} `json:"value"`
	}
	params := []interface{}{
		owner,
		map[string]string{"mint": mint},
		map[string]string{"encoding": "jsonParsed", "commitment": c.commitment()},
	}
	if err := c.call(ctx, "getTokenAccountsByOwner", params, &res); err != nil {
		return 0, err
	}
	var total uint64
	for _, acc := range res.Value {
		amt, err := units.ParseRaw(acc.Account.Data.Parsed.Info.TokenAmount.Amount)
		if err != nil {
			return 0, fmt.Errorf("token balance: %w", err)
		}
		total += amt
	}
	return total, nil
}

// TokenDecimals getTokenSupply 读取 mint 精度。
func (c *RPCClient) TokenDecimals(ctx context.Context, mint string) (uint8, error) {
	var res struct {
		Value tokenAmount `json:"value"`
	}
	if err := c.call(ctx, "getTokenSupply", []interface{}{mint}, &res); err != nil {
		return 0, err
	}
	return res.Value.Decimals, nil
}

// SendTransaction 广播已签名交易（base64），返回签名。
func (c *RPCClient) SendTransaction(ctx context.Context, tx []byte) (string, error) {
	var sig string
	params := []interface{}{
		base64.StdEncoding.EncodeToString(tx),
		map[string]interface{}{
			"encoding":            "base64",
			"skipPreflight":       false,
			"preflightCommitment": c.commitment(),
			"maxRetries":          3,
		},
	}
	if err := c.call(ctx, "sendTransaction", params, &sig); err != nil {
		return "", err
	}
	return sig, nil
}

type signatureStatus struct {
	ConfirmationStatus string          `json:"confirmationStatus"`
	Err                json.RawMessage `json:"err"`
}

// WaitConfirmed 轮询 getSignatureStatuses，直到达到 commitment 或 ctx 结束。
// 没有 websocket 地址时作为确认的后备路径。
func (c *RPCClient) WaitConfirmed(ctx context.Context, sig string, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		var res struct {
			Value []*signatureStatus `json:"value"`
		}
		err := c.call(ctx, "getSignatureStatuses", []interface{}{[]string{sig}}, &res)
		if err == nil && len(res.Value) > 0 && res.Value[0] != nil {
			st := res.Value[0]
			if hasTxError(st.Err) {
				return fmt.Errorf("%w: %s", ErrTxFailed, string(st.Err))
			}
			if commitmentReached(st.ConfirmationStatus, c.commitment()) {
				return nil
			}
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// TokenBalanceChange 交易 meta 中某 owner/mint 的余额变化。
type TokenBalanceChange struct {
	Pre  uint64
	Post uint64
}

type txTokenBalance struct {
	Mint          string      `json:"mint"`
	Owner         string      `json:"owner"`
	UITokenAmount tokenAmount `json:"uiTokenAmount"`
}

// TokenDelta getTransaction 读取交易前后 owner 持有 mint 的数量；交易不存在时 found=false。
func (c *RPCClient) TokenDelta(ctx context.Context, sig, owner, mint string) (TokenBalanceChange, bool, error) {
	var res *struct {
		Meta *struct {
			Err               json.RawMessage  `json:"err"`
			PreTokenBalances  []txTokenBalance `json:"preTokenBalances"`
			PostTokenBalances []txTokenBalance `json:"postTokenBalances"`
		} `json:"meta"`
	}
	params := []interface{}{
		sig,
		map[string]interface{}{
			"encoding":                       "jsonParsed",
			"commitment":                     c.commitment(),
			"maxSupportedTransactionVersion": 0,
		},
	}
	if err := c.call(ctx, "getTransaction", params, &res); err != nil {
		return TokenBalanceChange{}, false, err
	}
	if res == nil || res.Meta == nil {
		return TokenBalanceChange{}, false, nil
	}
	if hasTxError(res.Meta.Err) {
		return TokenBalanceChange{}, true, fmt.Errorf("%w: %s", ErrTxFailed, string(res.Meta.Err))
	}
	sum := func(list []txTokenBalance) (uint64, error) {
		var total uint64
		for _, b := range list {
			if b.Owner != owner || b.Mint != mint {
				continue
			}
			v, err := units.ParseRaw(b.UITokenAmount.Amount)
			if err != nil {
				return 0, err
			}
			total += v
		}
		return total, nil
	}
	pre, err := sum(res.Meta.PreTokenBalances)
	if err != nil {
		return TokenBalanceChange{}, true, err
	}
	post, err := sum(res.Meta.PostTokenBalances)
	if err != nil {
		return TokenBalanceChange{}, true, err
	}
	return TokenBalanceChange{Pre: pre, Post: post}, true, nil
}

func hasTxError(raw json.RawMessage) bool {
	s := string(bytes.TrimSpace(raw))
	return s != "" && s != "null"
}

func commitmentReached(status, want string) bool {
	rank := map[string]int{"processed": 1, "confirmed": 2, "finalized": 3}
	return rank[status] > 0 && rank[status] >= rank[want]
}
