package gateway

import (
	"encoding/json"
	"time"
)

// NativeMint wrapped SOL 的 mint 地址；作为计价资产时余额直接读 lamports。
const NativeMint = "So11111111111111111111111111111111111111112"

// Quote 一次兑换报价。HasRoute=false 表示本 tick 没有可用价格。
type Quote struct {
	InputMint   string
	OutputMint  string
	InAmount    uint64
	OutAmount   uint64
	SlippageBps int
	HasRoute    bool
	// Raw 原始报价 JSON，构造 swap 交易时原样回传给聚合器。
	Raw json.RawMessage
}

// PreparedSwap 聚合器返回的待签名交易，提交前由调用方检查优先费。
type PreparedSwap struct {
	Quote                Quote
	Transaction          []byte
	PriorityFee          uint64
	LastValidBlockHeight uint64
}

// Fill 执行结果；Confirmed=false 时不得修改网格状态。
type Fill struct {
	Confirmed    bool
	Signature    string
	FilledAmount uint64
	PriorityFee  uint64
}

// RequestObserver 每次 HTTP/RPC 请求结束后回调，用于延迟与错误计数。
type RequestObserver func(endpoint string, elapsed time.Duration, err error)

func (o RequestObserver) observe(endpoint string, start time.Time, err error) {
	if o != nil {
		o(endpoint, time.Since(start), err)
	}
}
