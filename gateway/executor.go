package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"grid-swap-go/inventory"
)

// SwapExecutor 真实执行路径：构造交易 -> 本地签名 -> 订阅确认 -> 广播 -> 等待确认 -> 计算成交量。
type SwapExecutor struct {
	Jupiter      *JupiterClient
	RPC          *RPCClient
	Watcher      *SignatureWatcher // 为 nil 时轮询 getSignatureStatuses
	Wallet       *Wallet
	PollInterval time.Duration
	Logger       *zap.Logger
}

// Prepare 向聚合器请求待签名交易，返回其中的优先费供调用方做上限检查。
func (x *SwapExecutor) Prepare(ctx context.Context, q Quote) (PreparedSwap, error) {
	if x.Wallet == nil {
		return PreparedSwap{}, errors.New("wallet not set")
	}
	return x.Jupiter.BuildSwap(ctx, q, x.Wallet.PublicKey())
}

// Submit 签名并广播。只有链上确认成功才返回 Confirmed=true。
func (x *SwapExecutor) Submit(ctx context.Context, ps PreparedSwap) (Fill, error) {
	fill := Fill{PriorityFee: ps.PriorityFee}
	signed, sig, err := x.Wallet.SignTransaction(ps.Transaction)
	if err != nil {
		return fill, fmt.Errorf("sign: %w", err)
	}
	fill.Signature = sig

	var sub *Subscription
	if x.Watcher != nil {
		sub, err = x.Watcher.Subscribe(ctx, sig)
		if err != nil {
			// websocket 不可用时退回轮询，不放弃本次执行
			x.logger().Warn("signature subscribe failed, falling back to polling",
				zap.String("signature", sig), zap.Error(err))
			sub = nil
		} else {
			defer sub.Close()
		}
	}

	sent, err := x.RPC.SendTransaction(ctx, signed)
	if err != nil {
		return fill, fmt.Errorf("send: %w", err)
	}
	if sent != sig {
		x.logger().Warn("rpc returned unexpected signature", zap.String("local", sig), zap.String("rpc", sent))
	}

	if sub != nil {
		err = sub.Wait(ctx)
	} else {
		err = x.RPC.WaitConfirmed(ctx, sig, x.PollInterval)
	}
	if err != nil {
		return fill, fmt.Errorf("confirm %s: %w", sig, err)
	}

	fill.Confirmed = true
	fill.FilledAmount = x.filledAmount(ctx, sig, ps.Quote)
	return fill, nil
}

// filledAmount 优先使用链上 token 余额变化；输出为 SOL 或查询失败时退回报价数量。
func (x *SwapExecutor) filledAmount(ctx context.Context, sig string, q Quote) uint64 {
	if q.OutputMint == NativeMint {
		return q.OutAmount
	}
	change, found, err := x.RPC.TokenDelta(ctx, sig, x.Wallet.PublicKey(), q.OutputMint)
	if err != nil || !found || change.Post <= change.Pre {
		if err != nil {
			x.logger().Warn("read fill from transaction failed, using quoted amount",
				zap.String("signature", sig), zap.Error(err))
		}
		return q.OutAmount
	}
	return change.Post - change.Pre
}

func (x *SwapExecutor) logger() *zap.Logger {
	if x.Logger == nil {
		return zap.NewNop()
	}
	return x.Logger
}

// DryRunExecutor 纸面交易：不广播，按报价数量视为成交。
type DryRunExecutor struct {
	Logger *zap.Logger
}

func (d DryRunExecutor) Prepare(_ context.Context, q Quote) (PreparedSwap, error) {
	if !q.HasRoute {
		return PreparedSwap{}, errors.New("quote has no route")
	}
	return PreparedSwap{Quote: q}, nil
}

func (d DryRunExecutor) Submit(_ context.Context, ps PreparedSwap) (Fill, error) {
	sig := "dryrun-" + uuid.NewString()
	if d.Logger != nil {
		d.Logger.Info("dry run swap",
			zap.String("signature", sig),
			zap.String("input_mint", ps.Quote.InputMint),
			zap.String("output_mint", ps.Quote.OutputMint),
			zap.Uint64("in_amount", ps.Quote.InAmount),
			zap.Uint64("out_amount", ps.Quote.OutAmount))
	}
	return Fill{Confirmed: true, Signature: sig, FilledAmount: ps.Quote.OutAmount}, nil
}

// WalletBalances 读取钱包中计价资产与基础资产余额（最小单位）。
type WalletBalances struct {
	RPC       *RPCClient
	Owner     string
	QuoteMint string
	BaseMint  string
}

func (w WalletBalances) Balances(ctx context.Context) (inventory.Balances, error) {
	var bal inventory.Balances
	var err error
	if bal.Quote, err = w.balanceOf(ctx, w.QuoteMint); err != nil {
		return bal, fmt.Errorf("quote balance: %w", err)
	}
	if bal.Base, err = w.balanceOf(ctx, w.BaseMint); err != nil {
		return bal, fmt.Errorf("base balance: %w", err)
	}
	return bal, nil
}

func (w WalletBalances) balanceOf(ctx context.Context, mint string) (uint64, error) {
	if mint == NativeMint {
		return w.RPC.Balance(ctx, w.Owner)
	}
	return w.RPC.TokenBalance(ctx, w.Owner, mint)
}
