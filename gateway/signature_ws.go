package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// SignatureWatcher 通过 RPC websocket 的 signatureSubscribe 等待交易确认。
// 必须在广播之前订阅，避免错过通知。
type SignatureWatcher struct {
	URL        string
	Commitment string
	Dialer     *websocket.Dialer
}

// Subscription 单个签名的订阅；通知只会到达一次。
type Subscription struct {
	conn   *websocket.Conn
	result chan error
	once   sync.Once
}

type wsNotification struct {
	Method string `json:"method"`
	Params struct {
		Result struct {
			Value struct {
				Err json.RawMessage `json:"err"`
			} `json:"value"`
		} `json:"result"`
	} `json:"params"`
	ID     *int64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

// WSURLFromRPC 由 http(s) RPC 地址推导 ws(s) 地址。
func WSURLFromRPC(rpcURL string) (string, error) {
	u, err := url.Parse(rpcURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	case "ws", "wss":
	default:
		return "", fmt.Errorf("unsupported rpc scheme %q", u.Scheme)
	}
	return u.String(), nil
}

// Subscribe 建立连接并订阅签名，收到订阅回执后才返回。
func (w *SignatureWatcher) Subscribe(ctx context.Context, sig string) (*Subscription, error) {
	dialer := w.Dialer
	if dialer == nil {
		dialer = websocket.DefaultDialer
	}
	conn, _, err := dialer.DialContext(ctx, w.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial ws: %w", err)
	}
	commitment := w.Commitment
	if commitment == "" {
		commitment = "confirmed"
	}
	req := rpcRequest{
		JSONRPC: "2.0",
		ID:      1,
		Method:  "signatureSubscribe",
		Params:  []interface{}{sig, map[string]string{"commitment": commitment}},
	}
	if err := conn.WriteJSON(req); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetReadDeadline(dl)
	} else {
		_ = conn.SetReadDeadline(time.Now().Add(30 * time.Second))
	}
	var ack wsNotification
	if err := conn.ReadJSON(&ack); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe ack: %w", err)
	}
	if ack.Error != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe: %w", ack.Error)
	}

	// 之后的读取由 Wait 的 ctx 与 Close 控制
	_ = conn.SetReadDeadline(time.Time{})
	s := &Subscription{conn: conn, result: make(chan error, 1)}
	go s.readLoop()
	return s, nil
}

func (s *Subscription) readLoop() {
	for {
		var msg wsNotification
		if err := s.conn.ReadJSON(&msg); err != nil {
			s.finish(fmt.Errorf("ws read: %w", err))
			return
		}
		if msg.Method != "signatureNotification" {
			continue
		}
		if hasTxError(msg.Params.Result.Value.Err) {
			s.finish(fmt.Errorf("%w: %s", ErrTxFailed, string(msg.Params.Result.Value.Err)))
		} else {
			s.finish(nil)
		}
		return
	}
}

func (s *Subscription) finish(err error) {
	s.once.Do(func() { s.result <- err })
}

// Wait 阻塞直到确认、交易失败或 ctx 结束。
func (s *Subscription) Wait(ctx context.Context) error {
	select {
	case err := <-s.result:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close 关闭连接，readLoop 随之退出。
func (s *Subscription) Close() error {
	if s == nil || s.conn == nil {
		return nil
	}
	err := s.conn.Close()
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}
