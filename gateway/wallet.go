package gateway

import (
	"bytes"
	"crypto/ed25519"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/mr-tron/base58"
)

// Wallet 持有 ed25519 密钥，负责对聚合器返回的交易签名。
type Wallet struct {
	key    ed25519.PrivateKey
	pubkey string
}

// LoadWallet 读取 solana-keygen 格式的密钥文件（64 个字节的 JSON 数组）。
func LoadWallet(path string) (*Wallet, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read keypair: %w", err)
	}
	var ints []int
	if err := json.Unmarshal(raw, &ints); err != nil {
		return nil, fmt.Errorf("parse keypair: %w", err)
	}
	b := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return nil, fmt.Errorf("keypair byte %d out of range", i)
		}
		b[i] = byte(v)
	}
	return NewWallet(b)
}

// NewWallet 由 64 字节 secret key（seed || pubkey）构造，并校验公钥与 seed 一致。
func NewWallet(secret []byte) (*Wallet, error) {
	if len(secret) != ed25519.PrivateKeySize {
		return nil, fmt.Errorf("keypair must be %d bytes, got %d", ed25519.PrivateKeySize, len(secret))
	}
	key := ed25519.NewKeyFromSeed(secret[:ed25519.SeedSize])
	if !bytes.Equal(key.Public().(ed25519.PublicKey), secret[ed25519.SeedSize:]) {
		return nil, errors.New("keypair public key does not match seed")
	}
	return &Wallet{key: key, pubkey: base58.Encode(key.Public().(ed25519.PublicKey))}, nil
}

// PublicKey base58 地址
func (w *Wallet) PublicKey() string { return w.pubkey }

// SignTransaction 对序列化的 (versioned) transaction 签名，写入费用支付者的签名位。
// 返回签名后的交易与 base58 签名（即交易 id）。
func (w *Wallet) SignTransaction(tx []byte) ([]byte, string, error) {
	numSigs, n, err := decodeShortVec(tx)
	if err != nil {
		return nil, "", fmt.Errorf("decode signature count: %w", err)
	}
	if numSigs < 1 {
		return nil, "", errors.New("transaction has no signature slots")
	}
	msgStart := n + numSigs*ed25519.SignatureSize
	if len(tx) <= msgStart {
		return nil, "", errors.New("transaction truncated")
	}
	msg := tx[msgStart:]
	payer, err := feePayer(msg)
	if err != nil {
		return nil, "", err
	}
	if !bytes.Equal(payer, w.key.Public().(ed25519.PublicKey)) {
		return nil, "", fmt.Errorf("fee payer %s is not wallet %s", base58.Encode(payer), w.pubkey)
	}

	sig := ed25519.Sign(w.key, msg)
	out := make([]byte, len(tx))
	copy(out, tx)
	copy(out[n:n+ed25519.SignatureSize], sig)
	return out, base58.Encode(sig), nil
}

// feePayer 取消息中第一个账户公钥；v0 消息以 0x80|version 前缀开头。
func feePayer(msg []byte) ([]byte, error) {
	off := 0
	if msg[0]&0x80 != 0 {
		off = 1
	}
	off += 3 // header: numRequiredSignatures, numReadonlySigned, numReadonlyUnsigned
	if len(msg) < off {
		return nil, errors.New("message header truncated")
	}
	numKeys, n, err := decodeShortVec(msg[off:])
	if err != nil {
		return nil, fmt.Errorf("decode account keys: %w", err)
	}
	off += n
	if numKeys < 1 || len(msg) < off+ed25519.PublicKeySize {
		return nil, errors.New("message has no account keys")
	}
	return msg[off : off+ed25519.PublicKeySize], nil
}

// decodeShortVec 解析 compact-u16 长度前缀。
func decodeShortVec(b []byte) (int, int, error) {
	val := 0
	for i := 0; i < 3; i++ {
		if i >= len(b) {
			return 0, 0, errors.New("short vec truncated")
		}
		val |= int(b[i]&0x7f) << (7 * i)
		if b[i]&0x80 == 0 {
			return val, i + 1, nil
		}
	}
	return 0, 0, errors.New("short vec too long")
}
