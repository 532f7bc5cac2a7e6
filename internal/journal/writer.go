// Package journal 以 JSONL 追加记录每一笔已确认的兑换，供事后对账。
package journal

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Record 一笔成交。金额为最小单位字符串，避免 JSON 数字精度丢失。
type Record struct {
	ID           string    `json:"id"`
	TickID       string    `json:"tickId,omitempty"`
	Timestamp    time.Time `json:"ts"`
	Action       string    `json:"action"`
	Level        int       `json:"level"`
	LevelPrice   float64   `json:"levelPrice"`
	Price        float64   `json:"price"`
	AmountIn     string    `json:"amountIn"`
	AmountOut    string    `json:"amountOut"`
	QuoteBalance float64   `json:"quoteBalance"`
	BaseBalance  float64   `json:"baseBalance"`
	Signature    string    `json:"signature"`
	PriorityFee  uint64    `json:"priorityFee"`
}

// Writer 追加写入，可并发使用。path 为空时 New 返回 nil，nil Writer 的方法都是空操作。
type Writer struct {
	mu   sync.Mutex
	path string
	file *os.File
	w    *bufio.Writer
	now  func() time.Time
}

func New(path string) *Writer {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil
	}
	return &Writer{path: path, now: time.Now}
}

// Path 日志文件路径
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

func (w *Writer) ensureOpenLocked() error {
	if w.file != nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(w.path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	w.file = f
	w.w = bufio.NewWriterSize(f, 64*1024)
	return nil
}

// Write 补齐 ID 与时间戳后写入一行并立即 flush。
func (w *Writer) Write(r Record) error {
	if w == nil {
		return nil
	}
	if r.Action == "" {
		return fmt.Errorf("journal: record without action")
	}
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = w.now().UTC()
	}
	b, err := json.Marshal(r)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.ensureOpenLocked(); err != nil {
		return err
	}
	if _, err := w.w.Write(b); err != nil {
		return err
	}
	if err := w.w.WriteByte('\n'); err != nil {
		return err
	}
	return w.w.Flush()
}

// Close flush 并关闭文件；之后再次 Write 会重新打开。
func (w *Writer) Close() error {
	if w == nil {
		return nil
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	var firstErr error
	if w.w != nil {
		if err := w.w.Flush(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if w.file != nil {
		if err := w.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	w.w = nil
	w.file = nil

	if firstErr != nil && errors.Is(firstErr, os.ErrClosed) {
		return nil
	}
	return firstErr
}

// ReadAll 读取全部记录；文件不存在返回空。坏行会带行号报错。
func ReadAll(path string) ([]Record, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []Record
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	line := 0
	for sc.Scan() {
		line++
		text := strings.TrimSpace(sc.Text())
		if text == "" {
			continue
		}
		var r Record
		if err := json.Unmarshal([]byte(text), &r); err != nil {
			return out, fmt.Errorf("journal line %d: %w", line, err)
		}
		out = append(out, r)
	}
	return out, sc.Err()
}
