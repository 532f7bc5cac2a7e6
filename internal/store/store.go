package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"grid-swap-go/internal/units"
	"grid-swap-go/strategy"
)

// ErrStateCorrupt 状态文件无法解析；Load 将其视为没有历史状态并自愈。
var ErrStateCorrupt = errors.New("grid state corrupt")

// EventSink 接收存储层事件（加载、合并丢弃、自愈），由上层接日志/告警。
type EventSink func(string, map[string]interface{})

// Store 把网格阶梯持久化为一个可读的 JSON 文件：
//
//	{ "levels": [ { "price": 0.001, "bought": true, "phAmount": "123456" } ] }
//
// 每次变更整体覆盖写入，先写临时文件再 rename，读方不会看到半截文件。
type Store struct {
	path string
	sink EventSink
}

type fileState struct {
	Levels []fileLevel `json:"levels"`
}

type fileLevel struct {
	Price    float64 `json:"price"`
	Bought   bool    `json:"bought"`
	PhAmount *string `json:"phAmount"`
}

func New(path string, sink EventSink) *Store {
	return &Store{path: path, sink: sink}
}

// Path 状态文件路径
func (s *Store) Path() string { return s.path }

// Load 用给定价位生成新阶梯，并把旧文件里 bought=true 的档位按价格容差合并进来。
// 找不到匹配价位的旧档位直接丢弃；文件缺失或损坏视为无历史状态。
// 合并结果总会写回磁盘后再返回。
func (s *Store) Load(prices []float64) (strategy.GridLevelSet, error) {
	set := strategy.NewGridLevelSet(prices)

	old, err := s.read()
	switch {
	case err == nil:
		s.merge(&set, old)
	case errors.Is(err, os.ErrNotExist):
		s.logEvent("state_missing", map[string]interface{}{"path": s.path})
	default:
		s.logEvent("state_unreadable", map[string]interface{}{
			"path":  s.path,
			"error": err.Error(),
		})
	}

	if err := s.Save(set); err != nil {
		return set, err
	}
	return set, nil
}

func (s *Store) merge(set *strategy.GridLevelSet, old fileState) {
	carried, dropped := 0, 0
	for _, l := range old.Levels {
		if !l.Bought || l.PhAmount == nil {
			continue
		}
		amount, err := units.ParseRaw(*l.PhAmount)
		if err != nil || amount == 0 {
			dropped++
			continue
		}
		idx := set.FindByPrice(l.Price)
		if idx < 0 {
			dropped++
			continue
		}
		_ = set.MarkBought(idx, amount)
		carried++
	}
	s.logEvent("state_merged", map[string]interface{}{
		"path":    s.path,
		"carried": carried,
		"dropped": dropped,
	})
}

func (s *Store) read() (fileState, error) {
	var st fileState
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return st, err
	}
	if err := json.Unmarshal(raw, &st); err != nil {
		return fileState{}, fmt.Errorf("%w: %v", ErrStateCorrupt, err)
	}
	return st, nil
}

// Save 整体覆盖写入阶梯状态（临时文件 + rename）。
func (s *Store) Save(set strategy.GridLevelSet) error {
	if s.path == "" {
		return errors.New("state path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	b, err := json.MarshalIndent(encode(set), "", "  ")
	if err != nil {
		return fmt.Errorf("encode state: %w", err)
	}
	b = append(b, '\n')

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp state: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp state: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename state: %w", err)
	}
	return nil
}

// ReadSnapshot 只读解析状态文件，不做合并也不回写，供运维工具使用。
func ReadSnapshot(path string) (strategy.GridLevelSet, error) {
	s := &Store{path: path}
	st, err := s.read()
	if err != nil {
		return strategy.GridLevelSet{}, err
	}
	set := strategy.GridLevelSet{Levels: make([]strategy.GridLevel, 0, len(st.Levels))}
	for _, l := range st.Levels {
		lvl := strategy.GridLevel{Price: l.Price}
		if l.Bought && l.PhAmount != nil {
			if amount, err := units.ParseRaw(*l.PhAmount); err == nil && amount > 0 {
				lvl.Bought = true
				lvl.FilledAmount = amount
			}
		}
		set.Levels = append(set.Levels, lvl)
	}
	return set, nil
}

func encode(set strategy.GridLevelSet) fileState {
	out := fileState{Levels: make([]fileLevel, len(set.Levels))}
	for i, l := range set.Levels {
		fl := fileLevel{Price: l.Price}
		if l.State() == strategy.LevelFilled {
			amount := units.FormatRaw(l.FilledAmount)
			fl.Bought = true
			fl.PhAmount = &amount
		}
		out.Levels[i] = fl
	}
	return out
}

func (s *Store) logEvent(event string, fields map[string]interface{}) {
	if s == nil || s.sink == nil {
		return
	}
	s.sink(event, fields)
}
