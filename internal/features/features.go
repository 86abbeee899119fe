package features

import (
	"errors"
	"fmt"
	"sort"

	"trdr/internal/market"
)

// ErrWarmup 表示回看数据不足以计算指标，属于预期情况。
var ErrWarmup = errors.New("insufficient lookback for indicators")

// Snapshot 是某一根 K 线上的指标值与模糊隶属度。
type Snapshot struct {
	Indicators map[string]float64 `json:"indicators"`
	Fuzzy      map[string]float64 `json:"fuzzy"`
}

// FuzzyKeys 返回排序后的模糊特征名。
func (s Snapshot) FuzzyKeys() []string {
	keys := make([]string, 0, len(s.Fuzzy))
	for k := range s.Fuzzy {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Provider 根据历史窗口计算最新一根 K 线的特征。
type Provider interface {
	Compute(window []market.Candle) (Snapshot, error)
	MinBars() int
}

// Source 是编排层看到的特征来源：优先命中预计算缓存，未命中时按需计算。
type Source struct {
	provider Provider
	cache    *Cache
}

func NewSource(provider Provider, cache *Cache) *Source {
	return &Source{provider: provider, cache: cache}
}

// Cache 返回底层缓存（可能为 nil）。
func (s *Source) Cache() *Cache {
	if s == nil {
		return nil
	}
	return s.cache
}

// Features 返回 window 最后一根 K 线的特征。
func (s *Source) Features(window []market.Candle) (Snapshot, error) {
	if s == nil || s.provider == nil {
		return Snapshot{}, fmt.Errorf("feature provider not configured")
	}
	if len(window) == 0 {
		return Snapshot{}, ErrWarmup
	}
	last := window[len(window)-1]
	if s.cache != nil && s.cache.IsReady() {
		if snap, ok := s.cache.FeaturesAt(last.OpenTime); ok {
			return snap, nil
		}
		if s.cache.IsWarmup(last.OpenTime) {
			return Snapshot{}, ErrWarmup
		}
	}
	return s.provider.Compute(window)
}
