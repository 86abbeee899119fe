package features

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	"trdr/internal/logger"
	"trdr/internal/market"
)

// Cache 在回测开始前对整段主周期数据一次性计算指标序列，按 OpenTime 索引快照。
type Cache struct {
	provider *TalibProvider

	mu        sync.RWMutex
	ready     bool
	snapshots map[int64]Snapshot
	warmup    map[int64]struct{}
}

func NewCache(provider *TalibProvider) *Cache {
	return &Cache{provider: provider}
}

// Precompute 并发计算各指标的完整序列；前 MinBars-1 根 K 线记为预热期。
func (c *Cache) Precompute(ctx context.Context, frame market.Frame) error {
	if c == nil || c.provider == nil {
		return fmt.Errorf("feature cache not configured")
	}
	candles := frame.Candles
	if len(candles) < c.provider.MinBars() {
		return fmt.Errorf("%w: %s/%s has %d bars, need %d", ErrWarmup, frame.Symbol, frame.Timeframe, len(candles), c.provider.MinBars())
	}

	var mu sync.Mutex
	series := make(map[string][]float64)
	g, gctx := errgroup.WithContext(ctx)
	for _, ind := range c.provider.indicators {
		ind := ind
		g.Go(func() error {
			if err := gctx.Err(); err != nil {
				return err
			}
			res, err := computeIndicator(ind, candles)
			if err != nil {
				return fmt.Errorf("precompute %s: %w", ind.Key(), err)
			}
			mu.Lock()
			for k, v := range res {
				series[k] = v
			}
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	minBars := c.provider.MinBars()
	snapshots := make(map[int64]Snapshot, len(candles))
	warmup := make(map[int64]struct{}, minBars)
	for i, candle := range candles {
		if i < minBars-1 {
			warmup[candle.OpenTime] = struct{}{}
			continue
		}
		snapshots[candle.OpenTime] = c.provider.snapshotAt(series, i)
	}

	c.mu.Lock()
	c.snapshots = snapshots
	c.warmup = warmup
	c.ready = true
	c.mu.Unlock()
	logger.Infof("[features] 预计算完成 %s/%s bars=%d warmup=%d", frame.Symbol, frame.Timeframe, len(candles), len(warmup))
	return nil
}

func (c *Cache) IsReady() bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.ready
}

// FeaturesAt 返回 OpenTime 为 ts 的快照。
func (c *Cache) FeaturesAt(ts int64) (Snapshot, bool) {
	if c == nil {
		return Snapshot{}, false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	snap, ok := c.snapshots[ts]
	return snap, ok
}

// IsWarmup 判断 ts 是否落在预热期内。
func (c *Cache) IsWarmup(ts int64) bool {
	if c == nil {
		return false
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.warmup[ts]
	return ok
}

// Len 返回已缓存的快照数量。
func (c *Cache) Len() int {
	if c == nil {
		return 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.snapshots)
}
