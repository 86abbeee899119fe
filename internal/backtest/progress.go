package backtest

import (
	"errors"
	"fmt"
	"sync/atomic"

	"trdr/internal/logger"
)

// ErrCancelled 表示回测被调用方取消；返回时已尽量保存断点。
var ErrCancelled = errors.New("backtest cancelled")

// ProgressSink 接收进度回调：(已处理 K 线数, 总数, {portfolio_value, trades_executed})。
// 回调返回的错误或 panic 只记日志，不会中断回测。
type ProgressSink interface {
	Report(processed, total int, stats map[string]any) error
}

// ProgressFunc 让普通函数实现 ProgressSink。
type ProgressFunc func(processed, total int, stats map[string]any) error

func (f ProgressFunc) Report(processed, total int, stats map[string]any) error {
	return f(processed, total, stats)
}

type noopSink struct{}

func (noopSink) Report(int, int, map[string]any) error { return nil }

func safeReport(sink ProgressSink, processed, total int, stats map[string]any) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("[backtest] progress sink panic: %v", r)
		}
	}()
	if err := sink.Report(processed, total, stats); err != nil {
		logger.Warnf("[backtest] progress sink 返回错误: %v", err)
	}
}

// CancellationToken 是可跨 goroutine 触发的取消标记。
type CancellationToken struct {
	cancelled atomic.Bool
	reason    atomic.Value
}

func NewCancellationToken() *CancellationToken {
	return &CancellationToken{}
}

// Cancel 标记取消，重复调用只保留第一次的原因。
func (t *CancellationToken) Cancel(reason string) {
	if t == nil {
		return
	}
	if t.cancelled.CompareAndSwap(false, true) {
		t.reason.Store(reason)
	}
}

func (t *CancellationToken) IsCancelled() bool {
	return t != nil && t.cancelled.Load()
}

func (t *CancellationToken) Reason() string {
	if t == nil {
		return ""
	}
	if v, ok := t.reason.Load().(string); ok {
		return v
	}
	return ""
}

func cancelError(bar int, reason string) error {
	if reason == "" {
		return fmt.Errorf("%w at bar %d", ErrCancelled, bar)
	}
	return fmt.Errorf("%w at bar %d: %s", ErrCancelled, bar, reason)
}
