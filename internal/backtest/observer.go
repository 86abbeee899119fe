package backtest

import (
	"time"

	"trdr/internal/logger"
	"trdr/internal/types"
)

// BarEvent 描述引擎处理完一根主周期 K 线后的状态。
type BarEvent struct {
	Symbol         string
	Timeframe      string
	Index          int
	Time           time.Time
	Decision       types.Signal
	Executed       types.Signal
	Warmup         bool
	Failed         bool
	PortfolioValue float64
	Drawdown       float64
	Position       types.PositionStatus
}

// Observer 在回测循环内被同步调用，用于指标采集。
type Observer interface {
	ObserveBar(ev BarEvent)
	ObserveRun(res *Results)
}

type noopObserver struct{}

func (noopObserver) ObserveBar(BarEvent) {}
func (noopObserver) ObserveRun(*Results) {}

// safeObserve 与 safeReport 一样吞掉观察者的 panic。
func safeObserve(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Warnf("[backtest] observer panic: %v", r)
		}
	}()
	fn()
}
