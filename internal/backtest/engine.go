package backtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"trdr/internal/checkpoint"
	"trdr/internal/config"
	"trdr/internal/decision"
	"trdr/internal/features"
	"trdr/internal/logger"
	"trdr/internal/market"
	"trdr/internal/performance"
	"trdr/internal/trading"
	"trdr/internal/types"
)

// ErrNoData 表示回测区间内没有任何主周期 K 线。
var ErrNoData = errors.New("no data for backtest range")

// Deps 是构造回测引擎所需的协作者；Caches 与 Checkpoints 可为空。
type Deps struct {
	Config      *config.StrategyConfig
	Provider    market.Provider
	Decider     Decider
	Caches      map[string]*features.Cache
	Checkpoints checkpoint.Service
	OperationID string
}

// RunOptions 控制单次 Run；ResumeStartBar > 0 时从该 K 线下标继续。
type RunOptions struct {
	Progress       ProgressSink
	Observer       Observer
	Cancel         *CancellationToken
	ResumeStartBar int
}

// Engine 以单线程、确定性的方式逐根推进主周期 K 线。
type Engine struct {
	cfg         *config.StrategyConfig
	provider    market.Provider
	decider     Decider
	caches      map[string]*features.Cache
	checkpoints checkpoint.Service
	operationID string

	symbol     string
	primary    string
	timeframes []string
	lookbacks  map[string]int

	pm      *trading.PositionManager
	tracker *performance.Tracker

	data     market.MultiFrame
	loaded   bool
	resumed  bool
	startBar int
}

func NewEngine(deps Deps) (*Engine, error) {
	if deps.Config == nil {
		return nil, fmt.Errorf("strategy config is nil")
	}
	if deps.Provider == nil {
		return nil, fmt.Errorf("data provider is nil")
	}
	if deps.Decider == nil {
		return nil, fmt.Errorf("decider is nil")
	}
	cfg := deps.Config
	bt := cfg.Backtest
	pm, err := trading.NewPositionManager(trading.Params{
		InitialCapital:  bt.InitialCapital,
		Commission:      bt.Commission,
		Slippage:        bt.Slippage,
		PositionSizePct: bt.PositionSizePct,
	})
	if err != nil {
		return nil, fmt.Errorf("position manager: %w", err)
	}
	timeframes := cfg.Timeframes()
	if len(timeframes) == 0 {
		timeframes = []string{deps.Decider.Primary()}
	}
	lookbacks := make(map[string]int, len(timeframes))
	for _, tf := range timeframes {
		lookbacks[tf] = cfg.LookbackFor(tf)
	}
	opID := strings.TrimSpace(deps.OperationID)
	if opID == "" {
		opID = uuid.NewString()
	}
	return &Engine{
		cfg:         cfg,
		provider:    deps.Provider,
		decider:     deps.Decider,
		caches:      deps.Caches,
		checkpoints: deps.Checkpoints,
		operationID: opID,
		symbol:      strings.ToUpper(strings.TrimSpace(bt.Symbol)),
		primary:     deps.Decider.Primary(),
		timeframes:  timeframes,
		lookbacks:   lookbacks,
		pm:          pm,
		tracker:     performance.NewTracker(),
	}, nil
}

// OperationID 返回断点使用的操作 id。
func (e *Engine) OperationID() string { return e.operationID }

// PositionManager 暴露账本，便于调用方查询当前持仓。
func (e *Engine) PositionManager() *trading.PositionManager { return e.pm }

func (e *Engine) Tracker() *performance.Tracker { return e.tracker }

// PrimaryFrame 返回已加载的主周期数据；尚未加载时为空。
func (e *Engine) PrimaryFrame() market.Frame {
	if !e.loaded {
		return market.Frame{}
	}
	return e.data.PrimaryFrame()
}

// loadData 加载主周期与辅助周期；主周期无数据时返回 ErrNoData。
func (e *Engine) loadData(ctx context.Context) error {
	start, err := e.cfg.Backtest.StartTime()
	if err != nil {
		return err
	}
	end, err := e.cfg.Backtest.EndTime()
	if err != nil {
		return err
	}
	data, err := market.LoadMulti(ctx, e.provider, e.symbol, e.timeframes, e.primary, start, end)
	if err != nil {
		if errors.Is(err, market.ErrPrimaryTimeframeUnavailable) {
			return fmt.Errorf("%w: %w", ErrNoData, err)
		}
		return err
	}
	if data.PrimaryFrame().Empty() {
		return fmt.Errorf("%w: %s@%s", ErrNoData, e.symbol, e.primary)
	}
	e.data = data
	e.loaded = true
	logger.Infof("[backtest] %s 数据加载完成 primary=%s bars=%d timeframes=%d", e.symbol, e.primary, data.PrimaryFrame().Len(), len(data.Frames))
	return nil
}

// precompute 对每个周期一次性计算特征；数据不足以预热只记 warning。
func (e *Engine) precompute(ctx context.Context) error {
	for tf, cache := range e.caches {
		if cache == nil {
			continue
		}
		frame, ok := e.data.Frames[tf]
		if !ok || frame.Empty() {
			continue
		}
		if err := cache.Precompute(ctx, frame); err != nil {
			if errors.Is(err, features.ErrWarmup) {
				logger.Warnf("[backtest] %s 特征预计算跳过: %v", tf, err)
				continue
			}
			return fmt.Errorf("precompute %s: %w", tf, err)
		}
	}
	return nil
}

// ResumeFromContext 重新加载数据并把断点中的账本、权益曲线写回引擎，返回主周期数据。
// 之后调用 Run 会从 rc.StartBar 继续。
func (e *Engine) ResumeFromContext(ctx context.Context, rc checkpoint.ResumeContext) (market.Frame, error) {
	if err := e.loadData(ctx); err != nil {
		return market.Frame{}, err
	}
	frame := e.data.PrimaryFrame()
	if rc.StartBar < 0 || rc.StartBar > frame.Len() {
		return market.Frame{}, fmt.Errorf("resume bar %d out of range [0,%d]", rc.StartBar, frame.Len())
	}
	e.pm.Restore(trading.RestoreState{
		Cash:        rc.Cash,
		Position:    rc.Position,
		Trades:      rc.Trades,
		NextTradeID: rc.NextTradeID,
	})
	e.tracker.Restore(rc.EquityCurve)
	if rc.OperationID != "" {
		e.operationID = rc.OperationID
	}
	e.startBar = rc.StartBar
	e.resumed = true

	var ts time.Time
	price := 0.0
	if rc.StartBar > 0 {
		prev := frame.Candles[rc.StartBar-1]
		ts, price = prev.Time(), prev.Close
	}
	e.pm.UpdatePosition(price, ts)
	e.decider.SyncPosition(e.symbol, e.pm.Snapshot(e.symbol, price).Position, types.SignalHold, ts)
	logger.Infof("[backtest] 从断点 %s 恢复: start_bar=%d cash=%.2f trades=%d", e.operationID, rc.StartBar, rc.Cash, len(rc.Trades))
	return frame, nil
}

// Run 执行回测主循环。取消时返回已处理部分的结果以及包装了 ErrCancelled 的错误。
func (e *Engine) Run(ctx context.Context, opts RunOptions) (*Results, error) {
	started := time.Now()
	if !e.loaded {
		if err := e.loadData(ctx); err != nil {
			return nil, err
		}
	}
	if !e.resumed {
		e.pm.Reset()
		e.tracker.Reset()
	}
	if err := e.precompute(ctx); err != nil {
		return nil, err
	}
	sink := opts.Progress
	if sink == nil {
		sink = noopSink{}
	}
	observer := opts.Observer
	if observer == nil {
		observer = noopObserver{}
	}

	bt := e.cfg.Backtest
	frame := e.data.PrimaryFrame()
	candles := frame.Candles
	startBar := bt.WarmupBars
	if opts.ResumeStartBar > 0 {
		startBar = opts.ResumeStartBar
	} else if e.resumed {
		startBar = e.startBar
	}
	if startBar < 0 {
		startBar = 0
	}
	total := len(candles) - startBar
	if total < 0 {
		total = 0
	}
	progressEvery := max(1, bt.ProgressEvery)
	cancelEvery := max(1, bt.CancelCheckEvery)

	res := &Results{
		RunID:        uuid.NewString(),
		OperationID:  e.operationID,
		StrategyName: e.cfg.Name,
		Symbol:       e.symbol,
		Timeframe:    e.primary,
		Config:       e.runConfig(),
		StartedAt:    started.UTC(),
		Status:       RunStatusRunning,
		Warnings:     append([]string(nil), e.data.Warnings...),
	}
	logger.Infof("[backtest] run %s 开始 %s@%s bars=%d start_bar=%d", res.RunID, e.symbol, e.primary, len(candles), startBar)

	cursors := make(map[string]int, len(e.data.Frames))
	processed := 0
	warmupHolds := 0
	bankrupt := false
	lastIdx := -1
	var runErr error

	for i := startBar; i < len(candles); i++ {
		bar := candles[i]
		ts := bar.Time()
		lastIdx = i

		e.pm.UpdatePosition(bar.Close, ts)
		windows := e.windowsAt(frame, i, bar.CloseTime, cursors)
		portfolio := e.pm.Snapshot(e.symbol, bar.Close)
		portfolio.UpdatedAt = ts

		d, err := e.decider.Decide(ctx, e.symbol, windows, portfolio)
		warmup := false
		if err != nil {
			if decision.IsWarmup(err) {
				warmup = true
				warmupHolds++
				d = decision.Hold(ts, e.pm.Status(), map[string]any{"error": err.Error(), "warmup": true})
			} else {
				logger.Errorf("[backtest] %s bar=%d 决策失败，按 HOLD 处理: %v", e.symbol, i, err)
				d = decision.Hold(ts, e.pm.Status(), map[string]any{"error": err.Error()})
			}
		}

		executed := e.execute(d, bar, i)
		e.decider.SyncPosition(e.symbol, e.pm.Snapshot(e.symbol, bar.Close).Position, executed, ts)

		value := e.pm.PortfolioValue(bar.Close)
		e.tracker.Update(ts, bar.Close, value, e.pm.Status())
		processed++
		ev := BarEvent{
			Symbol:         e.symbol,
			Timeframe:      e.primary,
			Index:          i,
			Time:           ts,
			Decision:       d.Signal,
			Executed:       executed,
			Warmup:         warmup,
			Failed:         err != nil && !warmup,
			PortfolioValue: value,
			Position:       e.pm.Status(),
		}
		if last, ok := e.tracker.Last(); ok {
			ev.Drawdown = last.Drawdown
		}
		safeObserve(func() { observer.ObserveBar(ev) })

		if value <= 0 && !bankrupt {
			bankrupt = true
			logger.Warnf("[backtest] run %s 组合价值 %.2f <= 0 (bar=%d, policy=%s)", res.RunID, value, i, bt.BankruptcyPolicy)
		}
		if value <= 0 && bt.BankruptcyPolicy == config.BankruptcyHalt {
			res.Status = RunStatusHalted
			break
		}

		if processed%progressEvery == 0 || i == len(candles)-1 {
			safeReport(sink, processed, total, map[string]any{
				"portfolio_value": value,
				"trades_executed": len(e.pm.TradeHistory()),
			})
		}
		if every := e.cfg.Checkpoint.EveryBars; every > 0 && processed%every == 0 {
			e.saveCheckpoint(ctx, i)
		}
		if processed%cancelEvery == 0 {
			if opts.Cancel.IsCancelled() || ctx.Err() != nil {
				reason := opts.Cancel.Reason()
				if reason == "" && ctx.Err() != nil {
					reason = ctx.Err().Error()
				}
				e.saveCheckpoint(context.WithoutCancel(ctx), i)
				res.Status = RunStatusCancelled
				runErr = cancelError(i, reason)
				logger.Warnf("[backtest] run %s 已取消 bar=%d: %s", res.RunID, i, reason)
				break
			}
		}
	}

	// 断点位于最后一根之后时循环不会执行，恢复出的持仓仍按最后一根平掉。
	if lastIdx < 0 && e.resumed && len(candles) > 0 {
		lastIdx = len(candles) - 1
	}
	if lastIdx >= 0 {
		// 取消时断点已先于平仓保存，恢复后持仓仍在。
		reason := endOfBacktestReason
		if res.Status == RunStatusCancelled {
			reason = cancelledReason
		}
		e.closeOut(candles[lastIdx], reason)
	}
	if res.Status == RunStatusRunning {
		res.Status = RunStatusCompleted
	}

	res.Trades = e.pm.TradeHistory()
	res.EquityCurve = e.tracker.EquityCurve()
	res.BarsProcessed = processed
	// 区间从权益曲线首点算起；恢复运行的曲线包含断点前的部分。
	var first, last time.Time
	if lastIdx >= 0 {
		last = candles[lastIdx].Time()
		switch {
		case len(res.EquityCurve) > 0:
			first = res.EquityCurve[0].Timestamp
		case startBar < len(candles):
			first = candles[startBar].Time()
		}
	}
	res.Metrics = e.tracker.CalculateMetrics(res.Trades, bt.InitialCapital, first, last)
	res.FinishedAt = time.Now().UTC()
	res.ExecutionSeconds = res.FinishedAt.Sub(started).Seconds()
	safeObserve(func() { observer.ObserveRun(res) })
	logger.Infof("[backtest] run %s %s: bars=%d trades=%d warmup_holds=%d final=%.2f return=%.4f",
		res.RunID, res.Status, processed, len(res.Trades), warmupHolds, res.FinalValue(), res.Metrics.TotalReturnPct)
	return res, runErr
}

// windowsAt 截取各周期截至 closeTime 的窗口；辅助周期用游标只前进不回退。
func (e *Engine) windowsAt(primary market.Frame, idx int, closeTime int64, cursors map[string]int) map[string][]market.Candle {
	windows := make(map[string][]market.Candle, len(e.data.Frames))
	windows[e.primary] = primary.Window(idx, e.lookbacks[e.primary])
	for tf, frame := range e.data.Frames {
		if tf == e.primary {
			continue
		}
		candles := frame.Candles
		cursor := cursors[tf]
		for cursor < len(candles) && candles[cursor].CloseTime <= closeTime {
			cursor++
		}
		cursors[tf] = cursor
		if cursor == 0 {
			continue
		}
		windows[tf] = frame.Window(cursor-1, e.lookbacks[tf])
	}
	return windows
}

// execute 尝试执行决策，返回实际成交的信号；被拒绝时返回 HOLD。
func (e *Engine) execute(d decision.TradingDecision, bar market.Candle, idx int) types.Signal {
	if !d.Signal.IsAction() {
		return types.SignalHold
	}
	if !e.pm.CanExecuteTrade(d.Signal, bar.Close) {
		logger.Debugf("[backtest] %s bar=%d %s 无法执行 (status=%s)", e.symbol, idx, d.Signal, e.pm.Status())
		return types.SignalHold
	}
	meta := map[string]any{
		"signal":     string(d.Signal),
		"confidence": d.Confidence,
		"bar_index":  idx,
		"timeframe":  e.primary,
	}
	if overrides := d.Overrides(); len(overrides) > 0 {
		meta["overrides"] = overrides
	}
	trade, err := e.pm.ExecuteTrade(d.Signal, bar.Close, bar.Time(), e.symbol, meta)
	if err != nil {
		logger.Warnf("[backtest] %s bar=%d 执行 %s 失败: %v", e.symbol, idx, d.Signal, err)
		return types.SignalHold
	}
	if trade != nil {
		logger.Debugf("[backtest] %s %s qty=%d price=%.4f net=%.2f", e.symbol, trade.Side, trade.Quantity, bar.Close, trade.NetPnL)
	}
	return d.Signal
}

// closeOut 在最后一根 K 线收盘价强制平仓，并补记平仓后的权益。
func (e *Engine) closeOut(bar market.Candle, reason string) {
	trade, err := e.pm.ForceClosePosition(bar.Close, bar.Time(), e.symbol, reason)
	if err != nil {
		logger.Errorf("[backtest] %s 期末平仓失败: %v", e.symbol, err)
		return
	}
	if trade == nil {
		return
	}
	e.decider.SyncPosition(e.symbol, e.pm.Snapshot(e.symbol, bar.Close).Position, types.SignalSell, bar.Time())
	e.tracker.Update(bar.ClosedAt(), bar.Close, e.pm.PortfolioValue(bar.Close), e.pm.Status())
}

func (e *Engine) saveCheckpoint(ctx context.Context, barIndex int) {
	if e.checkpoints == nil {
		return
	}
	var positions []trading.Position
	if pos := e.pm.Position(); pos != nil {
		positions = append(positions, *pos)
	}
	state := checkpoint.State{
		BarIndex:        barIndex,
		Cash:            e.pm.Cash(),
		Positions:       positions,
		Trades:          e.pm.TradeHistory(),
		EquitySamples:   e.tracker.EquityCurve(),
		NextTradeID:     e.pm.NextTradeID(),
		OriginalRequest: e.originalRequest(),
	}
	if err := e.checkpoints.SaveCheckpoint(ctx, e.operationID, state); err != nil {
		logger.Warnf("[backtest] 保存断点失败 op=%s bar=%d: %v", e.operationID, barIndex, err)
		return
	}
	logger.Debugf("[backtest] 断点已保存 op=%s bar=%d", e.operationID, barIndex)
}

func (e *Engine) runConfig() RunConfig {
	bt := e.cfg.Backtest
	rc := RunConfig{
		Strategy:         e.cfg.Name,
		Symbol:           e.symbol,
		Timeframe:        e.primary,
		Timeframes:       append([]string(nil), e.timeframes...),
		StartDate:        bt.StartDate,
		EndDate:          bt.EndDate,
		Mode:             e.cfg.Orchestrator.Mode,
		InitialCapital:   bt.InitialCapital,
		Commission:       bt.Commission,
		Slippage:         bt.Slippage,
		PositionSizePct:  bt.PositionSizePct,
		WarmupBars:       bt.WarmupBars,
		BankruptcyPolicy: bt.BankruptcyPolicy,
	}
	if len(e.timeframes) > 1 {
		rc.ConsensusMethod = e.cfg.MultiTimeframe.ConsensusMethod
	}
	return rc
}

func (e *Engine) originalRequest() map[string]any {
	bt := e.cfg.Backtest
	return map[string]any{
		"strategy":   e.cfg.Name,
		"symbol":     e.symbol,
		"timeframe":  e.primary,
		"timeframes": append([]string(nil), e.timeframes...),
		"start_date": bt.StartDate,
		"end_date":   bt.EndDate,
	}
}
