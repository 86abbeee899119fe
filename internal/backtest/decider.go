package backtest

import (
	"context"
	"fmt"
	"time"

	"trdr/internal/decision"
	"trdr/internal/market"
	"trdr/internal/types"
)

// Decider 把单周期与多周期编排层统一成回测循环可驱动的接口。
// windows 以周期为键，每个窗口截至当前主周期 K 线收盘（含）。
type Decider interface {
	Decide(ctx context.Context, symbol string, windows map[string][]market.Candle, portfolio types.PortfolioState) (decision.TradingDecision, error)
	SyncPosition(symbol string, pos types.PositionSnapshot, executed types.Signal, ts time.Time)
	Primary() string
}

type singleDecider struct {
	orch *decision.Orchestrator
}

// NewSingleDecider 用单个周期的编排器驱动回测。
func NewSingleDecider(orch *decision.Orchestrator) (Decider, error) {
	if orch == nil {
		return nil, fmt.Errorf("orchestrator is nil")
	}
	return &singleDecider{orch: orch}, nil
}

func (s *singleDecider) Primary() string { return s.orch.Timeframe() }

func (s *singleDecider) Decide(ctx context.Context, symbol string, windows map[string][]market.Candle, portfolio types.PortfolioState) (decision.TradingDecision, error) {
	window := windows[s.orch.Timeframe()]
	if len(window) == 0 {
		return decision.TradingDecision{}, fmt.Errorf("%w: %s", market.ErrPrimaryTimeframeUnavailable, s.orch.Timeframe())
	}
	bar := window[len(window)-1]
	return s.orch.MakeDecision(ctx, symbol, s.orch.Timeframe(), bar, window, portfolio)
}

func (s *singleDecider) SyncPosition(symbol string, pos types.PositionSnapshot, executed types.Signal, ts time.Time) {
	s.orch.SyncPosition(symbol, pos, executed, ts)
}

type multiDecider struct {
	mto *decision.MultiTimeframeOrchestrator
}

// NewMultiDecider 用多周期共识编排器驱动回测。
func NewMultiDecider(mto *decision.MultiTimeframeOrchestrator) (Decider, error) {
	if mto == nil {
		return nil, fmt.Errorf("multi-timeframe orchestrator is nil")
	}
	return &multiDecider{mto: mto}, nil
}

func (m *multiDecider) Primary() string { return m.mto.Primary() }

func (m *multiDecider) Decide(ctx context.Context, symbol string, windows map[string][]market.Candle, portfolio types.PortfolioState) (decision.TradingDecision, error) {
	return m.mto.MakeMultiTimeframeDecision(ctx, symbol, windows, portfolio)
}

func (m *multiDecider) SyncPosition(symbol string, pos types.PositionSnapshot, executed types.Signal, ts time.Time) {
	m.mto.SyncPosition(symbol, pos, executed, ts)
}
