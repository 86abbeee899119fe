package trading

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"trdr/internal/logger"
	"trdr/internal/types"
)

var (
	ErrInsufficientCapital = errors.New("insufficient capital for minimum order")
	ErrAlreadyLong         = errors.New("position already long")
	ErrNoPosition          = errors.New("no open position to close")
	ErrInvalidPrice        = errors.New("price must be positive")
)

const defaultSizingFraction = 0.25

// Params 是资金与成本参数，Commission/Slippage 为比例。
type Params struct {
	InitialCapital  float64
	Commission      float64
	Slippage        float64
	PositionSizePct float64
}

func (p Params) validate() error {
	if p.InitialCapital <= 0 {
		return fmt.Errorf("initial capital must be positive, got %v", p.InitialCapital)
	}
	if p.Commission < 0 || p.Commission >= 1 {
		return fmt.Errorf("commission must be within [0,1), got %v", p.Commission)
	}
	if p.Slippage < 0 || p.Slippage >= 1 {
		return fmt.Errorf("slippage must be within [0,1), got %v", p.Slippage)
	}
	if p.PositionSizePct < 0 || p.PositionSizePct > 1 {
		return fmt.Errorf("position_size_pct must be within [0,1], got %v", p.PositionSizePct)
	}
	return nil
}

// RestoreState 是断点恢复时注入的账本状态。
type RestoreState struct {
	Cash        float64
	Position    *Position
	Trades      []Trade
	NextTradeID int64
}

// PositionManager 持有现金与至多一个多头持仓，所有金额以 decimal 计算。
type PositionManager struct {
	params     Params
	commission decimal.Decimal
	slippage   decimal.Decimal
	sizing     decimal.Decimal

	cash     decimal.Decimal
	position *Position
	trades   []Trade
	nextID   int64
}

func NewPositionManager(params Params) (*PositionManager, error) {
	if params.PositionSizePct == 0 {
		params.PositionSizePct = defaultSizingFraction
	}
	if err := params.validate(); err != nil {
		return nil, err
	}
	pm := &PositionManager{
		params:     params,
		commission: decFromFloat(params.Commission),
		slippage:   decFromFloat(params.Slippage),
		sizing:     decFromFloat(params.PositionSizePct),
	}
	pm.Reset()
	return pm, nil
}

// Reset 恢复到初始资金并清空持仓与历史。
func (pm *PositionManager) Reset() {
	pm.cash = decFromFloat(pm.params.InitialCapital)
	pm.position = nil
	pm.trades = nil
	pm.nextID = 1
}

// Restore 用断点中的账本覆盖当前状态。
func (pm *PositionManager) Restore(state RestoreState) {
	pm.cash = decFromFloat(state.Cash)
	pm.position = nil
	if state.Position != nil && state.Position.Quantity > 0 {
		pos := *state.Position
		pos.Status = types.StatusLong
		pm.position = &pos
	}
	pm.trades = append([]Trade(nil), state.Trades...)
	pm.nextID = state.NextTradeID
	if pm.nextID <= 0 {
		pm.nextID = int64(len(pm.trades)) + 1
	}
}

func (pm *PositionManager) Params() Params { return pm.params }

func (pm *PositionManager) Cash() float64 { return decToFloat(pm.cash) }

// Position 返回当前持仓的副本，空仓时为 nil。
func (pm *PositionManager) Position() *Position {
	if pm.position == nil {
		return nil
	}
	pos := *pm.position
	return &pos
}

func (pm *PositionManager) Status() types.PositionStatus {
	if pm.position == nil {
		return types.StatusFlat
	}
	return pm.position.Status
}

func (pm *PositionManager) NextTradeID() int64 { return pm.nextID }

// TradeHistory 返回已完成交易的副本。
func (pm *PositionManager) TradeHistory() []Trade {
	return append([]Trade(nil), pm.trades...)
}

// quantityFor 按资金比例计算可买股数，并在成本超出现金时逐步下调。
func (pm *PositionManager) quantityFor(price decimal.Decimal) (int64, decimal.Decimal, decimal.Decimal) {
	exec := buyPrice(price, pm.slippage)
	unitCost := exec.Mul(decOne.Add(pm.commission))
	if !unitCost.IsPositive() {
		return 0, exec, decZero
	}
	qty := pm.cash.Mul(pm.sizing).Div(unitCost).Floor().IntPart()
	for ; qty > 0; qty-- {
		value := exec.Mul(decimal.NewFromInt(qty))
		cost := value.Add(value.Mul(pm.commission))
		if cost.LessThanOrEqual(pm.cash) {
			return qty, exec, cost
		}
	}
	return 0, exec, decZero
}

// CanExecuteTrade 判断信号在当前账本下是否可执行。
func (pm *PositionManager) CanExecuteTrade(signal types.Signal, price float64) bool {
	if price <= 0 {
		return false
	}
	switch signal {
	case types.SignalBuy:
		if pm.position != nil {
			return false
		}
		qty, _, _ := pm.quantityFor(decFromFloat(price))
		return qty > 0
	case types.SignalSell:
		return pm.position != nil && pm.position.Status == types.StatusLong
	default:
		return false
	}
}

// ExecuteTrade 执行信号。BUY 返回开仓遥测记录，SELL 返回完成的往返交易；HOLD 返回 nil, nil。
func (pm *PositionManager) ExecuteTrade(signal types.Signal, price float64, ts time.Time, symbol string, metadata map[string]any) (*Trade, error) {
	if !signal.IsAction() {
		return nil, nil
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrice, price)
	}
	switch signal {
	case types.SignalBuy:
		return pm.openLong(price, ts, symbol, metadata)
	default:
		return pm.closeLong(price, ts, symbol, "", metadata)
	}
}

func (pm *PositionManager) openLong(price float64, ts time.Time, symbol string, metadata map[string]any) (*Trade, error) {
	if pm.position != nil {
		return nil, ErrAlreadyLong
	}
	raw := decFromFloat(price)
	qty, exec, cost := pm.quantityFor(raw)
	if qty <= 0 {
		return nil, fmt.Errorf("%w: cash=%s price=%v", ErrInsufficientCapital, pm.cash.StringFixed(2), price)
	}
	qtyDec := decimal.NewFromInt(qty)
	value := exec.Mul(qtyDec)
	commission := cost.Sub(value)
	slippage := exec.Sub(raw).Mul(qtyDec)
	pm.cash = pm.cash.Sub(cost)

	execF := decToFloat(exec)
	pm.position = &Position{
		Symbol:          symbol,
		Status:          types.StatusLong,
		EntryPrice:      execF,
		EntryTime:       ts,
		Quantity:        qty,
		CurrentPrice:    price,
		LastUpdate:      ts,
		EntryCommission: decToFloat(commission),
		EntrySlippage:   decToFloat(slippage),
		TradeID:         pm.nextID,
		Metadata:        cloneMeta(metadata),
	}
	pm.position.UnrealizedPnL = (price - execF) * float64(qty)
	logger.Debugf("[trading] 开仓 %s qty=%d exec=%.4f cost=%.4f cash=%s", symbol, qty, execF, decToFloat(cost), pm.cash.StringFixed(2))
	return &Trade{
		TradeID:          pm.nextID,
		Symbol:           symbol,
		Side:             SideBuyEntry,
		EntryPrice:       execF,
		EntryTime:        ts,
		Quantity:         qty,
		EntryCommission:  decToFloat(commission),
		Slippage:         decToFloat(slippage),
		DecisionMetadata: cloneMeta(metadata),
	}, nil
}

func (pm *PositionManager) closeLong(price float64, ts time.Time, symbol, reason string, metadata map[string]any) (*Trade, error) {
	pos := pm.position
	if pos == nil || pos.Status != types.StatusLong {
		return nil, ErrNoPosition
	}
	if symbol == "" {
		symbol = pos.Symbol
	}
	pm.UpdatePosition(price, ts)

	raw := decFromFloat(price)
	qtyDec := decimal.NewFromInt(pos.Quantity)
	exec := sellPrice(raw, pm.slippage)
	exitValue := exec.Mul(qtyDec)
	entryValue := decFromFloat(pos.EntryPrice).Mul(qtyDec)
	commission := exitValue.Mul(pm.commission)
	gross := exitValue.Sub(entryValue)
	net := gross.Sub(commission)
	exitSlippage := raw.Sub(exec).Mul(qtyDec)
	pm.cash = pm.cash.Add(exitValue).Sub(commission)

	meta := cloneMeta(pos.Metadata)
	if len(metadata) > 0 {
		if meta == nil {
			meta = make(map[string]any, len(metadata))
		}
		for k, v := range metadata {
			meta[k] = v
		}
	}
	if reason != "" {
		if meta == nil {
			meta = map[string]any{}
		}
		meta["exit_reason"] = reason
	}
	trade := Trade{
		TradeID:            pos.TradeID,
		Symbol:             symbol,
		Side:               SideLong,
		EntryPrice:         pos.EntryPrice,
		EntryTime:          pos.EntryTime,
		ExitPrice:          decToFloat(exec),
		ExitTime:           ts,
		Quantity:           pos.Quantity,
		GrossPnL:           decToFloat(gross),
		Commission:         decToFloat(commission),
		EntryCommission:    pos.EntryCommission,
		Slippage:           pos.EntrySlippage + decToFloat(exitSlippage),
		NetPnL:             decToFloat(net),
		HoldingPeriodHours: ts.Sub(pos.EntryTime).Hours(),
		MFE:                pos.MFE,
		MAE:                pos.MAE,
		ExitReason:         reason,
		DecisionMetadata:   meta,
	}
	if trade.TradeID <= 0 {
		trade.TradeID = pm.nextID
	}
	pm.trades = append(pm.trades, trade)
	pm.nextID = trade.TradeID + 1
	pm.position = nil
	logger.Debugf("[trading] 平仓 %s qty=%d exit=%.4f net=%.4f cash=%s", symbol, trade.Quantity, trade.ExitPrice, trade.NetPnL, pm.cash.StringFixed(2))
	out := trade
	return &out, nil
}

// UpdatePosition 按最新价刷新浮动盈亏与 MFE/MAE。
func (pm *PositionManager) UpdatePosition(price float64, ts time.Time) {
	pos := pm.position
	if pos == nil || price <= 0 {
		return
	}
	pos.CurrentPrice = price
	pos.LastUpdate = ts
	pos.UnrealizedPnL = (price - pos.EntryPrice) * float64(pos.Quantity)
	if pos.UnrealizedPnL > pos.MFE {
		pos.MFE = pos.UnrealizedPnL
	}
	if pos.UnrealizedPnL < pos.MAE {
		pos.MAE = pos.UnrealizedPnL
	}
}

// PortfolioValue 返回现金加上按 price 计价的持仓市值。
func (pm *PositionManager) PortfolioValue(price float64) float64 {
	if pm.position == nil {
		return decToFloat(pm.cash)
	}
	mark := price
	if mark <= 0 {
		mark = pm.position.CurrentPrice
	}
	value := pm.cash.Add(decimal.NewFromInt(pm.position.Quantity).Mul(decFromFloat(mark)))
	return decToFloat(value)
}

// ForceClosePosition 以 reason 强制平仓；空仓时返回 nil, nil。
func (pm *PositionManager) ForceClosePosition(price float64, ts time.Time, symbol, reason string) (*Trade, error) {
	if pm.position == nil {
		return nil, nil
	}
	if price <= 0 {
		price = pm.position.CurrentPrice
	}
	if price <= 0 {
		return nil, fmt.Errorf("%w: force close without a mark price", ErrInvalidPrice)
	}
	logger.Infof("[trading] 强制平仓 %s reason=%s price=%.4f", symbol, reason, price)
	return pm.closeLong(price, ts, symbol, reason, nil)
}

// Summary 返回当前持仓与资金概要。
func (pm *PositionManager) Summary() Summary {
	out := Summary{
		Status:      types.StatusFlat,
		Cash:        decToFloat(pm.cash),
		TotalTrades: len(pm.trades),
	}
	realized := decZero
	for _, t := range pm.trades {
		realized = realized.Add(decFromFloat(t.NetPnL))
	}
	out.RealizedPnL = decToFloat(realized)
	if pos := pm.position; pos != nil {
		out.Status = pos.Status
		out.Symbol = pos.Symbol
		out.Quantity = pos.Quantity
		out.EntryPrice = pos.EntryPrice
		out.CurrentPrice = pos.CurrentPrice
		out.UnrealizedPnL = pos.UnrealizedPnL
	}
	out.PortfolioValue = pm.PortfolioValue(0)
	return out
}

// Snapshot 返回供决策层使用的持仓快照。
func (pm *PositionManager) Snapshot(symbol string, price float64) types.PortfolioState {
	state := types.PortfolioState{
		TotalValue:     pm.PortfolioValue(price),
		AvailableCash:  pm.Cash(),
		TradesExecuted: len(pm.trades),
		Position:       types.PositionSnapshot{Symbol: symbol, Status: types.StatusFlat, CurrentPrice: price},
	}
	if pos := pm.position; pos != nil {
		mark := price
		if mark <= 0 {
			mark = pos.CurrentPrice
		}
		state.Position = types.PositionSnapshot{
			Symbol:        pos.Symbol,
			Status:        pos.Status,
			EntryPrice:    pos.EntryPrice,
			EntryTime:     pos.EntryTime,
			Quantity:      pos.Quantity,
			CurrentPrice:  mark,
			UnrealizedPnL: (mark - pos.EntryPrice) * float64(pos.Quantity),
			PositionValue: mark * float64(pos.Quantity),
		}
	}
	return state
}
