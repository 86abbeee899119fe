package types

import "strings"

// Signal 是单根 K 线上的交易信号。
type Signal string

const (
	SignalBuy  Signal = "BUY"
	SignalSell Signal = "SELL"
	SignalHold Signal = "HOLD"
)

// ParseSignal 宽松解析信号名，未知值返回 HOLD 与 false。
func ParseSignal(raw string) (Signal, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "BUY", "LONG":
		return SignalBuy, true
	case "SELL", "SHORT", "CLOSE":
		return SignalSell, true
	case "HOLD", "NONE", "":
		return SignalHold, true
	default:
		return SignalHold, false
	}
}

func (s Signal) IsAction() bool {
	return s == SignalBuy || s == SignalSell
}

func (s Signal) String() string { return string(s) }
