package market

import (
	"sort"
	"time"
)

// Frame 是某个 symbol@timeframe 按时间升序排列的 K 线表。
type Frame struct {
	Symbol    string
	Timeframe string
	Candles   []Candle
}

func (f Frame) Len() int { return len(f.Candles) }

func (f Frame) Empty() bool { return len(f.Candles) == 0 }

// Last 返回最后一根 K 线。
func (f Frame) Last() (Candle, bool) {
	if len(f.Candles) == 0 {
		return Candle{}, false
	}
	return f.Candles[len(f.Candles)-1], true
}

// Window 返回以 idx 结尾（含）、长度不超过 n 的窗口；n<=0 表示从头开始。
func (f Frame) Window(idx, n int) []Candle {
	if idx < 0 || len(f.Candles) == 0 {
		return nil
	}
	if idx >= len(f.Candles) {
		idx = len(f.Candles) - 1
	}
	start := 0
	if n > 0 && idx+1 > n {
		start = idx + 1 - n
	}
	return f.Candles[start : idx+1]
}

// IndexAtOrBefore 返回开盘时间不晚于 ts 的最后一根 K 线下标，不存在返回 -1。
func (f Frame) IndexAtOrBefore(ts time.Time) int {
	ms := ts.UnixMilli()
	i := sort.Search(len(f.Candles), func(i int) bool { return f.Candles[i].OpenTime > ms })
	return i - 1
}

// Between 截取 [start, end] 区间（零值表示不限）。
func (f Frame) Between(start, end time.Time) Frame {
	out := Frame{Symbol: f.Symbol, Timeframe: f.Timeframe}
	for _, c := range f.Candles {
		ts := c.Time()
		if !start.IsZero() && ts.Before(start) {
			continue
		}
		if !end.IsZero() && ts.After(end) {
			break
		}
		out.Candles = append(out.Candles, c)
	}
	return out
}

// Closes 提取收盘价序列。
func Closes(candles []Candle) []float64 {
	out := make([]float64, len(candles))
	for i, c := range candles {
		out[i] = c.Close
	}
	return out
}
