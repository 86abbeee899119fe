package market

import "time"

// Candle 是单根 OHLCV K 线；OpenTime/CloseTime 为毫秒时间戳。
type Candle struct {
	OpenTime  int64   `json:"open_time"`
	CloseTime int64   `json:"close_time"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
	Trades    int64   `json:"trades"`
}

// Time 返回 K 线的索引时间（开盘时间，UTC）。
func (c Candle) Time() time.Time {
	return time.UnixMilli(c.OpenTime).UTC()
}

// ClosedAt 返回收盘时间；未记录时按开盘时间处理。
func (c Candle) ClosedAt() time.Time {
	if c.CloseTime <= 0 {
		return c.Time()
	}
	return time.UnixMilli(c.CloseTime).UTC()
}
