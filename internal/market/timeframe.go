package market

import (
	"fmt"
	"strings"
	"time"
)

// Timeframe 是一个 K 线周期，例如 1h、4h。
type Timeframe struct {
	Key      string
	Duration time.Duration
}

var timeframes = map[string]time.Duration{
	"1m":  time.Minute,
	"5m":  5 * time.Minute,
	"15m": 15 * time.Minute,
	"30m": 30 * time.Minute,
	"1h":  time.Hour,
	"2h":  2 * time.Hour,
	"4h":  4 * time.Hour,
	"1d":  24 * time.Hour,
	"1w":  7 * 24 * time.Hour,
}

// ParseTimeframe 返回标准化周期，未知周期报错。
func ParseTimeframe(input string) (Timeframe, error) {
	key := strings.ToLower(strings.TrimSpace(input))
	d, ok := timeframes[key]
	if !ok {
		return Timeframe{}, fmt.Errorf("unsupported timeframe: %q", input)
	}
	return Timeframe{Key: key, Duration: d}, nil
}

// MustDuration 返回周期时长，未知周期返回 0。
func MustDuration(input string) time.Duration {
	return timeframes[strings.ToLower(strings.TrimSpace(input))]
}

func (tf Timeframe) String() string { return tf.Key }

// Bucket 返回 ts（毫秒）所在周期的起始毫秒。
func (tf Timeframe) Bucket(ts int64) int64 {
	step := tf.Duration.Milliseconds()
	if step <= 0 {
		return ts
	}
	rem := ts % step
	if rem < 0 {
		rem += step
	}
	return ts - rem
}

// ExpectedCandles 计算开盘时间 start~end（含）之间按周期应有的根数。
func (tf Timeframe) ExpectedCandles(start, end int64) int64 {
	step := tf.Duration.Milliseconds()
	if end < start || step <= 0 {
		return 0
	}
	return (end-start)/step + 1
}
