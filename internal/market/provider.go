package market

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"trdr/internal/logger"
)

var (
	// ErrNoData 表示数据源没有任何可用 K 线。
	ErrNoData = errors.New("no candles available")
	// ErrPrimaryTimeframeUnavailable 主周期缺失，多周期加载直接失败。
	ErrPrimaryTimeframeUnavailable = errors.New("primary timeframe unavailable")
)

// Provider 是历史 K 线数据源；start/end 为零值时表示不限。
type Provider interface {
	Load(ctx context.Context, symbol, timeframe string, start, end time.Time) (Frame, error)
}

// MultiFrame 是一次多周期加载的结果。
type MultiFrame struct {
	Symbol    string
	Primary   string
	Frames    map[string]Frame
	Synthetic map[string]bool
	Warnings  []string
}

// PrimaryFrame 返回主周期数据。
func (m MultiFrame) PrimaryFrame() Frame {
	return m.Frames[m.Primary]
}

// LoadMulti 加载主周期与辅助周期。主周期不可用时返回 ErrPrimaryTimeframeUnavailable；
// 辅助周期不可用只记 warning，若其粒度是主周期的整数倍则用主周期数据合成。
func LoadMulti(ctx context.Context, p Provider, symbol string, timeframes []string, primary string, start, end time.Time) (MultiFrame, error) {
	primary = strings.ToLower(strings.TrimSpace(primary))
	out := MultiFrame{
		Symbol:    strings.ToUpper(symbol),
		Primary:   primary,
		Frames:    make(map[string]Frame, len(timeframes)),
		Synthetic: make(map[string]bool),
	}
	if p == nil {
		return out, fmt.Errorf("data provider is nil")
	}
	base, err := p.Load(ctx, symbol, primary, start, end)
	if err != nil {
		return out, fmt.Errorf("%s@%s: %w: %v", out.Symbol, primary, ErrPrimaryTimeframeUnavailable, err)
	}
	if base.Empty() {
		return out, fmt.Errorf("%s@%s: %w: %v", out.Symbol, primary, ErrPrimaryTimeframeUnavailable, ErrNoData)
	}
	out.Frames[primary] = base

	for _, raw := range timeframes {
		tf := strings.ToLower(strings.TrimSpace(raw))
		if tf == "" || tf == primary {
			continue
		}
		frame, err := p.Load(ctx, symbol, tf, start, end)
		if err == nil && !frame.Empty() {
			out.Frames[tf] = frame
			continue
		}
		if err == nil {
			err = ErrNoData
		}
		msg := fmt.Sprintf("auxiliary timeframe %s unavailable: %v", tf, err)
		synthetic, synthErr := synthesize(base, primary, tf)
		if synthErr != nil {
			msg += "; no synthetic fallback: " + synthErr.Error()
			out.Warnings = append(out.Warnings, msg)
			logger.Warnf("[market] %s %s", out.Symbol, msg)
			continue
		}
		msg += "; using resampled " + primary + " data"
		out.Warnings = append(out.Warnings, msg)
		logger.Warnf("[market] %s %s", out.Symbol, msg)
		out.Frames[tf] = synthetic
		out.Synthetic[tf] = true
	}
	return out, nil
}

func synthesize(base Frame, from, to string) (Frame, error) {
	src, err := ParseTimeframe(from)
	if err != nil {
		return Frame{}, err
	}
	dst, err := ParseTimeframe(to)
	if err != nil {
		return Frame{}, err
	}
	candles, err := Resample(base.Candles, src, dst)
	if err != nil {
		return Frame{}, err
	}
	return Frame{Symbol: base.Symbol, Timeframe: dst.Key, Candles: candles}, nil
}
