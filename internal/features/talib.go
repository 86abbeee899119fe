package features

import (
	"fmt"
	"math"
	"sort"

	talib "github.com/markcheno/go-talib"

	"trdr/internal/config"
	"trdr/internal/market"
)

type fuzzySet struct {
	indicator string
	key       string
	fn        MembershipFunc
}

// TalibProvider 使用 go-talib 计算配置中的指标，再映射为模糊隶属度。
type TalibProvider struct {
	indicators []config.IndicatorConfig
	sets       []fuzzySet
	minBars    int
}

var _ Provider = (*TalibProvider)(nil)

// NewTalibProvider 校验指标与模糊集合的对应关系并构造 provider。
func NewTalibProvider(indicators []config.IndicatorConfig, fuzzy map[string]map[string]config.FuzzySetConfig) (*TalibProvider, error) {
	p := &TalibProvider{indicators: append([]config.IndicatorConfig(nil), indicators...)}
	outputs := make(map[string]struct{})
	for _, ind := range indicators {
		need := lookback(ind) + 1
		if need > p.minBars {
			p.minBars = need
		}
		for _, key := range outputKeys(ind) {
			outputs[key] = struct{}{}
		}
	}
	names := make([]string, 0, len(fuzzy))
	for name := range fuzzy {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if _, ok := outputs[name]; !ok {
			return nil, fmt.Errorf("fuzzy sets reference unknown indicator %q", name)
		}
		setNames := make([]string, 0, len(fuzzy[name]))
		for set := range fuzzy[name] {
			setNames = append(setNames, set)
		}
		sort.Strings(setNames)
		for _, set := range setNames {
			fn, err := NewMembership(fuzzy[name][set])
			if err != nil {
				return nil, fmt.Errorf("fuzzy set %s.%s: %w", name, set, err)
			}
			p.sets = append(p.sets, fuzzySet{indicator: name, key: name + "_" + set, fn: fn})
		}
	}
	return p, nil
}

// MinBars 返回计算全部指标所需的最少 K 线数。
func (p *TalibProvider) MinBars() int {
	if p.minBars <= 0 {
		return 1
	}
	return p.minBars
}

// Compute 对窗口计算全部指标并取最后一个值。
func (p *TalibProvider) Compute(window []market.Candle) (Snapshot, error) {
	if len(window) < p.MinBars() {
		return Snapshot{}, fmt.Errorf("%w: need %d bars, got %d", ErrWarmup, p.MinBars(), len(window))
	}
	series, err := p.Series(window)
	if err != nil {
		return Snapshot{}, err
	}
	return p.snapshotAt(series, len(window)-1), nil
}

// Series 对整段 K 线计算每个指标输出的完整序列。
func (p *TalibProvider) Series(candles []market.Candle) (map[string][]float64, error) {
	out := make(map[string][]float64)
	for _, ind := range p.indicators {
		res, err := computeIndicator(ind, candles)
		if err != nil {
			return nil, err
		}
		for k, v := range res {
			out[k] = v
		}
	}
	return out, nil
}

func (p *TalibProvider) snapshotAt(series map[string][]float64, idx int) Snapshot {
	snap := Snapshot{
		Indicators: make(map[string]float64, len(series)),
		Fuzzy:      make(map[string]float64, len(p.sets)),
	}
	for k, s := range series {
		if idx < len(s) {
			snap.Indicators[k] = sanitize(s[idx])
		}
	}
	for _, set := range p.sets {
		snap.Fuzzy[set.key] = set.fn(snap.Indicators[set.indicator])
	}
	return snap
}

// lookback 返回指标第一个有效值所在下标。
func lookback(ind config.IndicatorConfig) int {
	switch ind.Type {
	case "macd":
		return ind.SlowPeriod + ind.SignalPeriod - 2
	case "ema", "sma", "bbands":
		return ind.Period - 1
	default:
		return ind.Period
	}
}

func outputKeys(ind config.IndicatorConfig) []string {
	key := ind.Key()
	switch ind.Type {
	case "macd":
		return []string{key, key + "_signal", key + "_hist"}
	case "bbands":
		return []string{key, key + "_upper", key + "_lower"}
	default:
		return []string{key}
	}
}

func computeIndicator(ind config.IndicatorConfig, candles []market.Candle) (map[string][]float64, error) {
	if len(candles) <= lookback(ind) {
		return nil, fmt.Errorf("%w: %s needs %d bars, got %d", ErrWarmup, ind.Key(), lookback(ind)+1, len(candles))
	}
	closes := market.Closes(candles)
	key := ind.Key()
	switch ind.Type {
	case "rsi":
		return map[string][]float64{key: talib.Rsi(closes, ind.Period)}, nil
	case "ema":
		return map[string][]float64{key: talib.Ema(closes, ind.Period)}, nil
	case "sma":
		return map[string][]float64{key: talib.Sma(closes, ind.Period)}, nil
	case "roc":
		return map[string][]float64{key: talib.Roc(closes, ind.Period)}, nil
	case "macd":
		macd, signal, hist := talib.Macd(closes, ind.FastPeriod, ind.SlowPeriod, ind.SignalPeriod)
		return map[string][]float64{key: macd, key + "_signal": signal, key + "_hist": hist}, nil
	case "atr":
		highs, lows := highsLows(candles)
		return map[string][]float64{key: talib.Atr(highs, lows, closes, ind.Period)}, nil
	case "mfi":
		highs, lows := highsLows(candles)
		volumes := make([]float64, len(candles))
		for i, c := range candles {
			volumes[i] = c.Volume
		}
		return map[string][]float64{key: talib.Mfi(highs, lows, closes, volumes, ind.Period)}, nil
	case "bbands":
		upper, _, lower := talib.BBands(closes, ind.Period, ind.StdDev, ind.StdDev, talib.SMA)
		pctB := make([]float64, len(closes))
		for i := range closes {
			width := upper[i] - lower[i]
			if width > 0 {
				pctB[i] = (closes[i] - lower[i]) / width
			}
		}
		return map[string][]float64{key: pctB, key + "_upper": upper, key + "_lower": lower}, nil
	default:
		return nil, fmt.Errorf("unsupported indicator type %q", ind.Type)
	}
}

func highsLows(candles []market.Candle) ([]float64, []float64) {
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		highs[i] = c.High
		lows[i] = c.Low
	}
	return highs, lows
}

func sanitize(v float64) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}
