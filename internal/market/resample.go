package market

import "fmt"

// Resample 把细粒度 K 线聚合为粗粒度周期，用于辅助周期缺失时的合成回退。
// 最后一个未走完的桶也会输出，CloseTime 取其最后一根子 K 线的收盘时间。
func Resample(candles []Candle, from, to Timeframe) ([]Candle, error) {
	if to.Duration < from.Duration {
		return nil, fmt.Errorf("cannot resample %s into finer %s", from.Key, to.Key)
	}
	if to.Duration%from.Duration != 0 {
		return nil, fmt.Errorf("%s is not a multiple of %s", to.Key, from.Key)
	}
	if len(candles) == 0 {
		return nil, nil
	}
	out := make([]Candle, 0, len(candles)/int(to.Duration/from.Duration)+1)
	var cur Candle
	curBucket := int64(-1)
	for _, c := range candles {
		bucket := to.Bucket(c.OpenTime)
		if bucket != curBucket {
			if curBucket >= 0 {
				out = append(out, cur)
			}
			curBucket = bucket
			cur = Candle{
				OpenTime:  bucket,
				CloseTime: c.CloseTime,
				Open:      c.Open,
				High:      c.High,
				Low:       c.Low,
				Close:     c.Close,
				Volume:    c.Volume,
				Trades:    c.Trades,
			}
			continue
		}
		if c.High > cur.High {
			cur.High = c.High
		}
		if c.Low < cur.Low {
			cur.Low = c.Low
		}
		cur.Close = c.Close
		cur.CloseTime = c.CloseTime
		cur.Volume += c.Volume
		cur.Trades += c.Trades
	}
	out = append(out, cur)
	return out, nil
}
