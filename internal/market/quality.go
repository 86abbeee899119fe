package market

import "math"

// QualityScore 评估窗口数据质量：字段完整度、high>=low 合理性、成交量非负，三者取平均。
func QualityScore(candles []Candle) float64 {
	if len(candles) == 0 {
		return 0
	}
	complete, sane, volumeOK := 0.0, 0.0, 0.0
	for _, c := range candles {
		fields := [...]float64{c.Open, c.High, c.Low, c.Close, c.Volume}
		valid := 0
		for _, v := range fields {
			if !math.IsNaN(v) && !math.IsInf(v, 0) {
				valid++
			}
		}
		complete += float64(valid) / float64(len(fields))
		if c.High >= c.Low {
			sane++
		}
		if c.Volume >= 0 {
			volumeOK++
		}
	}
	n := float64(len(candles))
	return (complete/n + sane/n + volumeOK/n) / 3
}
