package trading

import (
	"math"

	"github.com/shopspring/decimal"
)

var (
	decOne  = decimal.NewFromInt(1)
	decZero = decimal.Zero
)

func decFromFloat(val float64) decimal.Decimal {
	if math.IsNaN(val) || math.IsInf(val, 0) {
		return decZero
	}
	return decimal.NewFromFloat(val)
}

func decToFloat(val decimal.Decimal) float64 {
	f, _ := val.Float64()
	return f
}

// buyPrice 返回买入成交价 price×(1+slippage)。
func buyPrice(price, slippage decimal.Decimal) decimal.Decimal {
	return price.Mul(decOne.Add(slippage))
}

// sellPrice 返回卖出成交价 price×(1−slippage)。
func sellPrice(price, slippage decimal.Decimal) decimal.Decimal {
	return price.Mul(decOne.Sub(slippage))
}
