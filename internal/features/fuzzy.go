package features

import (
	"fmt"
	"strings"

	"trdr/internal/config"
)

// MembershipFunc 把指标值映射到 [0,1] 的隶属度。
type MembershipFunc func(x float64) float64

// NewMembership 按配置构造隶属函数。
func NewMembership(cfg config.FuzzySetConfig) (MembershipFunc, error) {
	p := cfg.Parameters
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", "triangular":
		if len(p) != 3 {
			return nil, fmt.Errorf("triangular set needs 3 parameters, got %d", len(p))
		}
		return triangular(p[0], p[1], p[2]), nil
	case "trapezoid", "trapezoidal":
		if len(p) != 4 {
			return nil, fmt.Errorf("trapezoid set needs 4 parameters, got %d", len(p))
		}
		return trapezoid(p[0], p[1], p[2], p[3]), nil
	default:
		return nil, fmt.Errorf("unsupported fuzzy set type %q", cfg.Type)
	}
}

func triangular(a, b, c float64) MembershipFunc {
	return func(x float64) float64 {
		switch {
		case x == b:
			return 1
		case x <= a || x >= c:
			return 0
		case x < b:
			return (x - a) / (b - a)
		default:
			return (c - x) / (c - b)
		}
	}
}

func trapezoid(a, b, c, d float64) MembershipFunc {
	return func(x float64) float64 {
		switch {
		case x >= b && x <= c:
			return 1
		case x <= a || x >= d:
			return 0
		case x < b:
			return (x - a) / (b - a)
		default:
			return (d - x) / (d - c)
		}
	}
}
