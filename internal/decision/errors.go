package decision

import (
	"errors"
	"fmt"
)

// Kind 区分预期的预热不足与真正的决策失败。
type Kind int

const (
	KindWarmup Kind = iota + 1
	KindDecisionFailure
)

func (k Kind) String() string {
	switch k {
	case KindWarmup:
		return "warmup"
	case KindDecisionFailure:
		return "decision_failure"
	default:
		return "unknown"
	}
}

// Error 是决策管线返回的类型化错误。
type Error struct {
	Kind      Kind
	Symbol    string
	Timeframe string
	Err       error
}

func (e *Error) Error() string {
	if e == nil {
		return "<nil>"
	}
	scope := e.Symbol
	if e.Timeframe != "" {
		scope += "@" + e.Timeframe
	}
	if scope != "" {
		return fmt.Sprintf("%s %s: %v", e.Kind, scope, e.Err)
	}
	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

func newError(kind Kind, symbol, timeframe string, err error) *Error {
	return &Error{Kind: kind, Symbol: symbol, Timeframe: timeframe, Err: err}
}

// KindOf 返回 err 链中第一个 *Error 的 Kind，没有时返回 0。
func KindOf(err error) Kind {
	var de *Error
	if errors.As(err, &de) {
		return de.Kind
	}
	return 0
}

// IsWarmup 判断错误是否为预热不足。
func IsWarmup(err error) bool {
	return KindOf(err) == KindWarmup
}
