package checkpoint

import (
	"context"
	"errors"
	"fmt"
	"time"

	"trdr/internal/performance"
	"trdr/internal/trading"
)

// ErrCheckpointNotFound 表示 operation 没有可恢复的断点。
var ErrCheckpointNotFound = errors.New("checkpoint not found")

// State 是回测中途的账本快照。
type State struct {
	BarIndex        int                       `json:"bar_index"`
	Cash            float64                   `json:"cash"`
	Positions       []trading.Position        `json:"positions"`
	Trades          []trading.Trade           `json:"trades"`
	EquitySamples   []performance.EquityPoint `json:"equity_samples"`
	NextTradeID     int64                     `json:"next_trade_id"`
	OriginalRequest map[string]any            `json:"original_request"`
}

// Checkpoint 是持久化的断点记录；Artifacts 仅在 loadArtifacts 时填充。
type Checkpoint struct {
	OperationID string
	State       State
	Artifacts   map[string][]byte
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Service 是断点存取契约。缺失时 LoadCheckpoint 返回 ErrCheckpointNotFound。
type Service interface {
	LoadCheckpoint(ctx context.Context, operationID string, loadArtifacts bool) (*Checkpoint, error)
	SaveCheckpoint(ctx context.Context, operationID string, state State) error
}

// ResumeContext 是恢复回测所需的全部状态；StartBar = BarIndex + 1。
type ResumeContext struct {
	OperationID     string
	StartBar        int
	Cash            float64
	Position        *trading.Position
	Trades          []trading.Trade
	EquityCurve     []performance.EquityPoint
	NextTradeID     int64
	OriginalRequest map[string]any
	CheckpointAt    time.Time
}

// ResumeFromCheckpoint 读取断点并转换为 ResumeContext，缺省列表补为空切片。
func ResumeFromCheckpoint(ctx context.Context, svc Service, operationID string) (ResumeContext, error) {
	if svc == nil {
		return ResumeContext{}, fmt.Errorf("checkpoint service is nil")
	}
	cp, err := svc.LoadCheckpoint(ctx, operationID, false)
	if err != nil {
		return ResumeContext{}, err
	}
	if cp == nil {
		return ResumeContext{}, fmt.Errorf("%w: %s", ErrCheckpointNotFound, operationID)
	}
	st := cp.State
	rc := ResumeContext{
		OperationID:     operationID,
		StartBar:        st.BarIndex + 1,
		Cash:            st.Cash,
		Trades:          st.Trades,
		EquityCurve:     st.EquitySamples,
		NextTradeID:     st.NextTradeID,
		OriginalRequest: st.OriginalRequest,
		CheckpointAt:    cp.UpdatedAt,
	}
	if rc.Trades == nil {
		rc.Trades = []trading.Trade{}
	}
	if rc.EquityCurve == nil {
		rc.EquityCurve = []performance.EquityPoint{}
	}
	if rc.OriginalRequest == nil {
		rc.OriginalRequest = map[string]any{}
	}
	for i := range st.Positions {
		if st.Positions[i].Quantity > 0 {
			pos := st.Positions[i]
			rc.Position = &pos
			break
		}
	}
	if rc.NextTradeID <= 0 {
		rc.NextTradeID = int64(len(rc.Trades)) + 1
	}
	return rc, nil
}
