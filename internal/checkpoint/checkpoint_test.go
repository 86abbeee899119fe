package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"trdr/internal/performance"
	"trdr/internal/trading"
	"trdr/internal/types"
)

type mockService struct {
	mock.Mock
}

func (m *mockService) LoadCheckpoint(ctx context.Context, operationID string, loadArtifacts bool) (*Checkpoint, error) {
	args := m.Called(ctx, operationID, loadArtifacts)
	cp, _ := args.Get(0).(*Checkpoint)
	return cp, args.Error(1)
}

func (m *mockService) SaveCheckpoint(ctx context.Context, operationID string, state State) error {
	return m.Called(ctx, operationID, state).Error(0)
}

func TestResumeFromCheckpointDefaults(t *testing.T) {
	svc := &mockService{}
	svc.On("LoadCheckpoint", mock.Anything, "op-1", false).
		Return(&Checkpoint{OperationID: "op-1", State: State{BarIndex: 5000, Cash: 98000}}, nil)

	rc, err := ResumeFromCheckpoint(context.Background(), svc, "op-1")
	require.NoError(t, err)
	assert.Equal(t, 5001, rc.StartBar)
	assert.Equal(t, 98000.0, rc.Cash)
	assert.NotNil(t, rc.Trades)
	assert.Empty(t, rc.Trades)
	assert.NotNil(t, rc.EquityCurve)
	assert.Empty(t, rc.EquityCurve)
	assert.NotNil(t, rc.OriginalRequest)
	assert.Nil(t, rc.Position)
	assert.EqualValues(t, 1, rc.NextTradeID)
	svc.AssertExpectations(t)
}

func TestResumeFromCheckpointNotFound(t *testing.T) {
	svc := &mockService{}
	svc.On("LoadCheckpoint", mock.Anything, "missing", false).Return(nil, nil)
	_, err := ResumeFromCheckpoint(context.Background(), svc, "missing")
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	_, err = ResumeFromCheckpoint(context.Background(), nil, "missing")
	assert.Error(t, err)
}

func TestGormStoreRoundTrip(t *testing.T) {
	store, err := NewGormStore(filepath.Join(t.TempDir(), "cp", "checkpoints.db"))
	require.NoError(t, err)
	defer store.Close()
	ctx := context.Background()

	_, err = store.LoadCheckpoint(ctx, "op-2", false)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)

	ts := time.Date(2024, 2, 1, 10, 0, 0, 0, time.UTC)
	state := State{
		BarIndex: 120,
		Cash:     75000,
		Positions: []trading.Position{
			{Symbol: "AAPL", Status: types.StatusLong, EntryPrice: 100.05, EntryTime: ts, Quantity: 249},
		},
		Trades:          []trading.Trade{{TradeID: 1, Symbol: "AAPL", Side: trading.SideLong, NetPnL: 12.5}},
		EquitySamples:   []performance.EquityPoint{{Timestamp: ts, PortfolioValue: 100000}},
		NextTradeID:     2,
		OriginalRequest: map[string]any{"symbol": "AAPL"},
	}
	require.NoError(t, store.SaveCheckpoint(ctx, "op-2", state))
	state.BarIndex = 150
	require.NoError(t, store.SaveCheckpoint(ctx, "op-2", state))

	cp, err := store.LoadCheckpoint(ctx, "op-2", false)
	require.NoError(t, err)
	assert.Equal(t, 150, cp.State.BarIndex)
	assert.Nil(t, cp.Artifacts)

	rc, err := ResumeFromCheckpoint(ctx, store, "op-2")
	require.NoError(t, err)
	assert.Equal(t, 151, rc.StartBar)
	require.NotNil(t, rc.Position)
	assert.EqualValues(t, 249, rc.Position.Quantity)
	assert.True(t, rc.Position.EntryTime.Equal(ts))
	require.Len(t, rc.Trades, 1)
	assert.Equal(t, 12.5, rc.Trades[0].NetPnL)
	assert.EqualValues(t, 2, rc.NextTradeID)
	assert.Equal(t, "AAPL", rc.OriginalRequest["symbol"])

	require.NoError(t, store.SaveArtifact(ctx, "op-2", "results", []byte(`{"ok":true}`)))
	cp, err = store.LoadCheckpoint(ctx, "op-2", true)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"ok":true}`), cp.Artifacts["results"])

	require.NoError(t, store.Delete(ctx, "op-2"))
	_, err = store.LoadCheckpoint(ctx, "op-2", true)
	assert.ErrorIs(t, err, ErrCheckpointNotFound)
}
