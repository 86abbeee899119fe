package predictor

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"trdr/internal/config"
	"trdr/internal/types"
)

const sampleModel = `{
  "name": "rsi-linear",
  "version": 1,
  "features": ["rsi_oversold", "rsi_overbought"],
  "classes": ["BUY", "HOLD", "SELL"],
  "weights": [[4, -4], [0, 0], [-4, 4]],
  "bias": [0, 0.5, 0]
}`

func TestParseModelAndPredict(t *testing.T) {
	m, err := ParseModel([]byte(sampleModel))
	require.NoError(t, err)
	assert.Equal(t, "rsi-linear", m.Name)
	assert.Equal(t, []types.Signal{types.SignalBuy, types.SignalHold, types.SignalSell}, m.Classes)

	vec, err := m.BuildFeatures(map[string]float64{"rsi_oversold": 1, "rsi_overbought": 0}, nil)
	require.NoError(t, err)
	pred, err := m.Predict(context.Background(), vec)
	require.NoError(t, err)
	assert.Equal(t, types.SignalBuy, pred.Signal)
	assert.Greater(t, pred.Confidence, 0.9)
	total := 0.0
	for _, p := range pred.Probabilities {
		total += p
	}
	assert.InDelta(t, 1, total, 1e-9)

	vec, err = m.BuildFeatures(map[string]float64{"rsi_oversold": 0}, map[string]float64{"rsi_overbought": 1})
	require.NoError(t, err)
	pred, err = m.Predict(context.Background(), vec)
	require.NoError(t, err)
	assert.Equal(t, types.SignalSell, pred.Signal)

	pred, err = m.Predict(context.Background(), []float64{0, 0})
	require.NoError(t, err)
	assert.Equal(t, types.SignalHold, pred.Signal)
}

func TestBuildFeaturesMissing(t *testing.T) {
	m, err := ParseModel([]byte(sampleModel))
	require.NoError(t, err)
	_, err = m.BuildFeatures(map[string]float64{"rsi_oversold": 1}, nil)
	assert.ErrorIs(t, err, ErrMissingFeature)
	_, err = m.Predict(context.Background(), []float64{1})
	assert.Error(t, err)
}

func TestParseModelRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"not json":      `{"features":`,
		"bad class":     `{"features":["a"],"classes":["BUY","MAYBE"],"weights":[[1],[1]],"bias":[0,0]}`,
		"missing bias":  `{"features":["a"],"classes":["BUY","SELL"],"weights":[[1],[1]]}`,
		"shape":         `{"features":["a","b"],"classes":["BUY","SELL"],"weights":[[1],[1]],"bias":[0,0]}`,
		"bias length":   `{"features":["a"],"classes":["BUY","SELL"],"weights":[[1],[1]],"bias":[0]}`,
		"no features":   `{"features":[],"classes":["BUY","SELL"],"weights":[[],[]],"bias":[0,0]}`,
		"weights types": `{"features":["a"],"classes":["BUY","SELL"],"weights":[["x"],[1]],"bias":[0,0]}`,
	}
	for name, raw := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := ParseModel([]byte(raw))
			assert.Error(t, err)
		})
	}
}

func TestParseModelRejectsUnknownClass(t *testing.T) {
	_, err := ParseModel([]byte(`{"features":["a"],"classes":["BUY","MAYBE"],"weights":[[1],[1]],"bias":[0,0]}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "classes")
}

func TestNormalization(t *testing.T) {
	raw := `{"features":["rsi"],"classes":["BUY","SELL"],"weights":[[-1],[1]],"bias":[0,0],
	  "normalization":{"mean":[50],"std":[10]}}`
	m, err := ParseModel([]byte(raw))
	require.NoError(t, err)
	pred, err := m.Predict(context.Background(), []float64{30})
	require.NoError(t, err)
	assert.Equal(t, types.SignalBuy, pred.Signal)
	pred, err = m.Predict(context.Background(), []float64{70})
	require.NoError(t, err)
	assert.Equal(t, types.SignalSell, pred.Signal)
}

func TestLoaderTemplatesAndCache(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "AAPL_1h.json"), []byte(sampleModel), 0o644))
	l := NewLoader(config.ModelConfig{Path: filepath.Join(dir, "{symbol}_{timeframe}.json")})
	assert.Equal(t, filepath.Join(dir, "AAPL_1h.json"), l.Path("aapl", "1H"))

	m1, err := l.Load("aapl", "1h")
	require.NoError(t, err)
	m2, err := l.Load("AAPL", "1h")
	require.NoError(t, err)
	assert.Same(t, m1, m2)

	_, err = l.Load("AAPL", "4h")
	assert.ErrorIs(t, err, ErrModelNotFound)

	strict := NewLoader(config.ModelConfig{Path: filepath.Join(dir, "{symbol}_{timeframe}.json"), Features: []string{"macd"}})
	_, err = strict.Load("AAPL", "1h")
	assert.Error(t, err)

	_, err = NewLoader(config.ModelConfig{}).Load("AAPL", "1h")
	assert.ErrorIs(t, err, ErrModelNotFound)
}
