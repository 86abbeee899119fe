package decision

import (
	"context"

	"trdr/internal/types"
)

// Prediction 是模型对一根 K 线的原始输出。
type Prediction struct {
	Signal        types.Signal             `json:"signal"`
	Confidence    float64                  `json:"confidence"`
	Probabilities map[types.Signal]float64 `json:"probabilities"`
}

// Predictor 把模糊隶属度与指标转成特征向量并给出预测。
type Predictor interface {
	BuildFeatures(fuzzy, indicators map[string]float64) ([]float64, error)
	Predict(ctx context.Context, features []float64) (Prediction, error)
}
