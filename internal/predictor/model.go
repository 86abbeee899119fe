package predictor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"

	"trdr/internal/decision"
	"trdr/internal/types"
)

var ErrMissingFeature = errors.New("missing feature")

var (
	schemaOnce sync.Once
	schemaErr  error
	schema     *jsonschema.Schema
)

// Model 是线性 softmax 分类器：logits = W·x + b，再经 softmax 得到各信号概率。
type Model struct {
	Name     string
	Features []string
	Classes  []types.Signal
	weights  [][]float64
	bias     []float64
	mean     []float64
	std      []float64
}

var _ decision.Predictor = (*Model)(nil)

// ParseModel 校验并解析模型 JSON。
func ParseModel(raw []byte) (*Model, error) {
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("model json 格式无效")
	}
	if err := validateSchema(raw); err != nil {
		return nil, fmt.Errorf("model schema: %w", err)
	}
	doc := gjson.ParseBytes(raw)
	m := &Model{Name: doc.Get("name").String()}
	for _, f := range doc.Get("features").Array() {
		m.Features = append(m.Features, f.String())
	}
	for i, c := range doc.Get("classes").Array() {
		sig, ok := types.ParseSignal(c.String())
		if !ok {
			return nil, fmt.Errorf("classes[%d]: unknown signal %q", i, c.String())
		}
		m.Classes = append(m.Classes, sig)
	}
	for _, row := range doc.Get("weights").Array() {
		m.weights = append(m.weights, floats(row))
	}
	m.bias = floats(doc.Get("bias"))
	if norm := doc.Get("normalization"); norm.Exists() {
		m.mean = floats(norm.Get("mean"))
		m.std = floats(norm.Get("std"))
	}
	if err := m.check(); err != nil {
		return nil, err
	}
	return m, nil
}

func validateSchema(raw []byte) error {
	schemaOnce.Do(func() {
		s, err := compileSchema()
		schema, schemaErr = s, err
	})
	if schemaErr != nil {
		return schemaErr
	}
	var doc any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	return schema.Validate(doc)
}

func floats(arr gjson.Result) []float64 {
	items := arr.Array()
	out := make([]float64, len(items))
	for i, v := range items {
		out[i] = v.Float()
	}
	return out
}

func (m *Model) check() error {
	nf, nc := len(m.Features), len(m.Classes)
	if len(m.weights) != nc {
		return fmt.Errorf("weights has %d rows, want %d classes", len(m.weights), nc)
	}
	for i, row := range m.weights {
		if len(row) != nf {
			return fmt.Errorf("weights row %d has %d columns, want %d features", i, len(row), nf)
		}
	}
	if len(m.bias) != nc {
		return fmt.Errorf("bias has %d entries, want %d", len(m.bias), nc)
	}
	if m.mean != nil && (len(m.mean) != nf || len(m.std) != nf) {
		return fmt.Errorf("normalization must have %d entries", nf)
	}
	return nil
}

// BuildFeatures 按模型特征顺序取值，模糊隶属度优先于同名指标。
func (m *Model) BuildFeatures(fuzzy, indicators map[string]float64) ([]float64, error) {
	vec := make([]float64, len(m.Features))
	for i, name := range m.Features {
		if v, ok := fuzzy[name]; ok {
			vec[i] = v
			continue
		}
		if v, ok := indicators[name]; ok {
			vec[i] = v
			continue
		}
		return nil, fmt.Errorf("%w: %s", ErrMissingFeature, name)
	}
	return vec, nil
}

// Predict 返回概率最高的信号及其概率。
func (m *Model) Predict(ctx context.Context, vec []float64) (decision.Prediction, error) {
	if err := ctx.Err(); err != nil {
		return decision.Prediction{}, err
	}
	if len(vec) != len(m.Features) {
		return decision.Prediction{}, fmt.Errorf("feature vector has %d values, want %d", len(vec), len(m.Features))
	}
	logits := make([]float64, len(m.Classes))
	for c := range m.Classes {
		z := m.bias[c]
		for i, x := range vec {
			if m.mean != nil {
				if m.std[i] != 0 {
					x = (x - m.mean[i]) / m.std[i]
				} else {
					x -= m.mean[i]
				}
			}
			z += m.weights[c][i] * x
		}
		logits[c] = z
	}
	probs := softmax(logits)
	best := 0
	out := decision.Prediction{Probabilities: make(map[types.Signal]float64, len(probs))}
	for c, p := range probs {
		out.Probabilities[m.Classes[c]] = p
		if p > probs[best] {
			best = c
		}
	}
	out.Signal = m.Classes[best]
	out.Confidence = probs[best]
	return out, nil
}

func softmax(z []float64) []float64 {
	maxZ := math.Inf(-1)
	for _, v := range z {
		maxZ = math.Max(maxZ, v)
	}
	out := make([]float64, len(z))
	sum := 0.0
	for i, v := range z {
		out[i] = math.Exp(v - maxZ)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
	return out
}
