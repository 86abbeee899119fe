package predictor

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"

	"trdr/internal/config"
	"trdr/internal/logger"
)

var ErrModelNotFound = errors.New("model file not found")

// Loader 按 symbol/timeframe 加载模型文件并缓存。
type Loader struct {
	pathTemplate string
	features     []string

	mu    sync.Mutex
	cache map[string]*Model
}

func NewLoader(cfg config.ModelConfig) *Loader {
	return &Loader{
		pathTemplate: strings.TrimSpace(cfg.Path),
		features:     append([]string(nil), cfg.Features...),
		cache:        make(map[string]*Model),
	}
}

// Path 展开 {symbol} / {timeframe} 占位符。
func (l *Loader) Path(symbol, timeframe string) string {
	r := strings.NewReplacer(
		"{symbol}", strings.ToUpper(symbol),
		"{timeframe}", strings.ToLower(timeframe),
	)
	return r.Replace(l.pathTemplate)
}

// Load 返回 symbol@timeframe 的模型；文件缺失返回 ErrModelNotFound。
func (l *Loader) Load(symbol, timeframe string) (*Model, error) {
	if l.pathTemplate == "" {
		return nil, fmt.Errorf("%w: model.path not configured", ErrModelNotFound)
	}
	path := l.Path(symbol, timeframe)
	l.mu.Lock()
	defer l.mu.Unlock()
	if m, ok := l.cache[path]; ok {
		return m, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrModelNotFound, path)
		}
		return nil, fmt.Errorf("read model %s: %w", path, err)
	}
	m, err := ParseModel(raw)
	if err != nil {
		return nil, fmt.Errorf("parse model %s: %w", path, err)
	}
	if len(l.features) > 0 && !sameFeatures(l.features, m.Features) {
		return nil, fmt.Errorf("model %s features %v do not match configured %v", path, m.Features, l.features)
	}
	l.cache[path] = m
	logger.Infof("[predictor] 已加载模型 %s features=%d classes=%v", path, len(m.Features), m.Classes)
	return m, nil
}

func sameFeatures(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if !strings.EqualFold(a[i], b[i]) {
			return false
		}
	}
	return true
}
