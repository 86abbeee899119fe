package logger

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
)

// 进程级日志：级别由 levelVar 控制，输出与格式可在运行时切换。
var (
	levelVar slog.LevelVar

	mu      sync.RWMutex
	current *slog.Logger
	sink    io.Writer = os.Stdout
	asJSON  bool
)

func init() {
	levelVar.Set(slog.LevelInfo)
	rebuild()
}

// rebuild 需在持有写锁或 init 中调用。
func rebuild() {
	w := sink
	if w == nil {
		w = os.Stdout
	}
	opts := &slog.HandlerOptions{Level: &levelVar}
	if asJSON {
		current = slog.New(slog.NewJSONHandler(w, opts))
		return
	}
	current = slog.New(slog.NewTextHandler(w, opts))
}

// SetOutput 切换日志输出目标（保留当前格式）。
func SetOutput(w io.Writer) {
	mu.Lock()
	sink = w
	rebuild()
	mu.Unlock()
}

// SetFormat 支持 text / json 两种格式，未知值回退为 text。
func SetFormat(format string) {
	mu.Lock()
	asJSON = strings.EqualFold(strings.TrimSpace(format), "json")
	rebuild()
	mu.Unlock()
}

func SetLevel(level string) {
	var lv slog.Level
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		lv = slog.LevelDebug
	case "warn", "warning":
		lv = slog.LevelWarn
	case "error":
		lv = slog.LevelError
	default:
		lv = slog.LevelInfo
	}
	levelVar.Set(lv)
}

// Enabled 判断某级别是否会输出，用于跳过开销较大的格式化。
func Enabled(level slog.Level) bool {
	return level >= levelVar.Level()
}

// L 返回底层 slog.Logger，供需要结构化字段的调用方使用。
func L() *slog.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return current
}

// logf 在消息以 "[tag]" 开头时额外附带 component 字段，便于 JSON 日志过滤。
func logf(level slog.Level, format string, v ...any) {
	if !Enabled(level) {
		return
	}
	msg := fmt.Sprintf(format, v...)
	var attrs []any
	if strings.HasPrefix(msg, "[") {
		if end := strings.IndexByte(msg, ']'); end > 1 {
			attrs = append(attrs, slog.String("component", msg[1:end]))
		}
	}
	L().Log(context.Background(), level, msg, attrs...)
}

func Debugf(format string, v ...any) { logf(slog.LevelDebug, format, v...) }

func Infof(format string, v ...any) { logf(slog.LevelInfo, format, v...) }

func Warnf(format string, v ...any) { logf(slog.LevelWarn, format, v...) }

func Errorf(format string, v ...any) { logf(slog.LevelError, format, v...) }

// InfoBlock 把多行文本逐行输出，空行忽略。
func InfoBlock(block string) {
	for _, line := range strings.Split(strings.TrimSpace(block), "\n") {
		if strings.TrimSpace(line) != "" {
			Infof("%s", line)
		}
	}
}
