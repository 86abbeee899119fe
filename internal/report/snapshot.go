package report

import (
	"context"
	"encoding/base64"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/chromedp/chromedp"

	"trdr/internal/logger"
)

const snapshotTimeout = 20 * time.Second

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 探测本机是否有可用的 headless Chrome，结果只探测一次。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		if ctx == nil {
			ctx = context.Background()
		}
		parent, cancel := chromedp.NewContext(ctx)
		defer cancel()
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

// RenderPNG 用 headless Chrome 把报告 HTML 截成整页 PNG。
func RenderPNG(ctx context.Context, html []byte) ([]byte, error) {
	if len(html) == 0 {
		return nil, fmt.Errorf("empty report html")
	}
	if ctx == nil {
		ctx = context.Background()
	}
	if err := EnsureHeadlessAvailable(ctx); err != nil {
		return nil, fmt.Errorf("headless chrome unavailable: %w", err)
	}
	parent, cancel := chromedp.NewContext(ctx)
	defer cancel()
	timeoutCtx, cancelTimeout := context.WithTimeout(parent, snapshotTimeout)
	defer cancelTimeout()

	height := priceHeightPx + equityHeightPx + drawdownHeight + 120
	dataURI := "data:text/html;base64," + base64.StdEncoding.EncodeToString(html)
	var shot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(chartWidthPx+40), int64(height)),
		chromedp.Navigate(dataURI),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
		chromedp.FullScreenshot(&shot, 90),
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return nil, err
	}
	return shot, nil
}

// WriteSnapshot 渲染报告并写出 PNG；没有 Chrome 时返回错误，由调用方决定是否忽略。
func WriteSnapshot(ctx context.Context, path string, in Input) error {
	html, err := BuildHTML(in)
	if err != nil {
		return err
	}
	png, err := RenderPNG(ctx, html)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return err
	}
	logger.Infof("[report] 截图已写入 %s (%d bytes)", path, len(png))
	return nil
}
