package capture

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"dtex/internal/extractor"
	"dtex/internal/logger"

	"github.com/chromedp/chromedp"
	"github.com/google/uuid"
)

// 中文说明：
// URL 截图输入源：用无头浏览器把页面渲染成 PNG，作为抽取运行的输入图片。
// 上传图片之外的另一条输入路径，截图失败不影响已上传图片的处理。

// Options 截图参数。
type Options struct {
	TimeoutSeconds int
	ViewportWidth  int
	ViewportHeight int
	FullPage       bool
	UserAgent      string
}

// Capturer 把 URL 渲染为抽取输入图片。
type Capturer struct {
	opts Options
}

func New(opts Options) *Capturer {
	if opts.TimeoutSeconds <= 0 {
		opts.TimeoutSeconds = 30
	}
	if opts.ViewportWidth <= 0 {
		opts.ViewportWidth = 1440
	}
	if opts.ViewportHeight <= 0 {
		opts.ViewportHeight = 900
	}
	return &Capturer{opts: opts}
}

var (
	headlessOnce sync.Once
	headlessErr  error
)

// EnsureHeadlessAvailable 启动时探测无头浏览器可用性（只探测一次）。
func EnsureHeadlessAvailable(ctx context.Context) error {
	headlessOnce.Do(func() {
		targetCtx := ctx
		if targetCtx == nil {
			targetCtx = context.Background()
		}
		parent, cancel := chromedp.NewContext(targetCtx)
		if cancel != nil {
			defer cancel()
		}
		headlessErr = chromedp.Run(parent)
	})
	return headlessErr
}

// Capture 截取单个 URL。
func (c *Capturer) Capture(ctx context.Context, rawURL string) (extractor.Image, error) {
	rawURL = strings.TrimSpace(rawURL)
	if err := validateURL(rawURL); err != nil {
		return extractor.Image{}, err
	}
	if ctx == nil {
		ctx = context.Background()
	}

	parentCtx := ctx
	if ua := strings.TrimSpace(c.opts.UserAgent); ua != "" {
		allocOpts := append(chromedp.DefaultExecAllocatorOptions[:], chromedp.UserAgent(ua))
		actx, acancel := chromedp.NewExecAllocator(ctx, allocOpts...)
		defer acancel()
		parentCtx = actx
	}
	parent, cancel := chromedp.NewContext(parentCtx)
	defer cancel()

	timeoutCtx, cancelTimeout := context.WithTimeout(parent, time.Duration(c.opts.TimeoutSeconds)*time.Second)
	defer cancelTimeout()

	var screenshot []byte
	tasks := chromedp.Tasks{
		chromedp.EmulateViewport(int64(c.opts.ViewportWidth), int64(c.opts.ViewportHeight)),
		chromedp.Navigate(rawURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(1500 * time.Millisecond),
	}
	if c.opts.FullPage {
		tasks = append(tasks, chromedp.FullScreenshot(&screenshot, 90))
	} else {
		tasks = append(tasks, chromedp.CaptureScreenshot(&screenshot))
	}
	if err := chromedp.Run(timeoutCtx, tasks...); err != nil {
		return extractor.Image{}, fmt.Errorf("capture %s failed: %w", rawURL, err)
	}

	img := extractor.Image{
		ID:     uuid.NewString(),
		Bytes:  screenshot,
		Mime:   "image/png",
		Source: rawURL,
	}
	logger.Infof("captured %s (%d bytes)", rawURL, len(screenshot))
	return img, nil
}

// CaptureAll 顺序截取多个 URL，单个失败跳过并继续。
func (c *Capturer) CaptureAll(ctx context.Context, urls []string) ([]extractor.Image, error) {
	out := make([]extractor.Image, 0, len(urls))
	var firstErr error
	for _, u := range urls {
		img, err := c.Capture(ctx, u)
		if err != nil {
			logger.Warnf("capture skipped: %v", err)
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		out = append(out, img)
	}
	if len(out) == 0 && firstErr != nil {
		return nil, firstErr
	}
	return out, nil
}

func validateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("capture url cannot be empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid capture url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("capture url %q must be http(s)", rawURL)
	}
	return nil
}
