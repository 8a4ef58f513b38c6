package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"dtex/internal/logger"
	"dtex/internal/pkg/circuit"
	"dtex/internal/pkg/jsonutil"
)

// 中文说明：
// OpenAIChatClient：兼容 OpenAI / 任何 /v1/chat/completions 端点的视觉聊天客户端。
// 图片以 image_url content part 发送（data URI）。

type OpenAIChatClient struct {
	BaseURL string
	APIKey  string
	Model   string
	Timeout time.Duration
	// 简易重试（用于 429/5xx）：若为 0 则默认重试 2 次
	MaxRetries   int
	ExtraHeaders map[string]string
}

func (c *OpenAIChatClient) endpoint() string {
	url := strings.TrimRight(c.BaseURL, "/")
	if url == "" {
		url = "https://api.openai.com/v1"
	}
	// 用户可能把完整路径写进了配置，去重后统一追加一次
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

// CallWithPayload 发送一次聊天补全请求，返回首个 choice 的文本。
func (c *OpenAIChatClient) CallWithPayload(ctx context.Context, payload ChatPayload) (string, error) {
	if c.Timeout == 0 {
		c.Timeout = 90 * time.Second
	}
	maxRetries := c.MaxRetries
	if maxRetries <= 0 {
		maxRetries = 2
	}
	url := c.endpoint()

	messages := make([]map[string]any, 0, 2)
	if payload.System != "" {
		messages = append(messages, map[string]any{"role": "system", "content": payload.System})
	}
	messages = append(messages, map[string]any{"role": "user", "content": userContent(payload)})

	body := map[string]any{"model": c.Model, "messages": messages, "temperature": 0.1}
	if payload.MaxTokens > 0 {
		body["max_tokens"] = payload.MaxTokens
	}
	if payload.ExpectJSON {
		body["response_format"] = map[string]string{"type": "json_object"}
	}
	b, _ := json.Marshal(body)
	logger.LogVisionPayload(c.Model, jsonutil.Pretty(string(b)))

	httpc := &http.Client{Timeout: c.Timeout}
	var lastErr error
	for attempt := 0; attempt <= maxRetries; attempt++ {
		if attempt == 0 {
			logger.Debugf("[vision] POST %s model=%s images=%d headers=%v", url, c.Model, len(payload.Images), c.maskedHeaders())
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(b))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.APIKey != "" {
			req.Header.Set("Authorization", "Bearer "+c.APIKey)
		}
		for k, v := range c.ExtraHeaders {
			req.Header.Set(k, v)
		}

		resp, err := httpc.Do(req)
		if err != nil {
			return "", err
		}
		if resp.StatusCode/100 == 2 {
			var r struct {
				Choices []struct {
					Message struct {
						Content string `json:"content"`
					} `json:"message"`
				} `json:"choices"`
			}
			derr := json.NewDecoder(resp.Body).Decode(&r)
			resp.Body.Close()
			if derr != nil {
				return "", derr
			}
			if len(r.Choices) == 0 {
				return "", fmt.Errorf("empty choices")
			}
			return r.Choices[0].Message.Content, nil
		}
		var eresp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&eresp)
		resp.Body.Close()
		msg := strings.TrimSpace(eresp.Error.Message)
		if msg == "" {
			msg = resp.Status
		}
		lastErr = fmt.Errorf("status=%d: %s", resp.StatusCode, msg)
		if !retryableStatus(resp.StatusCode) || attempt == maxRetries {
			break
		}
		wait := retryAfter(resp.Header.Get("Retry-After"))
		if wait == 0 {
			// 指数退避：0.8s, 1.6s, 3.2s ...，上限 8s
			wait = (800 * time.Millisecond) << attempt
			if wait > 8*time.Second {
				wait = 8 * time.Second
			}
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(wait):
		}
	}
	return "", lastErr
}

func userContent(payload ChatPayload) any {
	if len(payload.Images) == 0 {
		return payload.User
	}
	parts := make([]map[string]any, 0, len(payload.Images)+1)
	if payload.User != "" {
		parts = append(parts, map[string]any{"type": "text", "text": payload.User})
	}
	for _, img := range payload.Images {
		parts = append(parts, map[string]any{
			"type":      "image_url",
			"image_url": map[string]string{"url": img.DataURI},
		})
	}
	return parts
}

func retryableStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func retryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	return 0
}

// maskedHeaders 调试输出用：密钥只保留尾 4 位。
func (c *OpenAIChatClient) maskedHeaders() map[string]string {
	out := map[string]string{"Content-Type": "application/json"}
	if c.APIKey != "" {
		tail := c.APIKey
		if len(tail) > 4 {
			tail = tail[len(tail)-4:]
		}
		out["Authorization"] = "Bearer ****" + tail
	}
	for k, v := range c.ExtraHeaders {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "auth") {
			if len(v) > 4 {
				v = "****" + v[len(v)-4:]
			} else {
				v = "****"
			}
		}
		out[k] = v
	}
	return out
}

// OpenAIModelProvider 基于 OpenAIChatClient 实现 ModelProvider。
// 内置熔断：连续失败后快速拒绝，避免预算被反复打到故障端点上。
type OpenAIModelProvider struct {
	id         string
	enabled    bool
	vision     bool
	expectJSON bool
	client     *OpenAIChatClient
	breaker    *circuit.CircuitBreaker
}

func NewOpenAIModelProvider(id string, enabled, vision, expectJSON bool, client *OpenAIChatClient) *OpenAIModelProvider {
	return &OpenAIModelProvider{
		id:         id,
		enabled:    enabled,
		vision:     vision,
		expectJSON: expectJSON,
		client:     client,
		breaker:    circuit.NewCircuitBreaker("provider:"+id, 3, 30*time.Second),
	}
}

func (p *OpenAIModelProvider) ID() string           { return p.id }
func (p *OpenAIModelProvider) Enabled() bool        { return p.enabled }
func (p *OpenAIModelProvider) SupportsVision() bool { return p.vision }
func (p *OpenAIModelProvider) ExpectsJSON() bool    { return p.expectJSON }

func (p *OpenAIModelProvider) Call(ctx context.Context, payload ChatPayload) (string, error) {
	if p.client == nil {
		return "", fmt.Errorf("provider %s: nil client", p.id)
	}
	if !p.breaker.Allow() {
		return "", fmt.Errorf("provider %s: circuit open, call rejected", p.id)
	}
	out, err := p.client.CallWithPayload(ctx, payload)
	if err != nil {
		p.breaker.RecordFailure()
		return "", err
	}
	p.breaker.RecordSuccess()
	return out, nil
}
