package logger

import (
	"fmt"
	"io"
	"log"
	"strings"
	"sync"
)

// 中文说明：
// 视觉模型调用的独立审计日志：记录每次抽取请求的提示词、图片摘要与模型原始输出，
// 与主日志分离，便于排查抽取质量问题。

var (
	visionMu          sync.Mutex
	visionLog         *log.Logger
	visionDumpPayload bool
)

func SetVisionWriter(w io.Writer) {
	visionMu.Lock()
	defer visionMu.Unlock()
	if w == nil {
		visionLog = nil
		return
	}
	visionLog = log.New(w, "", log.LstdFlags)
}

func EnableVisionPayloadDump(enabled bool) {
	visionMu.Lock()
	visionDumpPayload = enabled
	visionMu.Unlock()
}

type visionSection struct {
	Title string
	Body  string
}

func logVision(kind, provider, purpose string, sections []visionSection) {
	visionMu.Lock()
	logger := visionLog
	visionMu.Unlock()
	if logger == nil {
		return
	}
	var b strings.Builder
	b.WriteString("[VISION]")
	for _, tag := range []string{kind, provider, purpose} {
		if tag == "" {
			continue
		}
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]")
	}
	b.WriteString("\n")
	for _, sec := range sections {
		t := strings.TrimSpace(sec.Title)
		if t == "" {
			t = "CONTENT"
		}
		b.WriteString("--- ")
		b.WriteString(t)
		b.WriteString(" ---\n")
		b.WriteString(sec.Body)
		if !strings.HasSuffix(sec.Body, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("=====\n")
	logger.Print(b.String())
}

// LogVisionRequest 记录一次视觉抽取请求。images 为图片摘要（文件名/尺寸），不含数据本体。
func LogVisionRequest(kind, provider, purpose, systemPrompt, userPrompt string, images []string) {
	sections := []visionSection{
		{Title: "SYSTEM", Body: systemPrompt},
		{Title: "USER", Body: userPrompt},
	}
	for i, img := range images {
		sections = append(sections, visionSection{Title: fmt.Sprintf("IMAGE#%d", i+1), Body: img})
	}
	logVision(kind+"-request", provider, purpose, sections)
}

// LogVisionResponse 记录模型原始输出。
func LogVisionResponse(kind, provider, purpose, raw string) {
	logVision(kind+"-response", provider, purpose, []visionSection{{Title: "RAW", Body: raw}})
}

// LogVisionPayload 记录完整请求报文（仅在 dump 开启时）。
func LogVisionPayload(provider, payload string) {
	visionMu.Lock()
	enabled := visionDumpPayload
	visionMu.Unlock()
	if !enabled {
		return
	}
	text := strings.TrimSpace(payload)
	if text == "" {
		return
	}
	logVision("payload", provider, "request", []visionSection{{Title: "PAYLOAD", Body: text}})
}
