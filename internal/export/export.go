package export

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"dtex/internal/token"
)

// 中文说明：
// 导出层：把运行结果库渲染为下游可消费的工件（JSON、CSS 变量等）。
// 生成器经显式注册表注入，核心结果类型不感知任何具体格式。

// Generator 把运行结果渲染为单一格式。
type Generator interface {
	// Format 格式标识（json、css ...），注册表内唯一。
	Format() string
	// FileExtension 输出文件扩展名（不含点）。
	FileExtension() string
	// Generate 渲染结果；实现不得修改 res。
	Generate(res *token.RunResult) ([]byte, error)
}

// Registry 格式到生成器的映射。
type Registry struct {
	mu   sync.RWMutex
	gens map[string]Generator
}

func NewRegistry() *Registry {
	return &Registry{gens: make(map[string]Generator)}
}

// Register 注册一个生成器。重复格式返回错误。
func (r *Registry) Register(g Generator) error {
	if g == nil {
		return fmt.Errorf("export generator cannot be nil")
	}
	format := strings.ToLower(strings.TrimSpace(g.Format()))
	if format == "" {
		return fmt.Errorf("export generator has empty format")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.gens[format]; dup {
		return fmt.Errorf("export format %s already registered", format)
	}
	r.gens[format] = g
	return nil
}

// Lookup 按格式取生成器。
func (r *Registry) Lookup(format string) (Generator, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.gens[strings.ToLower(strings.TrimSpace(format))]
	return g, ok
}

// Formats 已注册格式列表（字典序）。
func (r *Registry) Formats() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.gens))
	for f := range r.gens {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// Generate 按格式渲染结果。
func (r *Registry) Generate(format string, res *token.RunResult) ([]byte, string, error) {
	if res == nil {
		return nil, "", fmt.Errorf("run result cannot be nil")
	}
	g, ok := r.Lookup(format)
	if !ok {
		return nil, "", fmt.Errorf("unknown export format %q (have: %s)", format, strings.Join(r.Formats(), ", "))
	}
	raw, err := g.Generate(res)
	if err != nil {
		return nil, "", err
	}
	return raw, g.FileExtension(), nil
}

// DefaultRegistry 内置格式的注册表。
func DefaultRegistry() *Registry {
	r := NewRegistry()
	_ = r.Register(JSONGenerator{})
	_ = r.Register(CSSGenerator{})
	return r
}
