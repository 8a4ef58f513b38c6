package profile

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"dtex/internal/extractor"
	"dtex/internal/logger"

	"github.com/fsnotify/fsnotify"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// 中文说明：
// 抽取器 Profile 注册表：从 yaml 文件加载抽取器定义（梯队、权重、成本、超时、
// 模型绑定、可选的输出 JSON Schema），并经 fsnotify 监听文件热更新。
// 编排器启动一次运行时取快照，运行途中不受重载影响。

// Definition 单个抽取器 Profile。
type Definition struct {
	extractor.Config `yaml:",inline"`
	Description      string         `yaml:"description"`
	Schema           map[string]any `yaml:"schema"` // 可选：AI 输出校验 schema

	schemaCompiled *jsonschema.Schema
}

// CompiledSchema 已编译的输出 schema（可能为 nil）。
func (d Definition) CompiledSchema() *jsonschema.Schema {
	return d.schemaCompiled
}

// FileConfig 映射 profile 文件根节点。
type FileConfig struct {
	Extractors map[string]Definition `yaml:"extractors"`
}

// Snapshot 某一时刻的完整 Profile 集。
type Snapshot struct {
	Version     int64
	LoadedAt    time.Time
	Definitions map[string]Definition
}

// ChangeListener 在热重载成功后触发。
type ChangeListener func(Snapshot)

// Registry 管理抽取器 Profile 文件。
type Registry struct {
	path string
	v    *viper.Viper

	mu        sync.RWMutex
	snapshot  Snapshot
	listeners []ChangeListener
}

// NewRegistry 读取 Profile 文件并开始监听更新。
func NewRegistry(path string) (*Registry, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("extractor profile registry requires path")
	}
	v := viper.New()
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read extractor profiles failed: %w", err)
	}
	r := &Registry{path: path, v: v}
	if err := r.reload(); err != nil {
		return nil, err
	}
	v.OnConfigChange(func(fsnotify.Event) {
		if err := r.reload(); err != nil {
			logger.Errorf("extractor profile reload failed: %v", err)
			return
		}
		r.notifyListeners()
	})
	v.WatchConfig()
	return r, nil
}

// OnChange 注册热重载回调。
func (r *Registry) OnChange(fn ChangeListener) {
	if fn == nil {
		return
	}
	r.mu.Lock()
	r.listeners = append(r.listeners, fn)
	r.mu.Unlock()
}

// Snapshot 返回当前 Profile 集的拷贝。
func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return cloneSnapshot(r.snapshot)
}

// Definition 按名称取 Profile。
func (r *Registry) Definition(name string) (Definition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.snapshot.Definitions[strings.ToLower(strings.TrimSpace(name))]
	return def, ok
}

func (r *Registry) reload() error {
	cfg, err := readProfileFile(r.path)
	if err != nil {
		return err
	}
	defs := make(map[string]Definition, len(cfg.Extractors))
	for name, def := range cfg.Extractors {
		norm, err := normalizeDefinition(name, def)
		if err != nil {
			return err
		}
		defs[strings.ToLower(norm.Name)] = norm
	}
	r.mu.Lock()
	r.snapshot = Snapshot{
		Version:     r.snapshot.Version + 1,
		LoadedAt:    time.Now(),
		Definitions: defs,
	}
	r.mu.Unlock()
	logger.Infof("extractor profile registry loaded %d definitions from %s", len(defs), filepath.Base(r.path))
	return nil
}

func (r *Registry) notifyListeners() {
	r.mu.RLock()
	snap := cloneSnapshot(r.snapshot)
	listeners := append([]ChangeListener(nil), r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		go func(cb ChangeListener) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Errorf("extractor profile listener panic: %v", rec)
				}
			}()
			cb(snap)
		}(fn)
	}
}

func readProfileFile(path string) (FileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return FileConfig{}, fmt.Errorf("read extractor profiles failed: %w", err)
	}
	var cfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(raw))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return FileConfig{}, fmt.Errorf("parse extractor profiles failed: %w", err)
	}
	return cfg, nil
}

func normalizeDefinition(name string, def Definition) (Definition, error) {
	def.Name = strings.TrimSpace(def.Name)
	if def.Name == "" {
		def.Name = strings.TrimSpace(name)
	}
	def.Description = strings.TrimSpace(def.Description)
	if err := def.Config.Validate(); err != nil {
		return Definition{}, err
	}
	if len(def.Schema) > 0 {
		compiled, err := compileSchema(def.Schema)
		if err != nil {
			return Definition{}, fmt.Errorf("extractor %s: schema compile failed: %w", def.Name, err)
		}
		def.schemaCompiled = compiled
	}
	return def, nil
}

func compileSchema(data map[string]any) (*jsonschema.Schema, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", strings.NewReader(string(raw))); err != nil {
		return nil, err
	}
	return compiler.Compile("schema.json")
}

func cloneSnapshot(src Snapshot) Snapshot {
	dst := Snapshot{
		Version:     src.Version,
		LoadedAt:    src.LoadedAt,
		Definitions: make(map[string]Definition, len(src.Definitions)),
	}
	for name, def := range src.Definitions {
		dst.Definitions[name] = def
	}
	return dst
}
