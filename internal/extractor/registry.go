package extractor

import (
	"fmt"
	"sort"
	"strings"
)

// Registry 显式抽取器注册表：启动时构建一次，经依赖注入传给编排器。
// 不使用全局可变状态，避免 import 顺序副作用。
type Registry struct {
	entries []Entry
	byName  map[string]int
}

// Entry 抽取器实现与其配置的绑定。
type Entry struct {
	Config    Config
	Extractor Extractor
}

func NewRegistry() *Registry {
	return &Registry{byName: make(map[string]int)}
}

// Register 绑定一个抽取器。名称重复或配置非法返回错误。
func (r *Registry) Register(cfg Config, ex Extractor) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	if ex == nil {
		return fmt.Errorf("extractor %s: nil implementation", cfg.Name)
	}
	key := strings.ToLower(strings.TrimSpace(cfg.Name))
	if _, dup := r.byName[key]; dup {
		return fmt.Errorf("extractor %s already registered", cfg.Name)
	}
	r.byName[key] = len(r.entries)
	r.entries = append(r.entries, Entry{Config: cfg, Extractor: ex})
	return nil
}

// Lookup 按名称取抽取器。
func (r *Registry) Lookup(name string) (Entry, bool) {
	i, ok := r.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Entry{}, false
	}
	return r.entries[i], true
}

// ByTier 返回指定梯队的启用抽取器，按名称排序保证调度顺序稳定。
func (r *Registry) ByTier(tier Tier) []Entry {
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		if e.Config.Enabled && e.Config.TierValue() == tier {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Config.Name < out[j].Config.Name
	})
	return out
}

// Enabled 全部启用抽取器数量。
func (r *Registry) Enabled() int {
	n := 0
	for _, e := range r.entries {
		if e.Config.Enabled {
			n++
		}
	}
	return n
}

// CheapestFrom 给定梯队起的最低单次成本。无剩余抽取器时 ok=false。
// 编排器在进入下一梯队前据此判断预算是否耗尽。
func (r *Registry) CheapestFrom(tier Tier) (float64, bool) {
	order := TierOrder()
	start := 0
	for i, t := range order {
		if t == tier {
			start = i
			break
		}
	}
	cheapest := 0.0
	found := false
	for _, t := range order[start:] {
		for _, e := range r.ByTier(t) {
			if !found || e.Config.CostPerCall < cheapest {
				cheapest = e.Config.CostPerCall
				found = true
			}
		}
	}
	return cheapest, found
}

// Tiers 存在启用抽取器的梯队，按固定顺序。
func (r *Registry) Tiers() []Tier {
	var out []Tier
	for _, t := range TierOrder() {
		if len(r.ByTier(t)) > 0 {
			out = append(out, t)
		}
	}
	return out
}
