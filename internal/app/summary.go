package app

import (
	"fmt"
	"sort"
	"strings"

	"dtex/internal/extractor"
)

// StartupSummary 启动配置摘要，组装完成后打印一次。
type StartupSummary struct {
	HTTPAddr     string
	BudgetUSD    float64
	Concurrency  int
	DefaultKinds []string
	Formats      []string
	Tiers        map[extractor.Tier][]ExtractorDetail
	AuditEnabled bool
	CaptureOn    bool
	NotifyOn     bool
}

type ExtractorDetail struct {
	Name        string
	Provider    string
	Weight      float64
	CostPerCall float64
	Required    bool
}

func (s *StartupSummary) Print() {
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("%*s\n", 40+len("启动配置摘要 (STARTUP SUMMARY)")/2, "启动配置摘要 (STARTUP SUMMARY)")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Println("[服务 (SERVICE)]")
	fmt.Printf("  监听地址: %s\n", s.HTTPAddr)
	fmt.Printf("  默认预算: $%.2f\n", s.BudgetUSD)
	fmt.Printf("  层内并发: %d\n", s.Concurrency)
	fmt.Printf("  默认类别: %s\n", formatList(s.DefaultKinds))
	fmt.Printf("  导出格式: %s\n", formatList(s.Formats))
	fmt.Println()

	fmt.Println("[抽取器 (EXTRACTORS)]")
	total := 0
	for _, tier := range extractor.TierOrder() {
		details := s.Tiers[tier]
		if len(details) == 0 {
			continue
		}
		fmt.Printf("  %s:\n", strings.ToUpper(string(tier)))
		sort.Slice(details, func(i, j int) bool { return details[i].Name < details[j].Name })
		for _, d := range details {
			line := fmt.Sprintf("    - %s (weight %.2f, $%.4f/call", d.Name, d.Weight, d.CostPerCall)
			if d.Provider != "" {
				line += ", model " + d.Provider
			}
			if d.Required {
				line += ", required"
			}
			fmt.Println(line + ")")
		}
		total += len(details)
	}
	fmt.Printf("  共 %d 个已启用\n", total)
	fmt.Println()

	fmt.Println("[可选组件 (OPTIONAL)]")
	fmt.Printf("  审计库: %s\n", onOff(s.AuditEnabled))
	fmt.Printf("  URL 截图: %s\n", onOff(s.CaptureOn))
	fmt.Printf("  Telegram 通知: %s\n", onOff(s.NotifyOn))
	fmt.Println(strings.Repeat("=", 80))
}

func formatList(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ", ")
}

func onOff(on bool) string {
	if on {
		return "启用"
	}
	return "未启用"
}
