package notifier

import (
	"fmt"
	"strings"

	"dtex/internal/token"
)

// FormatRunAborted 构造运行中止告警文本。
func FormatRunAborted(res *token.RunResult) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("⛔ *Extraction run aborted*\n")
	fmt.Fprintf(&b, "run: `%s`\n", res.RunID)
	fmt.Fprintf(&b, "reason: %s\n", res.AbortReason)
	fmt.Fprintf(&b, "tiers completed: %d, spent: $%.4f\n", res.TiersCompleted, res.SpentUSD)
	if n := res.TokenCount(); n > 0 {
		fmt.Fprintf(&b, "partial library retained: %d tokens\n", n)
	}
	return b.String()
}

// FormatBudgetExhausted 构造预算耗尽通知文本（正常收尾，不是故障）。
func FormatBudgetExhausted(res *token.RunResult) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("💸 *Extraction budget exhausted*\n")
	fmt.Fprintf(&b, "run: `%s`\n", res.RunID)
	fmt.Fprintf(&b, "tokens: %d across %d tiers, spent: $%.4f\n",
		res.TokenCount(), res.TiersCompleted, res.SpentUSD)
	return b.String()
}

// FormatRunComplete 构造运行完成摘要文本。
func FormatRunComplete(res *token.RunResult) string {
	if res == nil {
		return ""
	}
	var b strings.Builder
	b.WriteString("✅ *Extraction run complete*\n")
	fmt.Fprintf(&b, "run: `%s`\n", res.RunID)
	fmt.Fprintf(&b, "tokens: %d, spent: $%.4f\n", res.TokenCount(), res.SpentUSD)
	for _, kind := range token.Kinds() {
		lib := res.Library(kind)
		if lib == nil || len(lib.Tokens) == 0 {
			continue
		}
		fmt.Fprintf(&b, "• %s: %d\n", kind, len(lib.Tokens))
	}
	if len(res.Conflicts) > 0 {
		fmt.Fprintf(&b, "⚠️ %d slots need manual review\n", len(res.Conflicts))
	}
	return b.String()
}
