package export

import (
	"encoding/json"

	"dtex/internal/token"
)

// JSONGenerator 输出中立的令牌 JSON：按类型分组，带来源与统计。
type JSONGenerator struct{}

func (JSONGenerator) Format() string        { return "json" }
func (JSONGenerator) FileExtension() string { return "json" }

type jsonDocument struct {
	RunID     string                           `json:"run_id"`
	Aborted   bool                             `json:"aborted,omitempty"`
	Exhausted bool                             `json:"budget_exhausted,omitempty"`
	Libraries map[token.Kind]*token.Library    `json:"libraries"`
	Conflicts []token.SlotConflict             `json:"conflicts,omitempty"`
}

func (JSONGenerator) Generate(res *token.RunResult) ([]byte, error) {
	doc := jsonDocument{
		RunID:     res.RunID,
		Aborted:   res.Aborted,
		Exhausted: res.BudgetExhausted,
		Libraries: res.Libraries,
		Conflicts: res.Conflicts,
	}
	return json.MarshalIndent(doc, "", "  ")
}
