package model

import (
	"encoding/json"
	"fmt"
	"time"

	"dtex/internal/token"

	"gorm.io/datatypes"
)

// 运行状态（与编排器状态机一致）。
const (
	RunStatusPending        = "PENDING"
	RunStatusRunning        = "RUNNING_TIER"
	RunStatusBudgetExceeded = "BUDGET_EXCEEDED"
	RunStatusAborted        = "ABORTED"
	RunStatusComplete       = "COMPLETE"
	RunStatusFailed         = "FAILED"
)

// RunModel 一次抽取运行的持久化记录。结果库整体以 JSON 存储，
// 列上只保留用于列表/筛选的标量字段。
type RunModel struct {
	ID              int64          `gorm:"column:id;primaryKey"`
	RunID           string         `gorm:"column:run_id;uniqueIndex"`
	Status          string         `gorm:"column:status;index"`
	Hint            string         `gorm:"column:hint"`
	BudgetUSD       float64        `gorm:"column:budget_usd"`
	SpentUSD        float64        `gorm:"column:spent_usd"`
	TiersCompleted  int            `gorm:"column:tiers_completed"`
	TokenCount      int            `gorm:"column:token_count"`
	Aborted         bool           `gorm:"column:aborted"`
	AbortReason     string         `gorm:"column:abort_reason"`
	BudgetExhausted bool           `gorm:"column:budget_exhausted"`
	LibrariesJSON   datatypes.JSON `gorm:"column:libraries_json;type:TEXT"`
	FailuresJSON    datatypes.JSON `gorm:"column:failures_json;type:TEXT"`
	ConflictsJSON   datatypes.JSON `gorm:"column:conflicts_json;type:TEXT"`
	CreatedAtUnix   int64          `gorm:"column:created_at"`
	UpdatedAtUnix   int64          `gorm:"column:updated_at"`
}

func (RunModel) TableName() string { return "extraction_runs" }

// FromRunResult 将运行结果折叠进持久化模型。
func (m *RunModel) FromRunResult(res *token.RunResult, status string) error {
	if res == nil {
		return fmt.Errorf("run result cannot be nil")
	}
	libs, err := json.Marshal(res.Libraries)
	if err != nil {
		return err
	}
	m.RunID = res.RunID
	m.Status = status
	m.SpentUSD = res.SpentUSD
	m.TiersCompleted = res.TiersCompleted
	m.TokenCount = res.TokenCount()
	m.Aborted = res.Aborted
	m.AbortReason = res.AbortReason
	m.BudgetExhausted = res.BudgetExhausted
	m.LibrariesJSON = datatypes.JSON(libs)
	if len(res.Failures) > 0 {
		raw, err := json.Marshal(res.Failures)
		if err != nil {
			return err
		}
		m.FailuresJSON = datatypes.JSON(raw)
	}
	if len(res.Conflicts) > 0 {
		raw, err := json.Marshal(res.Conflicts)
		if err != nil {
			return err
		}
		m.ConflictsJSON = datatypes.JSON(raw)
	}
	now := time.Now().Unix()
	if m.CreatedAtUnix == 0 {
		m.CreatedAtUnix = now
	}
	m.UpdatedAtUnix = now
	return nil
}

// ToRunResult 还原运行结果（列表场景不需要时跳过调用，避免反序列化成本）。
func (m *RunModel) ToRunResult() (*token.RunResult, error) {
	res := &token.RunResult{
		RunID:           m.RunID,
		SpentUSD:        m.SpentUSD,
		TiersCompleted:  m.TiersCompleted,
		Aborted:         m.Aborted,
		AbortReason:     m.AbortReason,
		BudgetExhausted: m.BudgetExhausted,
		Libraries:       map[token.Kind]*token.Library{},
	}
	if len(m.LibrariesJSON) > 0 {
		if err := json.Unmarshal(m.LibrariesJSON, &res.Libraries); err != nil {
			return nil, fmt.Errorf("run %s: corrupt libraries payload: %w", m.RunID, err)
		}
	}
	if len(m.FailuresJSON) > 0 {
		if err := json.Unmarshal(m.FailuresJSON, &res.Failures); err != nil {
			return nil, fmt.Errorf("run %s: corrupt failures payload: %w", m.RunID, err)
		}
	}
	if len(m.ConflictsJSON) > 0 {
		if err := json.Unmarshal(m.ConflictsJSON, &res.Conflicts); err != nil {
			return nil, fmt.Errorf("run %s: corrupt conflicts payload: %w", m.RunID, err)
		}
	}
	return res, nil
}

// ImageModel 运行输入图片的元数据（不落图片字节）。
type ImageModel struct {
	ID            int64  `gorm:"column:id;primaryKey"`
	RunID         string `gorm:"column:run_id;index"`
	ImageID       string `gorm:"column:image_id"`
	Source        string `gorm:"column:source"`
	Mime          string `gorm:"column:mime"`
	SizeBytes     int    `gorm:"column:size_bytes"`
	CreatedAtUnix int64  `gorm:"column:created_at"`
}

func (ImageModel) TableName() string { return "run_images" }
