package extractlog

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// 中文说明：
// 抽取审计日志：每次抽取器调用落一条记录（含失败与预算跳过），
// 用于成本核对与抽取质量排查。与运行结果库分开，避免写放大拖慢主库。

// Record 一条审计记录。
type Record struct {
	ID          int64  `json:"id"`
	Timestamp   int64  `json:"ts"`
	RunID       string `json:"run_id"`
	Extractor   string `json:"extractor"`
	Tier        string `json:"tier"`
	ImageCount  int    `json:"image_count"`
	TokenCount  int    `json:"token_count"`
	CostUSD     float64 `json:"cost_usd"`
	DurationMS  int64  `json:"duration_ms"`
	Timeout     bool   `json:"timeout,omitempty"`
	Skipped     bool   `json:"skipped,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Query 筛选审计记录。
type Query struct {
	RunID     string
	Extractor string
	Limit     int
	Offset    int
}

// AuditStore 管理审计日志库。
type AuditStore struct {
	mu     sync.Mutex
	db     *sql.DB
	path   string
	ownsDB bool
}

// NewAuditStore 初始化 SQLite 审计库。
func NewAuditStore(path string) (*AuditStore, error) {
	if path == "" {
		return nil, fmt.Errorf("audit log path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&cache=shared", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetMaxIdleConns(2)
	if err := ensureAuditSchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &AuditStore{db: db, path: path, ownsDB: true}, nil
}

// UseExternalDB 复用外部初始化的 SQLite 连接，避免多连接锁冲突。
func (s *AuditStore) UseExternalDB(db *sql.DB) error {
	if s == nil {
		return fmt.Errorf("audit store not initialized")
	}
	if db == nil {
		return fmt.Errorf("external db cannot be nil")
	}
	if err := ensureAuditSchema(db); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ownsDB && s.db != nil && s.db != db {
		_ = s.db.Close()
	}
	s.db = db
	s.ownsDB = false
	return nil
}

// Close 关闭底层 DB。
func (s *AuditStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	if !s.ownsDB {
		s.db = nil
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func ensureAuditSchema(db *sql.DB) error {
	const schema = `
CREATE TABLE IF NOT EXISTS extractor_invocations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	ts INTEGER NOT NULL,
	run_id TEXT NOT NULL,
	extractor TEXT NOT NULL,
	tier TEXT NOT NULL,
	image_count INTEGER NOT NULL DEFAULT 0,
	token_count INTEGER NOT NULL DEFAULT 0,
	cost_usd REAL NOT NULL DEFAULT 0,
	duration_ms INTEGER NOT NULL DEFAULT 0,
	timeout INTEGER NOT NULL DEFAULT 0,
	skipped INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_invocations_run ON extractor_invocations(run_id, id);
CREATE INDEX IF NOT EXISTS idx_invocations_extractor ON extractor_invocations(extractor, ts);
`
	_, err := db.Exec(schema)
	return err
}

// Append 写入一条审计记录。
func (s *AuditStore) Append(ctx context.Context, rec Record) error {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return fmt.Errorf("audit store closed")
	}
	if rec.Timestamp == 0 {
		rec.Timestamp = time.Now().UnixMilli()
	}
	_, err := db.ExecContext(ctx, `
INSERT INTO extractor_invocations
	(ts, run_id, extractor, tier, image_count, token_count, cost_usd, duration_ms, timeout, skipped, error)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.Timestamp, rec.RunID, rec.Extractor, rec.Tier, rec.ImageCount, rec.TokenCount,
		rec.CostUSD, rec.DurationMS, boolToInt(rec.Timeout), boolToInt(rec.Skipped), rec.Error)
	return err
}

// List 按条件查询审计记录，新记录在前。
func (s *AuditStore) List(ctx context.Context, q Query) ([]Record, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, fmt.Errorf("audit store closed")
	}

	where := []string{"1=1"}
	args := []any{}
	if run := strings.TrimSpace(q.RunID); run != "" {
		where = append(where, "run_id = ?")
		args = append(args, run)
	}
	if ex := strings.TrimSpace(q.Extractor); ex != "" {
		where = append(where, "extractor = ?")
		args = append(args, ex)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 200
	}
	args = append(args, limit, q.Offset)

	rows, err := db.QueryContext(ctx, `
SELECT id, ts, run_id, extractor, tier, image_count, token_count, cost_usd, duration_ms, timeout, skipped, error
FROM extractor_invocations
WHERE `+strings.Join(where, " AND ")+`
ORDER BY id DESC
LIMIT ? OFFSET ?`, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var timeout, skipped int
		if err := rows.Scan(&rec.ID, &rec.Timestamp, &rec.RunID, &rec.Extractor, &rec.Tier,
			&rec.ImageCount, &rec.TokenCount, &rec.CostUSD, &rec.DurationMS,
			&timeout, &skipped, &rec.Error); err != nil {
			return nil, err
		}
		rec.Timeout = timeout != 0
		rec.Skipped = skipped != 0
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RunCost 运行的已结算成本合计（跳过和失败的记录 cost_usd 为 0）。
func (s *AuditStore) RunCost(ctx context.Context, runID string) (float64, error) {
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return 0, fmt.Errorf("audit store closed")
	}
	var total sql.NullFloat64
	err := db.QueryRowContext(ctx,
		"SELECT SUM(cost_usd) FROM extractor_invocations WHERE run_id = ?", runID).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Float64, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
