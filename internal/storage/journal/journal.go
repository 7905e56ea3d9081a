// Package journal 将异常检测事件写入 PostgreSQL，供事后审计与跨进程的健康判断。
package journal

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	sq "github.com/Masterminds/squirrel"

	"github.com/taoyao-code/chatguard/internal/anomaly"
)

const (
	tableName      = "anomaly_detections"
	defaultLimit   = 100
	maxQueryLimit  = 1000
	defaultRetains = 30 * 24 * time.Hour
)

// psq PostgreSQL 占位符风格的语句构造器
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

var columns = []string{
	"session_id", "type", "source", "confidence", "message",
	"recommendation", "status_code", "detected_at",
}

const schema = `CREATE TABLE IF NOT EXISTS anomaly_detections (
	id             BIGSERIAL PRIMARY KEY,
	session_id     TEXT NOT NULL DEFAULT '',
	type           TEXT NOT NULL,
	source         TEXT NOT NULL,
	confidence     DOUBLE PRECISION NOT NULL,
	message        TEXT NOT NULL DEFAULT '',
	recommendation TEXT NOT NULL DEFAULT '',
	status_code    INTEGER NOT NULL DEFAULT 0,
	detected_at    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_anomaly_detections_detected_at ON anomaly_detections (detected_at)`

// Store 检测日志，实现 anomaly.Sink
type Store struct {
	db        *sql.DB
	retention time.Duration
}

// New 创建检测日志；retention<=0 时保留 30 天
func New(db *sql.DB, retention time.Duration) *Store {
	if retention <= 0 {
		retention = defaultRetains
	}
	return &Store{db: db, retention: retention}
}

// EnsureSchema 建表（幂等）
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create anomaly journal schema: %w", err)
	}
	return nil
}

// Record 写入一条检测事件
func (s *Store) Record(ctx context.Context, e anomaly.Event) error {
	query, args, err := psq.Insert(tableName).Columns(columns...).Values(
		e.SessionID, string(e.Type), e.Source, e.Confidence, e.Message,
		e.Recommendation, e.StatusCode, e.DetectedAt,
	).ToSql()
	if err != nil {
		return fmt.Errorf("build journal insert: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("insert anomaly detection: %w", err)
	}
	return nil
}

// Filter 查询条件
type Filter struct {
	SessionID string
	Type      anomaly.Type
	Since     time.Time
	Limit     int
}

func applyFilter(qb sq.SelectBuilder, f Filter) sq.SelectBuilder {
	if f.SessionID != "" {
		qb = qb.Where(sq.Eq{"session_id": f.SessionID})
	}
	if f.Type != "" {
		qb = qb.Where(sq.Eq{"type": string(f.Type)})
	}
	if !f.Since.IsZero() {
		qb = qb.Where(sq.Gt{"detected_at": f.Since})
	}
	return qb
}

// Query 按时间倒序返回检测事件
func (s *Store) Query(ctx context.Context, f Filter) ([]anomaly.Event, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	limit = min(limit, maxQueryLimit)

	query, args, err := applyFilter(psq.Select(columns...).From(tableName), f).
		OrderBy("detected_at DESC").
		Limit(uint64(limit)).
		ToSql()
	if err != nil {
		return nil, fmt.Errorf("build journal query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query anomaly detections: %w", err)
	}
	defer func() { _ = rows.Close() }()

	events := make([]anomaly.Event, 0, limit)
	for rows.Next() {
		var e anomaly.Event
		var typ string
		if err := rows.Scan(&e.SessionID, &typ, &e.Source, &e.Confidence, &e.Message,
			&e.Recommendation, &e.StatusCode, &e.DetectedAt); err != nil {
			return nil, fmt.Errorf("scan anomaly detection: %w", err)
		}
		e.Type = anomaly.Type(typ)
		e.Detected = true
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate anomaly detections: %w", err)
	}
	return events, nil
}

// Count 满足条件的检测数
func (s *Store) Count(ctx context.Context, f Filter) (int, error) {
	query, args, err := applyFilter(psq.Select("COUNT(*)").From(tableName), f).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build journal count: %w", err)
	}
	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("count anomaly detections: %w", err)
	}
	return n, nil
}

// Purge 删除超过保留期的记录
func (s *Store) Purge(ctx context.Context, now time.Time) (int64, error) {
	query, args, err := psq.Delete(tableName).Where(sq.Lt{"detected_at": now.Add(-s.retention)}).ToSql()
	if err != nil {
		return 0, fmt.Errorf("build journal purge: %w", err)
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("purge anomaly detections: %w", err)
	}
	return res.RowsAffected()
}

// HealthCheck 数据库探活
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// DBStats 连接池统计
func (s *Store) DBStats() sql.DBStats {
	return s.db.Stats()
}
