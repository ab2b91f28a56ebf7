package sink

import (
	"context"
	"database/sql"
	"time"

	"agent-ide/internal/agent"
	xerrors "agent-ide/internal/errors"
	"agent-ide/internal/execution"
)

// Dialect 标识运行历史库使用的数据库方言，同时决定迁移文件目录。
type Dialect string

const (
	DialectMySQL  Dialect = "mysql"
	DialectSQLite Dialect = "sqlite"
)

// History 将每次运行的终态结果写入 agent_runs 表。
type History struct {
	db      *sql.DB
	dialect Dialect
}

func newHistory(ctx context.Context, db *sql.DB, dialect Dialect) (*History, error) {
	h := &History{db: db, dialect: dialect}
	if err := h.runMigrations(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return h, nil
}

const insertRunSQL = `INSERT INTO agent_runs
    (agent_id, agent_name, agent_type, status, success, output, error_message, iterations, duration_ms, started_at, finished_at)
    VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

const latestRunsSQL = `SELECT agent_id, agent_name, agent_type, status, success, output, error_message, iterations, duration_ms, started_at, finished_at
    FROM agent_runs WHERE agent_name = ? ORDER BY finished_at DESC, id DESC LIMIT ?`

// Record 写入一条运行记录。
func (h *History) Record(ctx context.Context, ev RunEvent) error {
	success := 0
	if ev.Success {
		success = 1
	}
	_, err := h.db.ExecContext(ctx, insertRunSQL,
		ev.AgentID, ev.AgentName, ev.AgentType, string(ev.Status), success,
		ev.Output, ev.Error, ev.Iterations, ev.DurationMS,
		ev.StartedAt.UnixMilli(), ev.FinishedAt.UnixMilli(),
	)
	if err != nil {
		return xerrors.Wrap(xerrors.CodeStorageFailure, err, "写入运行记录失败")
	}
	return nil
}

// Latest 按名称返回智能体最近的若干条运行记录，按结束时间倒序。
// 智能体 ID 随进程重新生成，跨重启只能按名称关联。
func (h *History) Latest(ctx context.Context, agentName string, limit int) ([]RunEvent, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := h.db.QueryContext(ctx, latestRunsSQL, agentName, limit)
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "查询运行记录失败")
	}
	defer rows.Close()

	var out []RunEvent
	for rows.Next() {
		var (
			ev       RunEvent
			status   string
			success  int
			started  int64
			finished int64
		)
		if err := rows.Scan(&ev.AgentID, &ev.AgentName, &ev.AgentType, &status, &success,
			&ev.Output, &ev.Error, &ev.Iterations, &ev.DurationMS, &started, &finished); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "解析运行记录失败")
		}
		ev.Status = agent.Status(status)
		ev.Success = success == 1
		ev.StartedAt = time.UnixMilli(started).UTC()
		ev.FinishedAt = time.UnixMilli(finished).UTC()
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "遍历运行记录失败")
	}
	return out, nil
}

// Observer 返回写入本表的完成回调。
func (h *History) Observer() execution.Observer {
	return observerFor(string(h.dialect), h.Record)
}

// Close 释放连接池。
func (h *History) Close() error {
	if h == nil || h.db == nil {
		return nil
	}
	return h.db.Close()
}
