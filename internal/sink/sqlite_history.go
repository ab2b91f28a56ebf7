package sink

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"strings"

	_ "modernc.org/sqlite"

	xerrors "agent-ide/internal/errors"
)

// SQLiteConfig 描述本地运行历史库的位置。
type SQLiteConfig struct {
	Path string
}

// NewSQLiteHistory 打开（必要时创建）本地 SQLite 历史库并执行迁移，适合单机部署。
func NewSQLiteHistory(ctx context.Context, cfg SQLiteConfig) (*History, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, xerrors.New(xerrors.CodeInvalidArgument, "SQLite 路径不能为空")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "创建 SQLite 目录失败")
		}
	}
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "打开 SQLite 失败")
	}
	// SQLite 只允许单写者，多连接只会放大 busy 重试。
	db.SetMaxOpenConns(1)
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, xerrors.Wrap(xerrors.CodeStorageFailure, err, "无法打开 SQLite 数据库")
	}
	return newHistory(ctx, db, DialectSQLite)
}
