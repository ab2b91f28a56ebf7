package migrations

import "embed"

// Files 暴露运行历史表的 SQL 迁移文件，按数据库方言分目录存放。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS
