package project

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"agent-ide/pkg/logger"
)

// ReloadHandler 在每次成功同步后收到同步结果。
type ReloadHandler func(SyncReport)

// Watcher 监听定义文件，变化经过去抖后重新读取并同步到项目。
// 监听的是所在目录，编辑器以重命名方式替换文件时也能收到事件。
type Watcher struct {
	path     string
	project  *Project
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload ReloadHandler
	logger   *slog.Logger
}

// WatchOption 定义 Watcher 的可选配置。
type WatchOption func(*Watcher)

// WithDebounce 设置去抖时长。
func WithDebounce(d time.Duration) WatchOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// OnReload 注册同步完成后的回调。
func OnReload(h ReloadHandler) WatchOption {
	return func(w *Watcher) {
		w.onReload = h
	}
}

// NewWatcher 创建定义文件监听器。
func NewWatcher(p *Project, path string, opts ...WatchOption) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		fw.Close()
		return nil, err
	}
	w := &Watcher{
		path:     abs,
		project:  p,
		watcher:  fw,
		debounce: 300 * time.Millisecond,
		logger:   logger.Named("project"),
	}
	for _, opt := range opts {
		opt(w)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		fw.Close()
		return nil, err
	}
	return w, nil
}

// Run 处理文件事件直到 ctx 结束，返回时关闭底层监听器。
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()
	w.logger.Info("开始监听智能体定义", slog.String("path", w.path))

	var (
		timer *time.Timer
		fire  <-chan time.Time
	)
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
			} else {
				timer.Reset(w.debounce)
			}
			fire = timer.C
		case <-fire:
			fire = nil
			w.reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("定义文件监听出错", slog.Any("error", err))
		}
	}
}

func (w *Watcher) reload() {
	file, err := ReadFile(w.path)
	if err != nil {
		w.logger.Error("重新加载智能体定义失败", slog.String("path", w.path), slog.Any("error", err))
		return
	}
	report, err := w.project.Sync(file.Agents)
	if err != nil {
		w.logger.Error("同步智能体定义失败", slog.String("path", w.path), slog.Any("error", err))
		return
	}
	w.logger.Info("智能体定义已重新加载",
		slog.Any("added", report.Added),
		slog.Any("updated", report.Updated),
		slog.Any("removed", report.Removed),
		slog.Any("skipped", report.Skipped),
	)
	if w.onReload != nil {
		w.onReload(report)
	}
}
