package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesToFileOutputs(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app", "agentd.log")
	auditLog := filepath.Join(dir, "audit", "runs.log")

	if err := Init(Config{
		Level:       "debug",
		Format:      "text",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog},
	}); err != nil {
		t.Fatalf("init logger: %v", err)
	}
	t.Cleanup(func() {
		_ = Sync()
		_ = Init(Config{})
	})

	Named("execution").Debug("unit started", "agent_id", "a-1")
	Audit().Info("run finished", "agent_id", "a-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	app, err := os.ReadFile(appLog)
	if err != nil {
		t.Fatalf("read app log: %v", err)
	}
	if !strings.Contains(string(app), "component=execution") || !strings.Contains(string(app), "unit started") {
		t.Fatalf("unexpected app log: %s", app)
	}
	audit, err := os.ReadFile(auditLog)
	if err != nil {
		t.Fatalf("read audit log: %v", err)
	}
	if !strings.Contains(string(audit), `"msg":"run finished"`) {
		t.Fatalf("unexpected audit log: %s", audit)
	}
}

func TestAuditWriterRotates(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "audit", "runs.log")
	w, err := newAuditWriter(AuditConfig{Path: path, MaxBackups: 2})
	if err != nil {
		t.Fatalf("new audit writer: %v", err)
	}
	defer w.Close()

	if w.MaxSize != 100 || w.MaxBackups != 2 || w.MaxAge != 30 {
		t.Fatalf("unexpected defaults: %+v", w)
	}
	if _, err := w.Write([]byte("first-line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := w.Rotate(); err != nil {
		t.Fatalf("rotate: %v", err)
	}
	if _, err := w.Write([]byte("second-line\n")); err != nil {
		t.Fatalf("write: %v", err)
	}

	current, _ := os.ReadFile(path)
	if string(current) != "second-line\n" {
		t.Fatalf("unexpected current file: %q", current)
	}
	backups, _ := filepath.Glob(filepath.Join(dir, "audit", "runs-*.log"))
	if len(backups) != 1 {
		t.Fatalf("expected one backup, got %v", backups)
	}

	if _, err := newAuditWriter(AuditConfig{}); err == nil {
		t.Fatalf("expected empty path to be rejected")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]string{"debug": "DEBUG", "WARNING": "WARN", "error": "ERROR", "": "INFO", "bogus": "INFO"}
	for in, want := range cases {
		if got := parseLevel(in).String(); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}
