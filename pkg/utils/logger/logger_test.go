package logger

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"codejudge/pkg/utils/contextkey"
)

func TestNewLoggerRejectsBadLevel(t *testing.T) {
	if _, err := NewLogger(Config{Level: "loud"}); err == nil {
		t.Fatalf("expected invalid level error")
	}
}

func TestLoggerWritesContextFields(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	errOut := filepath.Join(dir, "error.log")
	l, err := NewLogger(Config{Level: "info", Format: "json", OutputPath: out, ErrorPath: errOut})
	if err != nil {
		t.Fatalf("new logger failed: %v", err)
	}

	ctx := context.WithValue(context.Background(), contextkey.TraceID, "trace-1")
	ctx = context.WithValue(ctx, contextkey.UserID, "alice")
	l.WithContext(ctx).Info("submission accepted")
	l.WithContext(ctx).Error("judge unreachable")
	_ = l.Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log failed: %v", err)
	}
	text := string(data)
	if !strings.Contains(text, `"trace_id":"trace-1"`) || !strings.Contains(text, `"user_id":"alice"`) {
		t.Fatalf("expected context fields in log, got %s", text)
	}
	errData, err := os.ReadFile(errOut)
	if err != nil {
		t.Fatalf("read error log failed: %v", err)
	}
	if strings.Contains(string(errData), "submission accepted") || !strings.Contains(string(errData), "judge unreachable") {
		t.Fatalf("error log should only hold error entries, got %s", errData)
	}
}

func TestGlobalHelpersAreNoopBeforeInit(t *testing.T) {
	Info(context.Background(), "ignored")
	if err := Sync(); err != nil {
		t.Fatalf("sync without logger should not fail: %v", err)
	}
}
