package logging

import (
	"context"
	"log/slog"
	"testing"
)

func TestNew_LevelParsing(t *testing.T) {
	tests := []struct {
		level       string
		wantDebug   bool
		wantInfo    bool
		wantWarning bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warn", false, false, true},
		{"warning", false, false, true},
		{"error", false, false, false},
		{"", false, true, true},
		{"bogus", false, true, true},
		{"ERROR", false, false, false},
	}

	ctx := context.Background()
	for _, tt := range tests {
		logger := New(tt.level, "text")
		if got := logger.Enabled(ctx, slog.LevelDebug); got != tt.wantDebug {
			t.Errorf("level %q: debug enabled = %v, want %v", tt.level, got, tt.wantDebug)
		}
		if got := logger.Enabled(ctx, slog.LevelInfo); got != tt.wantInfo {
			t.Errorf("level %q: info enabled = %v, want %v", tt.level, got, tt.wantInfo)
		}
		if got := logger.Enabled(ctx, slog.LevelWarn); got != tt.wantWarning {
			t.Errorf("level %q: warn enabled = %v, want %v", tt.level, got, tt.wantWarning)
		}
	}
}

func TestNew_Formats(t *testing.T) {
	if New("info", "json") == nil {
		t.Fatal("expected non-nil JSON logger")
	}
	if New("info", "text") == nil {
		t.Fatal("expected non-nil text logger")
	}
	if New("info", "") == nil {
		t.Fatal("expected non-nil logger for empty format")
	}
}

func TestRequestIDRoundTrip(t *testing.T) {
	ctx := context.Background()
	if id := RequestID(ctx); id != "" {
		t.Errorf("expected empty request ID on fresh context, got %q", id)
	}

	ctx = WithRequestID(ctx, "req_abc")
	if id := RequestID(ctx); id != "req_abc" {
		t.Errorf("RequestID = %q, want req_abc", id)
	}

	// Later values shadow earlier ones.
	ctx = WithRequestID(ctx, "req_def")
	if id := RequestID(ctx); id != "req_def" {
		t.Errorf("RequestID = %q, want req_def", id)
	}
}

func TestFromContext(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("expected default logger for bare context")
	}

	custom := New("debug", "json")
	ctx := WithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Error("expected the stored logger back")
	}
}

func TestL(t *testing.T) {
	ctx := WithLogger(context.Background(), New("info", "text"))
	if L(ctx) == nil {
		t.Fatal("expected logger without request ID")
	}

	ctx = WithRequestID(ctx, "req_xyz")
	if L(ctx) == nil {
		t.Fatal("expected logger with request ID attached")
	}
}
