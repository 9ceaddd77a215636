package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_Levels(t *testing.T) {
	tests := []struct {
		name  string
		level string
		want  zerolog.Level
	}{
		{name: "default", level: "", want: zerolog.InfoLevel},
		{name: "debug", level: "debug", want: zerolog.DebugLevel},
		{name: "mixed case", level: " WARN ", want: zerolog.WarnLevel},
		{name: "garbage falls back", level: "loud", want: zerolog.InfoLevel},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log := New(Options{Level: tt.level, Output: &bytes.Buffer{}})
			if log.GetLevel() != tt.want {
				t.Errorf("level = %v, want %v", log.GetLevel(), tt.want)
			}
		})
	}
}

func TestNew_JSONFormat(t *testing.T) {
	buf := &bytes.Buffer{}
	log := New(Options{Format: "json", Service: "api", Output: buf})

	log.Info().Str("receipt_id", "r-1").Msg("stored")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("output is not JSON: %v (%s)", err, buf.String())
	}
	if entry["service"] != "api" {
		t.Errorf("service = %v, want api", entry["service"])
	}
	if entry["receipt_id"] != "r-1" {
		t.Errorf("receipt_id = %v, want r-1", entry["receipt_id"])
	}
}

func TestNewWithWriter(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewWithWriter(buf)

	log.Info().Msg("test message")

	if !strings.Contains(buf.String(), "test message") {
		t.Errorf("Expected output to contain 'test message', got: %s", buf.String())
	}
}

func TestFromContext(t *testing.T) {
	buf := &bytes.Buffer{}
	ctx := WithContext(context.Background(), NewWithWriter(buf))

	log := FromContext(ctx)
	log.Info().Msg("test")

	if buf.Len() == 0 {
		t.Error("Expected log output from retrieved logger")
	}
}

func TestFromContext_Default(t *testing.T) {
	buf := &bytes.Buffer{}
	SetDefault(NewWithWriter(buf))
	defer fallback.Store(nil)

	log := FromContext(context.Background())
	log.Info().Msg("from default")

	if !strings.Contains(buf.String(), "from default") {
		t.Errorf("default logger not used, got: %s", buf.String())
	}
}

func TestWithFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := WithFields(NewWithWriter(buf), map[string]interface{}{
		"run_id": "123",
		"stage":  "extracting",
	})

	log.Info().Msg("test message")

	out := buf.String()
	if !strings.Contains(out, "run_id") || !strings.Contains(out, "extracting") {
		t.Errorf("Expected fields in output, got: %s", out)
	}
}
