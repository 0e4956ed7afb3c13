package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

func resetLoggingState() {
	mu.Lock()
	defer mu.Unlock()

	baseWriter = os.Stderr
	baseLogger = zerolog.New(baseWriter).With().Timestamp().Logger()
	log.Logger = baseLogger
	zerolog.TimeFieldFormat = defaultTimeFmt
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	isTerminalFn = term.IsTerminal
}

func readJSONLine(t *testing.T, buf *bytes.Buffer) map[string]interface{} {
	t.Helper()

	line := strings.TrimSpace(buf.String())
	if idx := strings.IndexByte(line, '\n'); idx >= 0 {
		line = line[:idx]
	}
	if line == "" {
		t.Fatalf("expected log output, got empty string")
	}

	var event map[string]interface{}
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		t.Fatalf("failed to unmarshal log line: %v", err)
	}
	return event
}

func TestInitJSONFormatSetsLevelAndComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{
		Format:    "json",
		Level:     "debug",
		Component: "resolver",
		Output:    &buf,
	})

	if zerolog.GlobalLevel() != zerolog.DebugLevel {
		t.Fatalf("expected global level debug, got %s", zerolog.GlobalLevel())
	}

	log.Debug().Str("feature", "food_detection").Msg("decision")
	event := readJSONLine(t, &buf)
	if event["component"] != "resolver" {
		t.Fatalf("expected component resolver, got %v", event["component"])
	}
	if event["feature"] != "food_detection" {
		t.Fatalf("expected feature field, got %v", event["feature"])
	}
}

func TestInitConsoleFormatUsesConsoleWriter(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "console", Output: &buf})

	mu.RLock()
	_, ok := baseWriter.(zerolog.ConsoleWriter)
	mu.RUnlock()
	if !ok {
		t.Fatalf("expected console writer, got %T", baseWriter)
	}
}

func TestInitAutoFormatWithoutTerminalUsesJSON(t *testing.T) {
	t.Cleanup(resetLoggingState)
	isTerminalFn = func(int) bool { return false }

	var buf bytes.Buffer
	Init(Config{Format: "auto", Output: &buf})
	log.Info().Msg("hello")
	event := readJSONLine(t, &buf)
	if event["message"] != "hello" {
		t.Fatalf("expected JSON message, got %v", event)
	}
}

func TestParseLevel(t *testing.T) {
	tests := map[string]zerolog.Level{
		"":         zerolog.InfoLevel,
		"DEBUG":    zerolog.DebugLevel,
		"warning":  zerolog.WarnLevel,
		"error":    zerolog.ErrorLevel,
		"disabled": zerolog.Disabled,
		"bogus":    zerolog.InfoLevel,
	}
	for input, want := range tests {
		if got := parseLevel(input); got != want {
			t.Fatalf("parseLevel(%q) = %s, want %s", input, got, want)
		}
	}
}

func TestNewLoggerWithComponent(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Output: &buf})

	logger := NewLogger("reconcile")
	logger.Info().Msg("run")
	event := readJSONLine(t, &buf)
	if event["component"] != "reconcile" {
		t.Fatalf("expected component reconcile, got %v", event["component"])
	}
}

func TestContextHelpersWithRequestID(t *testing.T) {
	t.Cleanup(resetLoggingState)

	var buf bytes.Buffer
	Init(Config{Format: "json", Output: &buf})

	ctx, generated := WithRequestID(context.Background(), "")
	if generated == "" {
		t.Fatal("expected generated request id")
	}
	if got := GetRequestID(ctx); got != generated {
		t.Fatalf("GetRequestID = %q, want %q", got, generated)
	}

	logger := FromContext(ctx)
	logger.Info().Msg("request")
	event := readJSONLine(t, &buf)
	if event["request_id"] != generated {
		t.Fatalf("expected request_id %q, got %v", generated, event["request_id"])
	}

	ctx, id := WithRequestID(context.Background(), "  custom-123 ")
	if id != "custom-123" || GetRequestID(ctx) != "custom-123" {
		t.Fatalf("expected trimmed id, got %q", id)
	}
	if GetRequestID(context.Background()) != "" {
		t.Fatal("expected empty id for bare context")
	}
}
