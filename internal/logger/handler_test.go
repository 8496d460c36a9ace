package logger

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestPrettyHandler_SuccessOutcomeLabel(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewPrettyHandler(&buf, nil, false))

	l.Info("MCP server connected and ready!", slog.String("outcome", "success"))

	got := buf.String()
	assert.Contains(t, got, "OK     MCP server connected and ready!")
	assert.NotContains(t, got, "outcome=")
}

func TestPrettyHandler_AttrsAndGroups(t *testing.T) {
	var buf bytes.Buffer
	l := slog.New(NewPrettyHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}, false))

	l.With(slog.String("run", "abc")).WithGroup("rpc").Debug("sent",
		slog.Int("id", 7),
		slog.String("tool", "set state"),
		slog.Duration("took", 1500*time.Millisecond),
		slog.Bool("ok", true),
	)

	got := buf.String()
	assert.Contains(t, got, "DEBUG")
	assert.Contains(t, got, `rpc.run=abc rpc.id=7 rpc.tool="set state" rpc.took=1.5s rpc.ok=true`)
}

func TestPrettyHandler_Enabled(t *testing.T) {
	h := NewPrettyHandler(&bytes.Buffer{}, &slog.HandlerOptions{Level: slog.LevelWarn}, false)
	assert.False(t, h.Enabled(t.Context(), slog.LevelInfo))
	assert.True(t, h.Enabled(t.Context(), slog.LevelError))
}

func TestPrettyHandler_ColorWrapsLevel(t *testing.T) {
	var buf bytes.Buffer
	slog.New(NewPrettyHandler(&buf, nil, true)).Error("boom")
	assert.Contains(t, buf.String(), ansiRed+"ERROR"+ansiReset)
}

func TestQuoteIfNeeded(t *testing.T) {
	assert.Equal(t, `""`, quoteIfNeeded(""))
	assert.Equal(t, "plain", quoteIfNeeded("plain"))
	assert.Equal(t, `"a=b"`, quoteIfNeeded("a=b"))
}
