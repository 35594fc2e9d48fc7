package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNew_JSONWithContextFields(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l, err := New("debug", FormatAuto, &buf)
	require.NoError(t, err)

	ctx := WithFields(context.Background(), Fields{ProjectID: "p1", Namespace: "t_abc"})
	ctx = WithFields(ctx, Fields{TaskID: Ptr(int64(42))})
	l.InfoContext(ctx, "transition applied", "to", "Done")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec), "non-terminal writers get JSON")
	assert.Equal(t, "transition applied", rec["msg"])
	assert.Equal(t, "p1", rec["project_id"])
	assert.Equal(t, "t_abc", rec["namespace"])
	assert.Equal(t, float64(42), rec["task_id"])
	assert.Equal(t, "Done", rec["to"])
}

func TestNew_TextAndLevel(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l, err := New("warn", FormatText, &buf)
	require.NoError(t, err)

	l.Info("hidden")
	l.With("component", "router").Warn("shown")
	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "msg=shown")
	assert.Contains(t, out, "component=router")
}

func TestNew_Invalid(t *testing.T) {
	t.Parallel()
	_, err := New("loud", FormatJSON, &bytes.Buffer{})
	assert.Error(t, err)
	_, err = New("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"":        slog.LevelInfo,
		"DEBUG":   slog.LevelDebug,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
	}
	for in, want := range tests {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
}

func TestGetFields_Empty(t *testing.T) {
	t.Parallel()
	assert.Equal(t, Fields{}, GetFields(context.Background()))
}

func TestContextHandler_CallSiteAttrsWin(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	l, err := New("info", FormatJSON, &buf)
	require.NoError(t, err)

	ctx := WithFields(context.Background(), Fields{Namespace: "t_ctx", ActorID: "u1"})
	l.InfoContext(ctx, "explicit", "namespace", "t_call")

	out := buf.String()
	assert.Equal(t, 1, strings.Count(out, `"namespace"`))
	assert.Contains(t, out, `"namespace":"t_call"`)
	assert.Contains(t, out, `"actor_id":"u1"`)
}
