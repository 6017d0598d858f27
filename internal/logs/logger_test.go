package logs

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, Debug, ParseLevel("debug"))
	require.Equal(t, Warn, ParseLevel(" WARNING "))
	require.Equal(t, Error, ParseLevel("ERROR"))
	require.Equal(t, Info, ParseLevel("verbose"))
}

func TestDefaultLogger_Level(t *testing.T) {
	buf := &strings.Builder{}
	l := NewLogger(buf, Warn)
	ctx := WithTraceId(context.Background(), "run-1")
	l.Info(ctx, "hidden %d", 1)
	l.Warn(ctx, "shown %d", 2)
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "[WARN] [run-1]")
	require.Contains(t, out, "shown 2")
	require.Contains(t, out, "logger_test.go")
}
