package logger

import (
	"bytes"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestStudy_Logger_Levels(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	log := NewWithWriter(&buf, false)
	log.Debug("hidden")
	log.Info("imported rows", "dataset", "vitals", "comment", "")
	out := buf.String()
	require.NotContains(t, out, "hidden")
	require.Contains(t, out, "imported rows")
	require.Contains(t, out, "dataset=vitals")
	require.NotContains(t, out, "comment=")

	buf.Reset()
	NewWithWriter(&buf, true).Debug("shown")
	require.Contains(t, buf.String(), "shown")
}

func TestStudy_Logger_FormatRFC3339Millis(t *testing.T) {
	t.Parallel()

	ts := time.Date(2026, 2, 3, 4, 5, 6, 789_654_321, time.FixedZone("X", 3600))
	require.Equal(t, "2026-02-03T03:05:06.789Z", formatRFC3339Millis(ts))
}
