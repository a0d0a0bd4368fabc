package gdwatch

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/mashiike/gdwatch/pkg/gdwatchevent"
	"github.com/stretchr/testify/require"
)

func TestCLIValidate(t *testing.T) {
	dir := t.TempDir()
	valid := filepath.Join(dir, "valid.yaml")
	require.NoError(t, os.WriteFile(valid, []byte(testS3CopyConfig), 0600))
	invalid := filepath.Join(dir, "invalid.yaml")
	require.NoError(t, os.WriteFile(invalid, []byte("rules: []\n"), 0600))

	var out bytes.Buffer
	cli := &CLI{stdout: &out, stdin: &bytes.Buffer{}}
	cli.Validate.S3CopyConfig = valid
	require.NoError(t, cli.run(context.Background(), "validate <config-file>"))
	require.Equal(t, "Configuration is valid\n", out.String())

	out.Reset()
	cli.Validate.S3CopyConfig = invalid
	err := cli.run(context.Background(), "validate <config-file>")
	require.ErrorContains(t, err, "at least one rule is required")
	require.Empty(t, out.String())

	cli.Validate.S3CopyConfig = filepath.Join(dir, "missing.yaml")
	require.Error(t, cli.run(context.Background(), "validate <config-file>"))
}

func TestNewLogger(t *testing.T) {
	for _, format := range []string{"text", "json"} {
		logger := newLogger(slog.LevelWarn, format, false)
		require.NotNil(t, logger)
		require.False(t, logger.Enabled(context.Background(), slog.LevelInfo))
		require.True(t, logger.Enabled(context.Background(), slog.LevelError))
	}
}

func TestPollHandler(t *testing.T) {
	source := &fakeChangeSource{
		start: "1",
		steps: []fakeStep{
			{page: &ChangePage{
				Changes:           []*gdwatchevent.Change{modified("file-1", "Plan.docx", "Alice")},
				NewStartPageToken: "2",
			}},
		},
	}
	storage := newMemoryStorage(nil)
	var out bytes.Buffer
	p := newTestPoller(t, PollerConfig{
		Source:   source,
		Storage:  storage,
		Reporter: NewReporter(&out),
	})
	resp, err := NewPollHandler(p)(context.Background(), json.RawMessage(`{"source":"aws.events"}`))
	require.NoError(t, err)
	require.Equal(t, map[string]any{"Status": 200}, resp)
	require.Equal(t, "2", storage.cursor("default"))
	require.Equal(t, "File Plan.docx was modified.\nNew owners: Alice\n", out.String())

	// the step script is exhausted, so the next invocation fails
	_, err = NewPollHandler(p)(context.Background(), nil)
	require.Error(t, err)
	require.Equal(t, "2", storage.cursor("default"))
}
