package cli

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/voolyvex/Local-LLM/internal/logger"
)

func TestLogReporter(t *testing.T) {
	var buf bytes.Buffer
	logger.SetupWriter("DEBUG", "json", &buf)
	t.Cleanup(func() { logger.Setup("INFO", "console") })

	r := &LogReporter{Log: logger.Log}
	err := r.Run("Pulling mistral", func(progress func(string)) error {
		progress("50%")
		progress("50%")
		progress("100%")
		return nil
	})
	require.NoError(t, err)
	out := buf.String()
	assert.Contains(t, out, `"message":"Pulling mistral"`)
	assert.Contains(t, out, `"message":"Pulling mistral done"`)
	assert.Equal(t, 1, bytes.Count(buf.Bytes(), []byte(`"progress":"50%"`)))
	assert.Contains(t, out, `"progress":"100%"`)
}

func TestLogReporterError(t *testing.T) {
	var buf bytes.Buffer
	logger.SetupWriter("INFO", "json", &buf)
	t.Cleanup(func() { logger.Setup("INFO", "console") })

	boom := errors.New("boom")
	err := (&LogReporter{Log: logger.Log}).Run("Starting API", func(func(string)) error { return boom })
	assert.ErrorIs(t, err, boom)
	assert.Contains(t, buf.String(), `"message":"Starting API failed"`)
}

func TestSpinnerModel(t *testing.T) {
	m := newSpinnerModel("Starting Ollama")
	next, _ := m.Update(progressMsg("attempt 2/5"))
	m = next.(spinnerModel)
	assert.Contains(t, m.View(), "Starting Ollama (attempt 2/5)")

	next, cmd := m.Update(doneMsg{})
	m = next.(spinnerModel)
	assert.NotNil(t, cmd)
	assert.Equal(t, "✓ Starting Ollama\n", m.View())

	next, _ = m.Update(doneMsg{err: errors.New("no binary")})
	assert.Equal(t, "✗ Starting Ollama: no binary\n", next.(spinnerModel).View())
}

func TestNewReporterWithoutTTY(t *testing.T) {
	f, err := os.Create(filepath.Join(t.TempDir(), "out"))
	require.NoError(t, err)
	defer f.Close()
	assert.False(t, IsATTY(f))
	assert.IsType(t, &LogReporter{}, NewReporter(f))
}
