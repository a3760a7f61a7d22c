package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentwatch/agentwatch/pkg/types"
)

func TestNewLoggerIsCachedPerComponent(t *testing.T) {
	a := NewLogger("scanner")
	b := NewLogger("scanner")
	c := NewLogger("hooks")

	assert.Same(t, a, b)
	assert.NotSame(t, a, c)
	assert.Equal(t, "scanner", a.Data["component"])
}

func TestTextFormatter(t *testing.T) {
	logger := logrus.New()
	var buf bytes.Buffer
	logger.SetOutput(&buf)
	logger.SetFormatter(&TextFormatter{DisableTimestamp: true})

	logger.WithFields(logrus.Fields{"component": "repo", "path": "/src/a", "attempt": 2}).Warn("git status failed")

	assert.Equal(t, "[WARN] [repo] git status failed attempt=2 path=/src/a\n", buf.String())
}

func TestTextFormatterColors(t *testing.T) {
	f := &TextFormatter{Colors: true, DisableTimestamp: true}
	out, err := f.Format(&logrus.Entry{Level: logrus.ErrorLevel, Message: "boom", Data: logrus.Fields{}})
	require.NoError(t, err)
	assert.Contains(t, string(out), "\x1b[31m[ERROR]\x1b[0m")
}

func TestConfigureFileSink(t *testing.T) {
	t.Setenv(LevelEnv, "")
	dir := t.TempDir()

	require.NoError(t, Configure(types.LoggingConfig{Level: "debug", File: true}, dir))
	defer Close()
	defer SetOutput(os.Stderr)

	NewLogger("test").Debug("written to file")

	path := filepath.Join(dir, "agentwatch-"+time.Now().Format("2006-01-02")+".log")
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "written to file")
	assert.Equal(t, logrus.DebugLevel, root.GetLevel())
}

func TestConfigureEnvOverridesLevel(t *testing.T) {
	t.Setenv(LevelEnv, "error")
	require.NoError(t, Configure(types.LoggingConfig{Level: "debug"}, ""))
	assert.Equal(t, logrus.ErrorLevel, root.GetLevel())

	t.Setenv(LevelEnv, "")
	require.NoError(t, Configure(types.LoggingConfig{}, ""))
	assert.Equal(t, logrus.InfoLevel, root.GetLevel())
}
