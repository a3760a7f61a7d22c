// Package logging provides per-component logrus loggers for the daemon.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/mattn/go-isatty"
	"github.com/sirupsen/logrus"

	"github.com/agentwatch/agentwatch/pkg/types"
)

// LevelEnv overrides the configured log level when set.
const LevelEnv = "AGENTWATCH_LOG_LEVEL"

var (
	root      = newRoot()
	loggers   = make(map[string]*logrus.Entry)
	loggersMu sync.Mutex
	logFile   *os.File
)

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&TextFormatter{Colors: stderrIsTerminal()})
	if lvl, err := logrus.ParseLevel(os.Getenv(LevelEnv)); err == nil {
		l.SetLevel(lvl)
	}
	return l
}

// NewLogger returns the logger for a component. Loggers are cached per component
// and share the root configuration applied by Configure.
func NewLogger(component string) *logrus.Entry {
	loggersMu.Lock()
	defer loggersMu.Unlock()

	if logger, exists := loggers[component]; exists {
		return logger
	}
	entry := root.WithField("component", component)
	loggers[component] = entry
	return entry
}

// Configure applies level, format and file sink settings to every component logger.
// logDir is only used when cfg.File is set.
func Configure(cfg types.LoggingConfig, logDir string) error {
	levelStr := "info"
	if env := os.Getenv(LevelEnv); env != "" {
		levelStr = env
	} else if cfg.Level != "" {
		levelStr = cfg.Level
	}
	level, err := logrus.ParseLevel(levelStr)
	if err != nil {
		level = logrus.InfoLevel
	}
	root.SetLevel(level)

	switch strings.ToLower(cfg.Format) {
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{TimestampFormat: time.RFC3339Nano})
	default:
		root.SetFormatter(&TextFormatter{Colors: stderrIsTerminal()})
	}

	writers := []io.Writer{os.Stderr}
	if cfg.File && logDir != "" {
		if err := os.MkdirAll(logDir, 0755); err != nil {
			return fmt.Errorf("failed to create log directory %s: %w", logDir, err)
		}
		path := filepath.Join(logDir, fmt.Sprintf("agentwatch-%s.log", time.Now().Format("2006-01-02")))
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return fmt.Errorf("failed to open log file %s: %w", path, err)
		}
		if logFile != nil {
			logFile.Close()
		}
		logFile = f
		writers = append(writers, f)
	}

	if len(writers) == 1 {
		root.SetOutput(writers[0])
	} else {
		root.SetOutput(io.MultiWriter(writers...))
	}
	return nil
}

// SetOutput redirects all component loggers. Tests use it to capture output.
func SetOutput(w io.Writer) {
	root.SetOutput(w)
}

// Close releases the file sink, if any.
func Close() {
	loggersMu.Lock()
	defer loggersMu.Unlock()
	if logFile != nil {
		logFile.Close()
		logFile = nil
	}
}

func stderrIsTerminal() bool {
	return isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())
}
