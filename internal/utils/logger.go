package utils

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

// defaultBackgroundMaxSizeMB is the rotation size when no config is available.
const defaultBackgroundMaxSizeMB = 5

// Level tags a log line
type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelWarn  Level = "WARN"
)

// Logger writes diagnostics for a command run. Debug lines appear only in
// verbose mode; warnings always do.
type Logger struct {
	mu      sync.RWMutex
	verbose bool
	out     io.Writer // nil means os.Stderr at write time
}

var (
	loggerInstance *Logger
	once           sync.Once
)

// GetLogger returns the process-wide logger.
func GetLogger() *Logger {
	once.Do(func() {
		loggerInstance = &Logger{}
	})
	return loggerInstance
}

// SetVerboseMode turns debug lines on or off for the process-wide logger.
func SetVerboseMode(verbose bool) {
	GetLogger().SetVerbose(verbose)
}

func (l *Logger) SetVerbose(verbose bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.verbose = verbose
}

func (l *Logger) IsVerbose() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.verbose
}

// SetOutput redirects log lines. The TUI points it at the background log so
// messages do not tear the screen. Pass nil to restore stderr.
func (l *Logger) SetOutput(w io.Writer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.out = w
}

func (l *Logger) writer() io.Writer {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.out != nil {
		return l.out
	}
	return os.Stderr
}

// Log formats one line at level.
func (l *Logger) Log(level Level, format string, args ...any) {
	if level == LevelDebug && !l.IsVerbose() {
		return
	}
	l.Print(level, fmt.Sprintf(format, args...))
}

// Print writes msg unformatted. Debug lines carry the time of day so slow
// backend calls stand out in verbose runs.
func (l *Logger) Print(level Level, msg string) {
	switch level {
	case LevelDebug:
		if !l.IsVerbose() {
			return
		}
		_, _ = fmt.Fprintf(l.writer(), "%s [%s] %s\n", time.Now().Format("15:04:05"), level, msg)
	default:
		_, _ = fmt.Fprintf(l.writer(), "[%s] %s\n", level, msg)
	}
}

// Debugf logs to the process-wide logger in verbose mode only.
func Debugf(format string, args ...any) {
	GetLogger().Log(LevelDebug, format, args...)
}

// Warnf logs a warning to the process-wide logger.
func Warnf(format string, args ...any) {
	GetLogger().Log(LevelWarn, format, args...)
}

// =============================================================================
// Background logging
// =============================================================================

// BackgroundLogger writes the log of a long-running command (watch, tui)
// to a size-rotated file. A disabled or broken one discards everything.
type BackgroundLogger struct {
	logger  *log.Logger
	rotator *lumberjack.Logger
	path    string
}

// DefaultBackgroundLogPath returns $XDG_STATE_HOME/todocal/<name>.log,
// falling back to ~/.local/state.
func DefaultBackgroundLogPath(name string) string {
	dir := os.Getenv("XDG_STATE_HOME")
	if dir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return filepath.Join(os.TempDir(), "todocal-"+name+".log")
		}
		dir = filepath.Join(home, ".local", "state")
	}
	return filepath.Join(dir, "todocal", name+".log")
}

func discardLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

// NewBackgroundLogger opens a rotating log at path. maxSizeMB <= 0 uses the
// default rotation size. When the directory cannot be created the returned
// logger still works but discards, and the error says why.
func NewBackgroundLogger(path string, enabled bool, maxSizeMB int) (*BackgroundLogger, error) {
	bl := &BackgroundLogger{logger: discardLogger(), path: path}
	if !enabled {
		return bl, nil
	}
	if maxSizeMB <= 0 {
		maxSizeMB = defaultBackgroundMaxSizeMB
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return bl, err
	}

	bl.rotator = &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: 3,
		MaxAge:     28,
	}
	bl.logger = log.New(bl.rotator, "", log.LstdFlags)
	return bl, nil
}

// Writer returns the destination of the log, for Logger.SetOutput.
func (bl *BackgroundLogger) Writer() io.Writer {
	if bl.rotator == nil {
		return io.Discard
	}
	return bl.rotator
}

func (bl *BackgroundLogger) Printf(format string, args ...any) {
	bl.logger.Printf(format, args...)
}

// Close closes the file. Later messages are discarded.
func (bl *BackgroundLogger) Close() {
	if bl.rotator != nil {
		_ = bl.rotator.Close()
		bl.rotator = nil
	}
	bl.logger = discardLogger()
}

// Path returns the log file path.
func (bl *BackgroundLogger) Path() string {
	return bl.path
}

// Enabled reports whether messages reach the file.
func (bl *BackgroundLogger) Enabled() bool {
	return bl.rotator != nil
}
