// Package logging provides the per-run file logger. Each run writes to
// .agent/logs/ralph_<timestamp>.log with size-based rotation (10 MiB, 3
// backups). Terminal output is separate and handled by the callers; the file
// log is the durable record.
package logging

import (
	"fmt"
	"log"
	"path/filepath"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	maxSizeMB  = 10
	maxBackups = 3
)

// Logger is a levelled wrapper over a rotating log file.
type Logger struct {
	logger *log.Logger
	file   *lumberjack.Logger
	path   string
}

// New creates a logger writing under logDir. The file name embeds the run
// start time so successive runs in the same directory do not interleave.
func New(logDir string, start time.Time) *Logger {
	path := filepath.Join(logDir, fmt.Sprintf("ralph_%s.log", start.Format("20060102_150405")))
	file := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    maxSizeMB,
		MaxBackups: maxBackups,
	}
	return &Logger{
		logger: log.New(file, "", log.LstdFlags|log.Lmicroseconds),
		file:   file,
		path:   path,
	}
}

// Path returns the active log file path.
func (l *Logger) Path() string {
	return l.path
}

// Infof logs an informational message.
func (l *Logger) Infof(format string, v ...interface{}) {
	l.logger.Printf("INFO "+format, v...)
}

// Warnf logs a warning.
func (l *Logger) Warnf(format string, v ...interface{}) {
	l.logger.Printf("WARN "+format, v...)
}

// Errorf logs an error.
func (l *Logger) Errorf(format string, v ...interface{}) {
	l.logger.Printf("ERROR "+format, v...)
}

// Close releases the underlying file.
func (l *Logger) Close() error {
	return l.file.Close()
}

// Discard returns a logger that writes nowhere. Used in tests and by
// components constructed before the run directory exists.
func Discard() *Logger {
	return &Logger{
		logger: log.New(discardWriter{}, "", 0),
		file:   &lumberjack.Logger{},
	}
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
