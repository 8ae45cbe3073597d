// Package logger builds the process zap logger: human-readable lines on stdout and JSON lines
// in a size-rotated file.
package logger

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Rotator is a zapcore.WriteSyncer that rotates its file once it reaches MaxSize bytes.
type Rotator struct {
	Filename   string
	MaxSize    int64 // Bytes
	MaxBackups int

	mu   sync.Mutex
	file *os.File
	size int64
}

var _ zapcore.WriteSyncer = (*Rotator)(nil)

// Setup returns a logger teeing console output to stdout and JSON to filename.
// If the file cannot be opened the logger falls back to stdout only and reports the error.
func Setup(filename string, maxSizeMB int64, maxBackups int, level string) (*zap.Logger, error) {
	lvl := ParseLevel(level)

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	consoleCfg := encCfg
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stdout), lvl),
	}

	var openErr error
	if filename != "" {
		r := &Rotator{
			Filename:   filename,
			MaxSize:    maxSizeMB * 1024 * 1024,
			MaxBackups: maxBackups,
		}
		if err := r.openExistingOrNew(); err != nil {
			openErr = fmt.Errorf("open log file: %w", err)
		} else {
			cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), r, lvl))
		}
	}

	log := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return log, openErr
}

// ParseLevel maps LOG_LEVEL values (DEBUG, INFO, WARN, ERROR) to zap levels. Unknown values mean info.
func ParseLevel(s string) zapcore.Level {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(s)))); err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func (r *Rotator) openExistingOrNew() error {
	info, err := os.Stat(r.Filename)
	if os.IsNotExist(err) {
		return r.openNew()
	}
	if err != nil {
		return err
	}

	f, err := os.OpenFile(r.Filename, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.size = info.Size()
	return nil
}

func (r *Rotator) openNew() error {
	f, err := os.OpenFile(r.Filename, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	r.file = f
	r.size = 0
	return nil
}

// Write checks size and rotates if needed.
func (r *Rotator) Write(p []byte) (n int, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.file == nil {
		if err = r.openExistingOrNew(); err != nil {
			return 0, err
		}
	}

	if r.MaxSize > 0 && r.size+int64(len(p)) > r.MaxSize {
		if err := r.rotate(); err != nil {
			// Keep writing to whatever is open rather than dropping the line.
			fmt.Fprintf(os.Stderr, "log rotation failed: %v\n", err)
		}
	}

	n, err = r.file.Write(p)
	r.size += int64(n)
	return n, err
}

func (r *Rotator) Sync() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	return r.file.Sync()
}

func (r *Rotator) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.file == nil {
		return nil
	}
	err := r.file.Close()
	r.file = nil
	return err
}

// rotate shifts backups (log.2 -> log.3, log.1 -> log.2, log -> log.1) and opens a new file.
func (r *Rotator) rotate() error {
	if r.file != nil {
		r.file.Close()
		r.file = nil
	}

	for i := r.MaxBackups - 1; i >= 1; i-- {
		oldPath := fmt.Sprintf("%s.%d", r.Filename, i)
		if _, err := os.Stat(oldPath); os.IsNotExist(err) {
			continue
		}
		if err := os.Rename(oldPath, fmt.Sprintf("%s.%d", r.Filename, i+1)); err != nil {
			return err
		}
	}

	if r.MaxBackups > 0 {
		if _, err := os.Stat(r.Filename); err == nil {
			if err := os.Rename(r.Filename, r.Filename+".1"); err != nil {
				return err
			}
		}
	}
	return r.openNew()
}
