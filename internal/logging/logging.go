package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"

	"terrainstream/internal/config"
)

// Logger bundles the root logger with the file sink it may own.
type Logger struct {
	*logrus.Logger
	file *lumberjack.Logger
}

// New builds a logger from cfg. With a file configured, output goes to both
// stderr and a size-rotated file.
func New(cfg config.LoggingConfig) (*Logger, error) {
	return newWithOutput(cfg, os.Stderr)
}

func newWithOutput(cfg config.LoggingConfig, console io.Writer) (*Logger, error) {
	level := logrus.InfoLevel
	if cfg.Level != "" {
		parsed, err := logrus.ParseLevel(cfg.Level)
		if err != nil {
			return nil, fmt.Errorf("logging level: %w", err)
		}
		level = parsed
	}

	base := logrus.New()
	base.SetLevel(level)
	switch strings.ToLower(cfg.Format) {
	case "json":
		base.SetFormatter(&logrus.JSONFormatter{})
	default:
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}

	out := &Logger{Logger: base}
	if cfg.File == "" {
		base.SetOutput(console)
		return out, nil
	}
	out.file = &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}
	base.SetOutput(io.MultiWriter(console, out.file))
	return out, nil
}

// Component returns an entry tagged with the component name.
func (l *Logger) Component(name string) *logrus.Entry {
	return l.WithField("component", name)
}

// Close releases the rotating file, if any.
func (l *Logger) Close() error {
	if l.file == nil {
		return nil
	}
	return l.file.Close()
}
