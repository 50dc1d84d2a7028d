// Package logging configures the process-wide structured logger.
package logging

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Config selects level, format, and destination.
type Config struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"` // "json" or "text"
	Output     string `mapstructure:"output"` // "stdout", "stderr", or a file path
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// Setup builds the root logger. File outputs rotate through lumberjack.
func Setup(cfg Config) (*logrus.Logger, error) {
	l := logrus.New()

	level, err := logrus.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		return nil, fmt.Errorf("logging: invalid level %q", cfg.Level)
	}
	l.SetLevel(level)

	switch cfg.Format {
	case "json":
		l.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text":
		l.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return nil, fmt.Errorf("logging: invalid format %q", cfg.Format)
	}

	switch cfg.Output {
	case "stdout", "":
		l.SetOutput(os.Stdout)
	case "stderr":
		l.SetOutput(os.Stderr)
	default:
		l.SetOutput(&lumberjack.Logger{
			Filename: cfg.Output,
			MaxAge:   cfg.MaxAgeDays,
			MaxSize:  100, // MB
			Compress: true,
		})
	}

	return l, nil
}

// Component returns an entry tagged with the owning component name.
func Component(l *logrus.Logger, name string) *logrus.Entry {
	return l.WithField("component", name)
}
