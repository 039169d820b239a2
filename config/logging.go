package config

import (
	"fmt"
	"os"
	"strings"

	zaplogfmt "github.com/jsternberg/zap-logfmt"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggingConfig contains logging configuration
type LoggingConfig struct {
	Format string `yaml:"logFormat" env:"LOG_FORMAT" env-default:"console"`
	Level  string `yaml:"logLevel" env:"LOG_LEVEL" env-default:"info"`
}

var logLevels = map[string]zapcore.Level{
	"debug": zapcore.DebugLevel,
	"info":  zapcore.InfoLevel,
	"warn":  zapcore.WarnLevel,
	"error": zapcore.ErrorLevel,
}

// Validate lowercases and checks format and level
func (c *LoggingConfig) Validate() error {
	c.Format = strings.ToLower(c.Format)
	switch c.Format {
	case "json", "console", "logfmt":
	default:
		return fmt.Errorf("logFormat must be 'json', 'console', or 'logfmt', got '%s'", c.Format)
	}

	c.Level = strings.ToLower(c.Level)
	if _, ok := logLevels[c.Level]; !ok {
		return fmt.Errorf("logLevel must be one of: debug, info, warn, error, got '%s'", c.Level)
	}

	return nil
}

// NewLogger builds a zap logger. Logs go to stderr so stdout stays free for
// report lines.
func (c *LoggingConfig) NewLogger() (*zap.Logger, error) {
	level, ok := logLevels[strings.ToLower(c.Level)]
	if !ok {
		level = zapcore.InfoLevel
	}

	if c.Format == "logfmt" {
		encoderConfig := zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.StringDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		}

		core := zapcore.NewCore(
			zaplogfmt.NewEncoder(encoderConfig),
			zapcore.Lock(os.Stderr),
			level,
		)
		return zap.New(core), nil
	}

	var zapConfig zap.Config
	if c.Format == "json" {
		zapConfig = zap.NewProductionConfig()
	} else {
		zapConfig = zap.NewDevelopmentConfig()
	}
	zapConfig.Level = zap.NewAtomicLevelAt(level)
	zapConfig.OutputPaths = []string{"stderr"}

	return zapConfig.Build()
}
