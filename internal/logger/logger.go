package logger

import (
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Config controls the global logger. Loaded from the [log] table of the
// bot's TOML configuration.
type Config struct {
	Level      string `mapstructure:"level"`       // "debug", "info", "warn", "error"
	Output     string `mapstructure:"output"`      // "console", "file", "both"
	File       string `mapstructure:"file"`        // log file path
	MaxSize    int    `mapstructure:"max_size"`    // MB per file before rotation
	MaxBackups int    `mapstructure:"max_backups"` // rotated files to keep
	MaxAge     int    `mapstructure:"max_age"`     // days to keep rotated files
	Compress   bool   `mapstructure:"compress"`
}

// ErrorSink receives error-and-above log lines for out-of-band delivery.
// The entrypoint registers one that forwards them to the broadcaster as
// "error" events, so dashboard clients see the same failures operators
// do. Sinks must not log.
type ErrorSink func(message string)

var (
	mu      sync.RWMutex
	sugared *zap.SugaredLogger
	sink    ErrorSink
)

// SetErrorSink installs (or replaces) the error forwarder. Passing nil
// disables forwarding.
func SetErrorSink(s ErrorSink) {
	mu.Lock()
	sink = s
	mu.Unlock()
}

// InitLogger builds the global zap logger from cfg. Safe to call more
// than once; the last call wins. Error-and-above entries are teed into
// the registered ErrorSink regardless of the configured output.
func InitLogger(cfg Config) {
	level := zap.NewAtomicLevel()
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level.SetLevel(zap.InfoLevel)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoder := zapcore.NewConsoleEncoder(encCfg)

	cores := buildOutputCores(cfg, encoder, level)
	cores = append(cores, &sinkCore{LevelEnabler: zapcore.ErrorLevel})

	l := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	mu.Lock()
	sugared = l.Sugar()
	mu.Unlock()
}

func buildOutputCores(cfg Config, encoder zapcore.Encoder, level zapcore.LevelEnabler) []zapcore.Core {
	var cores []zapcore.Core

	output := strings.ToLower(cfg.Output)
	if output == "file" || output == "both" {
		rotating := zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			MaxAge:     cfg.MaxAge,
			Compress:   cfg.Compress,
		})
		cores = append(cores, zapcore.NewCore(encoder, rotating, level))
	}
	if output == "console" || output == "both" {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}

	// Misconfigured output falls back to console.
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(os.Stdout), level))
	}
	return cores
}

// S returns the global sugared logger, falling back to a development
// logger if InitLogger has not run yet.
func S() *zap.SugaredLogger {
	mu.RLock()
	s := sugared
	mu.RUnlock()
	if s == nil {
		l, _ := zap.NewDevelopment()
		return l.Sugar()
	}
	return s
}

// sinkCore tees error-and-above entries into the registered ErrorSink.
// It carries no encoder: only the rendered message leaves the process,
// never structured fields or caller info.
type sinkCore struct {
	zapcore.LevelEnabler
}

func (c *sinkCore) With([]zapcore.Field) zapcore.Core { return c }

func (c *sinkCore) Check(entry zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(entry.Level) {
		return ce.AddCore(entry, c)
	}
	return ce
}

func (c *sinkCore) Write(entry zapcore.Entry, _ []zapcore.Field) error {
	mu.RLock()
	s := sink
	mu.RUnlock()
	if s != nil {
		s(entry.Message)
	}
	return nil
}

func (c *sinkCore) Sync() error { return nil }
