package logging

import (
	"fmt"
	"strings"

	"github.com/ggonzalez94/yieldvault/internal/model"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// New builds a production zap logger. format is "json" or "console".
func New(level, format string) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevel()
	if strings.TrimSpace(level) == "" {
		level = "info"
	}
	if err := cfg.Level.UnmarshalText([]byte(level)); err != nil {
		return nil, fmt.Errorf("parse log level: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(format)) {
	case "", "json":
		cfg.Encoding = "json"
	case "console", "text":
		cfg.Encoding = "console"
	default:
		return nil, fmt.Errorf("unsupported log format %q", format)
	}
	cfg.OutputPaths = []string{"stderr"}
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return cfg.Build()
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *zap.Logger) *zap.Logger {
	if l == nil {
		return zap.NewNop()
	}
	return l
}

// EventSink writes ledger and transfer events to a logger.
type EventSink struct {
	Logger *zap.Logger
}

func (s EventSink) Emit(e model.Event) {
	fields := make([]zap.Field, 0, len(e.Fields)+2)
	fields = append(fields, zap.String("event", string(e.Type)), zap.Time("at", e.At))
	if e.VaultID != "" {
		fields = append(fields, zap.String("vault", e.VaultID))
	}
	for k, v := range e.Fields {
		fields = append(fields, zap.String(k, v))
	}
	OrNop(s.Logger).Info("vault event", fields...)
}
