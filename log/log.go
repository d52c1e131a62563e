package log

import (
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"os"
	"time"
)

// Logger is shared by every package of the endpoint. It stays a no-op logger
// until InitLogger is called so library code and tests can log freely.
var Logger = zap.NewNop()

// InitLogger builds the production logger. level is a zap level name
// ("debug", "info", "warn", "error"); an empty level means info.
// Timestamps are rendered in the zone named by $TZ, or UTC.
func InitLogger(level string) error {
	lvl := zap.NewAtomicLevelAt(zapcore.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return err
		}
	}

	location := time.UTC
	if tz := os.Getenv("TZ"); tz != "" {
		if loc, err := time.LoadLocation(tz); err == nil {
			location = loc
		}
	}

	config := zap.NewProductionConfig()
	config.Level = lvl
	config.EncoderConfig.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.In(location).Format(time.RFC3339Nano))
	}
	config.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	logger, err := config.Build()
	if err != nil {
		return err
	}
	Logger = logger
	return nil
}

// Sync flushes buffered log entries; errors from syncing a terminal are ignored.
func Sync() {
	_ = Logger.Sync()
}
