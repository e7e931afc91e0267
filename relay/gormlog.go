package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"gorm.io/gorm/logger"

	"tractor.dev/littlebook/internal/ctxlog"
)

const slowQuery = time.Second

// GormLogger sends gorm's logging to slog. The logger in the query's
// context is preferred over the one given at construction.
type GormLogger struct {
	log      *slog.Logger
	LogLevel logger.LogLevel
}

func NewGormLogger(log *slog.Logger) *GormLogger {
	return &GormLogger{log: log, LogLevel: logger.Warn}
}

func (l *GormLogger) LogMode(level logger.LogLevel) logger.Interface {
	nl := *l
	nl.LogLevel = level
	return &nl
}

func (l *GormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Info {
		ctxlog.FromContext(ctx, l.log).Info(msg, "data", data)
	}
}

func (l *GormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Warn {
		ctxlog.FromContext(ctx, l.log).Warn(msg, "data", data)
	}
}

func (l *GormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.LogLevel >= logger.Error {
		ctxlog.FromContext(ctx, l.log).Error(msg, "data", data)
	}
}

func (l *GormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.LogLevel <= logger.Silent {
		return
	}
	elapsed := time.Since(begin)
	sql, rows := fc()
	log := ctxlog.FromContext(ctx, l.log).With("sql", sql, "rows", rows, "took", elapsed)
	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound) && l.LogLevel >= logger.Error:
		log.Error("sql failed", "err", err)
	case elapsed > slowQuery && l.LogLevel >= logger.Warn:
		log.Warn("slow sql", "threshold", slowQuery)
	case l.LogLevel == logger.Info:
		log.Debug("sql")
	}
}
