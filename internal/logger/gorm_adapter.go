package logger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// GormLoggerAdapter implements gorm's logger.Interface on a module Logger.
// Statements are logged at TRACE, so detection inserts only show up when the
// datastore module level is trace. Failed and slow statements are warnings.
type GormLoggerAdapter struct {
	log           Logger
	slowThreshold time.Duration
}

var _ gormlogger.Interface = (*GormLoggerAdapter)(nil)

// NewGormLoggerAdapter creates the adapter. slowThreshold <= 0 turns slow
// statement warnings off.
func NewGormLoggerAdapter(log Logger, slowThreshold time.Duration) *GormLoggerAdapter {
	if log == nil {
		log = NewSlogLogger(nil, LogLevelInfo, nil)
	}
	return &GormLoggerAdapter{log: log, slowThreshold: slowThreshold}
}

// LogMode returns the adapter unchanged, levels come from the module config.
func (a *GormLoggerAdapter) LogMode(gormlogger.LogLevel) gormlogger.Interface { return a }

func (a *GormLoggerAdapter) Info(_ context.Context, format string, args ...any) {
	a.log.Debug(fmt.Sprintf(format, args...))
}

func (a *GormLoggerAdapter) Warn(_ context.Context, format string, args ...any) {
	a.log.Warn(fmt.Sprintf(format, args...))
}

func (a *GormLoggerAdapter) Error(_ context.Context, format string, args ...any) {
	a.log.Error(fmt.Sprintf(format, args...))
}

// Trace is called by gorm after every statement.
func (a *GormLoggerAdapter) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	elapsed := time.Since(begin)
	stmt, rows := fc()
	fields := []Field{
		String("sql", stmt),
		Int64("rows", rows),
		Duration("elapsed", elapsed),
	}

	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		// lookups that find nothing are normal
		a.log.Debug("statement found no rows", fields...)
	case err != nil:
		a.log.Warn("statement failed", append(fields, Error(err))...)
	case a.slowThreshold > 0 && elapsed > a.slowThreshold:
		a.log.Warn("slow statement", append(fields, Duration("threshold", a.slowThreshold))...)
	default:
		a.log.Trace("statement", fields...)
	}
}
