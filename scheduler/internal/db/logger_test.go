package db

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"
	gormlogger "gorm.io/gorm/logger"
)

func TestNewZapGORMLoggerThreshold(t *testing.T) {
	log := zaptest.NewLogger(t)

	cases := []struct {
		name  string
		input time.Duration
		want  time.Duration
	}{
		{"zero selects default", 0, defaultSlowQueryThreshold},
		{"positive override kept as-is", 50 * time.Millisecond, 50 * time.Millisecond},
		{"negative disables slow-query detection", -1, 0},
	}

	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			l := newZapGORMLogger(log, gormlogger.Warn, c.input).(*zapGORMLogger)
			if l.slowQueryThreshold != c.want {
				t.Errorf("slowQueryThreshold = %v, want %v", l.slowQueryThreshold, c.want)
			}
		})
	}
}

func TestNewZapGORMLoggerLevelDefault(t *testing.T) {
	log := zaptest.NewLogger(t)
	l := newZapGORMLogger(log, 0, 0).(*zapGORMLogger)
	if l.level != gormlogger.Warn {
		t.Errorf("level = %v, want gormlogger.Warn", l.level)
	}
}
