package recorder

import (
	"time"

	"go.uber.org/zap"

	"github.com/yourorg/annotrack/internal/config"
	"github.com/yourorg/annotrack/pkg/types"
)

// DebugLevel is an alias of config.DebugSetting.
type DebugLevel = config.DebugSetting

var (
	DebugOff = DebugLevel{}
	DebugAll = DebugLevel{Enabled: true}
)

// DebugEvery shows at most one entry per activity kind per d.
func DebugEvery(d time.Duration) DebugLevel {
	return DebugLevel{Enabled: true, Every: d}
}

type debugState struct {
	level DebugLevel
	seen  map[string]*shown
}

type shown struct {
	last    time.Time
	skipped int
}

func newDebugState(level DebugLevel) *debugState {
	return &debugState{level: level, seen: make(map[string]*shown)}
}

func (d *debugState) show(logger *zap.Logger, now time.Time, e types.LogEntry) {
	if !d.level.Enabled {
		return
	}
	skipped := 0
	if d.level.Every > 0 {
		s, ok := d.seen[e.Activity]
		if ok && now.Sub(s.last) <= d.level.Every {
			s.skipped++
			return
		}
		if !ok {
			s = &shown{}
			d.seen[e.Activity] = s
		}
		skipped = s.skipped
		s.last = now
		s.skipped = 0
	}
	logger.Info("activity",
		zap.String("activity", e.Activity),
		zap.Any("entry", e),
		zap.Int("skipped", skipped))
}
