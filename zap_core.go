package sentry_gateway

import (
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap/zapcore"
)

const defaultAutoFlush = 100

// Core is a zapcore.Core which buffers entries and routes them to Sentry
// through a LogRoute when synced. Fields are not routed, the logger name
// becomes the entry category.
type Core struct {
	zapcore.LevelEnabler
	route *LogRoute
	batch *logBatch
}

type logBatch struct {
	mu        sync.Mutex
	entries   []LogEntry
	autoFlush int
}

var _ zapcore.Core = (*Core)(nil)

// NewCore creates a core routing entries enabled by enab. The buffer is
// flushed every autoFlush entries, on Sync and on entries above error level.
func NewCore(route *LogRoute, enab zapcore.LevelEnabler, autoFlush int) *Core {
	if autoFlush <= 0 {
		autoFlush = defaultAutoFlush
	}

	return &Core{
		LevelEnabler: enab,
		route:        route,
		batch:        &logBatch{autoFlush: autoFlush},
	}
}

func (c *Core) With([]zapcore.Field) zapcore.Core {
	return &Core{
		LevelEnabler: c.LevelEnabler,
		route:        c.route,
		batch:        c.batch,
	}
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, _ []zapcore.Field) error {
	full := c.batch.add(LogEntry{
		Message:   ent.Message,
		Level:     levelName(ent.Level),
		Category:  ent.LoggerName,
		Timestamp: float64(ent.Time.UnixNano()) / 1e9,
	})

	if full || ent.Level > zapcore.ErrorLevel {
		return c.Sync()
	}
	return nil
}

// Sync routes the buffered entries, returning the combined capture errors
func (c *Core) Sync() error {
	var err error
	for _, result := range c.route.Process(c.batch.drain()) {
		err = multierr.Append(err, result.Err)
	}
	return err
}

func (b *logBatch) add(entry LogEntry) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry)
	return len(b.entries) >= b.autoFlush
}

func (b *logBatch) drain() []LogEntry {
	b.mu.Lock()
	defer b.mu.Unlock()

	entries := b.entries
	b.entries = nil
	return entries
}

func levelName(level zapcore.Level) string {
	if level == zapcore.WarnLevel {
		return LevelWarning
	}
	return level.String()
}
