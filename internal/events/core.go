package events

import (
	"go.uber.org/zap/zapcore"
)

// Core is a zapcore.Core that publishes every enabled entry to a Hub, so the
// same log calls feed both the process log and the progress stream.
type Core struct {
	zapcore.LevelEnabler
	hub    *Hub
	fields []zapcore.Field
}

func NewCore(hub *Hub, level zapcore.LevelEnabler) *Core {
	return &Core{LevelEnabler: level, hub: hub}
}

func (c *Core) With(fields []zapcore.Field) zapcore.Core {
	clone := *c
	clone.fields = make([]zapcore.Field, 0, len(c.fields)+len(fields))
	clone.fields = append(clone.fields, c.fields...)
	clone.fields = append(clone.fields, fields...)
	return &clone
}

func (c *Core) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *Core) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	enc := zapcore.NewMapObjectEncoder()
	for _, f := range c.fields {
		f.AddTo(enc)
	}
	for _, f := range fields {
		f.AddTo(enc)
	}
	e := Event{Time: ent.Time, Level: ent.Level.String(), Message: ent.Message}
	if len(enc.Fields) > 0 {
		e.Fields = enc.Fields
	}
	c.hub.Publish(e)
	return nil
}

func (c *Core) Sync() error { return nil }
