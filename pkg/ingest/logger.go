package ingest

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/twmb/franz-go/pkg/kgo"
)

// kgoLogger adapts a go-kit logger to kgo's logging interface so client
// internals log through the same pipeline as the rest of flowbridge.
type kgoLogger struct {
	logger log.Logger
}

func newKgoLogger(logger log.Logger) kgoLogger {
	return kgoLogger{logger: logger}
}

func (l kgoLogger) Level() kgo.LogLevel {
	return kgo.LogLevelInfo
}

func (l kgoLogger) Log(lvl kgo.LogLevel, msg string, keyvals ...any) {
	args := append([]any{"msg", msg, "component", "kafka"}, keyvals...)
	switch lvl {
	case kgo.LogLevelError:
		level.Error(l.logger).Log(args...)
	case kgo.LogLevelWarn:
		level.Warn(l.logger).Log(args...)
	case kgo.LogLevelDebug:
		level.Debug(l.logger).Log(args...)
	default:
		level.Info(l.logger).Log(args...)
	}
}
