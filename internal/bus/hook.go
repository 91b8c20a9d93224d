package bus

import (
	"github.com/sirupsen/logrus"
)

// Hook 把logrus日志行转发到总线log通道,
// 由Redis边车订阅后转发到日志聚合端。
// Fire只做非阻塞投递, 不会反向产生日志。
type Hook struct {
	bus *Bus
}

// NewHook 创建日志转发钩子
func NewHook(b *Bus) *Hook {
	return &Hook{bus: b}
}

func (h *Hook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func (h *Hook) Fire(entry *logrus.Entry) error {
	level := "info"
	switch entry.Level {
	case logrus.DebugLevel, logrus.TraceLevel:
		level = "debug"
	case logrus.WarnLevel:
		level = "system"
	case logrus.ErrorLevel, logrus.FatalLevel, logrus.PanicLevel:
		level = "error"
	}

	h.bus.PublishLog(LogEvent{
		Level:   level,
		Message: entry.Message,
		Time:    entry.Time,
	})
	return nil
}
