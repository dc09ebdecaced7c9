// Package notify delivers fire-and-forget operator notifications. Callers
// never depend on delivery; a sink that fails just logs.
package notify

import (
	"time"

	"go.uber.org/zap"
)

// Level classifies a notification for dashboard display.
type Level string

const (
	LevelInfo    Level = "info"
	LevelSuccess Level = "success"
	LevelError   Level = "error"
)

// Notification is one user-facing message.
type Notification struct {
	Level   Level     `json:"level"`
	Title   string    `json:"title"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// Sink accepts notifications. Implementations must not block.
type Sink interface {
	Notify(level Level, title, message string)
}

// Broadcaster is the dashboard fanout surface the hub sink publishes to.
type Broadcaster interface {
	Broadcast(event string, payload interface{})
}

// HubSink pushes notifications to connected dashboards.
type HubSink struct {
	hub    Broadcaster
	logger *zap.Logger
}

// NewHubSink creates the dashboard-backed sink.
func NewHubSink(hub Broadcaster, logger *zap.Logger) *HubSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HubSink{hub: hub, logger: logger}
}

// Notify broadcasts the notification and mirrors it to the log.
func (s *HubSink) Notify(level Level, title, message string) {
	n := Notification{Level: level, Title: title, Message: message, At: time.Now()}
	s.hub.Broadcast("notification", n)
	switch level {
	case LevelError:
		s.logger.Warn("notification", zap.String("title", title), zap.String("message", message))
	default:
		s.logger.Info("notification", zap.String("title", title), zap.String("message", message))
	}
}

// LogSink writes notifications to the log only. Used by the worker binary,
// which has no dashboard connections of its own.
type LogSink struct {
	logger *zap.Logger
}

// NewLogSink creates the log-only sink.
func NewLogSink(logger *zap.Logger) *LogSink {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogSink{logger: logger}
}

// Notify logs the notification.
func (s *LogSink) Notify(level Level, title, message string) {
	s.logger.Info("notification",
		zap.String("level", string(level)),
		zap.String("title", title),
		zap.String("message", message))
}
