// Package notify collects the user-facing messages produced while handling a
// lock or unlock request.
package notify

import (
	"sync"

	"go.uber.org/zap"

	"github.com/n3tuk/content-sync-lock/internal/model"
)

// Message levels.
const (
	LevelInfo    = "info"
	LevelWarning = "warning"
)

// Notifier receives user-facing messages. Notifying never fails and never
// changes control flow.
type Notifier interface {
	Info(msg string)
	Warning(msg string)
}

// Collector keeps messages for the response of one request and mirrors them
// to the log.
type Collector struct {
	mu       sync.Mutex
	logger   *zap.Logger
	messages []model.Message
}

// NewCollector creates an empty collector.
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{logger: logger}
}

// Info records an informational message.
func (c *Collector) Info(msg string) {
	c.add(LevelInfo, msg)
	c.logger.Info("Notify", zap.String("message", msg))
}

// Warning records a warning message.
func (c *Collector) Warning(msg string) {
	c.add(LevelWarning, msg)
	c.logger.Warn("Notify", zap.String("message", msg))
}

func (c *Collector) add(level, msg string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, model.Message{Level: level, Text: msg})
}

// Messages returns the collected messages in order.
func (c *Collector) Messages() []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]model.Message(nil), c.messages...)
}

// Discard drops every message.
type Discard struct{}

// Info does nothing.
func (Discard) Info(string) {}

// Warning does nothing.
func (Discard) Warning(string) {}
