// Package alert implements the operator-notification seam (spec.md §7's
// "operator notified via bus bot_error"): a core.Notifier that fans a
// bot_error out to zero or more channels. With no channel configured it
// only logs, matching SPEC_FULL.md's decision that spec.md names no
// alerting channel of its own.
//
// Grounded on this same package's AlertManager/AlertChannel dispatcher
// shape, narrowed from a general-purpose alert API
// (Alert(title, message, level, fields)) to the single bot_error call
// core.Notifier exposes.
package alert

import (
	"context"
	"sync"
	"time"

	"gridbot/internal/core"
)

// Level mirrors the original four-value alert severity; gridbot only
// ever raises Error (bot_error), but the type stays open for a future
// caller.
type Level string

const (
	LevelInfo     Level = "INFO"
	LevelWarning  Level = "WARNING"
	LevelError    Level = "ERROR"
	LevelCritical Level = "CRITICAL"
)

// Payload is what a Channel actually sends.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel is one outbound notification sink.
type Channel interface {
	Send(ctx context.Context, payload Payload) error
	Name() string
}

// Manager implements core.Notifier, dispatching to every registered
// channel concurrently and logging (never surfacing) per-channel
// failures -- a notification delivery problem is never allowed to affect
// the bot it is reporting on.
type Manager struct {
	mu       sync.RWMutex
	channels []Channel
	logger   core.Logger
}

// NewManager builds a Manager with no channels; AddChannel registers one.
func NewManager(logger core.Logger) *Manager {
	return &Manager{logger: logger.WithField("component", "alert_manager")}
}

// AddChannel registers ch. Order doesn't matter: Notify fans out to all
// of them concurrently.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("alert channel registered", "name", ch.Name())
}

// Notify implements core.Notifier.
func (m *Manager) Notify(ctx context.Context, botID, kind, message string) {
	level := LevelInfo
	if kind == "bot_error" {
		level = LevelError
	}
	payload := Payload{
		Level:     level,
		Title:     kind,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    map[string]string{"bot_id": botID},
	}

	m.logger.Warn("bot alert raised", "bot_id", botID, "kind", kind, "message", message)

	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	var wg sync.WaitGroup
	for _, ch := range channels {
		wg.Add(1)
		go func(c Channel) {
			defer wg.Done()
			sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("alert channel delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}
