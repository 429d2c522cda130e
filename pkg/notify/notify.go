// Package notify pushes operator messages to an out-of-band channel.
package notify

import (
	"fmt"
	"time"
)

type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

type Message struct {
	Level Level
	Title string
	Text  string
	At    time.Time
}

func (m Message) String() string {
	prefix := ""
	switch m.Level {
	case LevelWarning:
		prefix = "⚠️ "
	case LevelCritical:
		prefix = "🚨 "
	}
	if m.Text == "" {
		return prefix + m.Title
	}
	return fmt.Sprintf("%s%s\n%s", prefix, m.Title, m.Text)
}

// Notifier delivers messages without blocking the caller. Delivery failures
// are the notifier's problem and are never reported back.
type Notifier interface {
	Notify(msg Message)
}

type Nop struct{}

func (Nop) Notify(Message) {}
