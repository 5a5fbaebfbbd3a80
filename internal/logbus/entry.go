package logbus

import (
	"fmt"
	"time"
)

// Level classifies a user-facing log entry.
type Level string

// Supported entry levels.
const (
	LevelInfo    Level = "INFO"
	LevelWarning Level = "WARNING"
	LevelError   Level = "ERROR"
	LevelSuccess Level = "SUCCESS"
)

// Entry is one immutable line of job progress.
type Entry struct {
	Level   Level     `json:"level"`
	Message string    `json:"message"`
	At      time.Time `json:"at"`
}

// String renders the entry the way observers see it. Warnings and errors
// carry a level prefix; info and success lines are shown bare.
func (e Entry) String() string {
	switch e.Level {
	case LevelWarning, LevelError:
		return fmt.Sprintf("[%s] %s", e.Level, e.Message)
	default:
		return e.Message
	}
}
