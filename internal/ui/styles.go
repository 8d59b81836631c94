// Package ui renders CLI output with optional ANSI colors.
package ui

import (
	"fmt"

	"github.com/alfredjeanlab/indexsync/internal/model"
)

// ANSI256 color codes.
const (
	colorAccent = 74  // blue
	colorCmd    = 250 // light gray
	colorMuted  = 245 // medium gray
	colorOK     = 114 // green
	colorWarn   = 179 // amber
	colorError  = 167 // red
)

var noColor bool

func render(color int, s string) string {
	if noColor {
		return s
	}
	return fmt.Sprintf("\x1b[38;5;%dm%s\x1b[0m", color, s)
}

// RenderAccent returns s in the accent (blue) color.
func RenderAccent(s string) string { return render(colorAccent, s) }

// RenderMuted returns s in the muted (gray) color.
func RenderMuted(s string) string { return render(colorMuted, s) }

// RenderCommand returns s styled as a command name.
func RenderCommand(s string) string { return render(colorCmd, s) }

// RenderWarn returns s in the warning color.
func RenderWarn(s string) string { return render(colorWarn, s) }

// RenderError returns s in the error color.
func RenderError(s string) string { return render(colorError, s) }

// RenderState colors an agent state: working states green, suspended amber,
// shutting down gray.
func RenderState(state model.AgentState) string {
	switch state {
	case model.AgentStatePulsing, model.AgentStateRunning:
		return render(colorOK, string(state))
	case model.AgentStateSuspended, model.AgentStateStarting:
		return render(colorWarn, string(state))
	default:
		return render(colorMuted, string(state))
	}
}

// ForceNoColor disables color output globally.
func ForceNoColor() {
	noColor = true
}
