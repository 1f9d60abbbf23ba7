package signal

import "strings"

type (
	// DisplayType categorizes how an observer should render a signal.
	DisplayType string

	// Display carries advisory render hints for a signal. Absent hints are
	// inferred from the final name segment via InferDisplay.
	Display struct {
		// Type is the render category.
		Type DisplayType `json:"type"`
		// Status refines the render category (e.g. "active", "success",
		// "error"). Meaningful for status and notification types.
		Status string `json:"status,omitempty"`
		// Title is a short human-facing line rendered for the signal.
		Title string `json:"title,omitempty"`
		// Subtitle is an optional secondary line.
		Subtitle string `json:"subtitle,omitempty"`
		// Icon names a renderer-chosen glyph.
		Icon string `json:"icon,omitempty"`
		// Progress is a completion fraction in [0,1] for progress signals.
		// Nil when unknown.
		Progress *float64 `json:"progress,omitempty"`
		// Append indicates the payload extends prior output of the same name
		// (streaming deltas) rather than replacing it.
		Append bool `json:"append,omitempty"`
	}
)

const (
	// DisplayStatus renders as a transient status line.
	DisplayStatus DisplayType = "status"
	// DisplayProgress renders as a progress indicator.
	DisplayProgress DisplayType = "progress"
	// DisplayNotification renders as a one-shot notification.
	DisplayNotification DisplayType = "notification"
	// DisplayStream renders as appended streaming output.
	DisplayStream DisplayType = "stream"
	// DisplayLog renders as a log line.
	DisplayLog DisplayType = "log"
)

// InferDisplay derives render hints from the final segment of a signal name.
// Emitters that set Signal.Display take precedence; this covers the rest.
//
// Suffix rules: ":start" renders as an active status, ":complete" as a success
// notification, ":error" and ":failed" as error notifications, ":delta" as an
// appended stream, ":progress" as a progress indicator. Everything else
// renders as a log line.
func InferDisplay(name string) *Display {
	last := name
	if i := strings.LastIndex(name, Separator); i >= 0 {
		last = name[i+1:]
	}
	switch last {
	case "start":
		return &Display{Type: DisplayStatus, Status: "active"}
	case "complete":
		return &Display{Type: DisplayNotification, Status: "success"}
	case "error", "failed":
		return &Display{Type: DisplayNotification, Status: "error"}
	case "delta":
		return &Display{Type: DisplayStream, Append: true}
	case "progress":
		return &Display{Type: DisplayProgress}
	default:
		return &Display{Type: DisplayLog}
	}
}

// EffectiveDisplay returns the signal's explicit hints when present and the
// inferred hints otherwise.
func (s Signal) EffectiveDisplay() *Display {
	if s.Display != nil {
		return s.Display
	}
	return InferDisplay(s.Name)
}
