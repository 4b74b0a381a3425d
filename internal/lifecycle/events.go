package lifecycle

type EventKind string

const (
	EventState     EventKind = "state"
	EventQuote     EventKind = "quote"
	EventNotice    EventKind = "notice"
	EventPrompt    EventKind = "prompt"
	EventRedirect  EventKind = "redirect"
	EventReference EventKind = "reference"
	EventCountdown EventKind = "countdown"
)

// Event is pushed to whatever renders the session.
type Event struct {
	Session string    `json:"session"`
	Kind    EventKind `json:"kind"`
	Data    any       `json:"data,omitempty"`
}
