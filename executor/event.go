package executor

// EventType tags an event leaving an execution unit.
type EventType string

const (
	EventResult   EventType = "result"
	EventConsole  EventType = "console"
	EventDebug    EventType = "debug"
	EventError    EventType = "error"
	EventStatus   EventType = "status"
	EventComplete EventType = "complete"
)

// Console subtypes.
const (
	ConsoleInfo  = "info"
	ConsoleWarn  = "warn"
	ConsoleError = "error"
)

// Status subtypes emitted by the coordinator. Running is the first
// event a job can emit; queued jobs are silent until dispatch.
const (
	StatusRunning   = "running"
	StatusInputWait = "input-wait"
)

// Event is the only channel of information leaving a unit during
// execution. Complete is always the terminal event for a dispatched
// job; a job cancelled while still queued never emits any event.
type Event struct {
	Type    EventType `json:"type"`
	JobID   string    `json:"id"`
	Line    int       `json:"line,omitempty"`
	Subtype string    `json:"subtype,omitempty"`
	Data    string    `json:"data,omitempty"`

	// TypeTag carries the value representation tag for result and
	// debug events ("int", "str", "list", ...).
	TypeTag string `json:"value_type,omitempty"`
}

// Sink receives events during execution. Implementations must not
// block for long; the unit's event loop is serialized through it.
type Sink func(Event)
