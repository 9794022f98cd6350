package executor

import (
	"time"

	"github.com/google/uuid"
)

// Priority orders jobs in the pool queue. Within a band, jobs dispatch
// FIFO by submission time.
type Priority int

const (
	PriorityLow Priority = iota
	PriorityNormal
	PriorityHigh
)

func (p Priority) String() string {
	switch p {
	case PriorityLow:
		return "low"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Options controls a single submission.
type Options struct {
	// Timeout bounds wall-clock execution time. Zero means the pool
	// default.
	Timeout time.Duration

	// ShowUndefinedValues emits debug events for expressions that
	// evaluate to an undefined/none value instead of suppressing them.
	ShowUndefinedValues bool

	// WorkingDirectory, when set, is exposed to the submission as a
	// confined filesystem root. Empty means no filesystem access.
	WorkingDirectory string

	// Instrument enables rewriting of debug-annotation comments into
	// explicit debug calls before execution.
	Instrument bool
}

// Job is one code-execution request. It is owned by the pool queue
// until dispatched, then by the assigned unit until a terminal event.
type Job struct {
	ID          string
	Source      string
	Language    string
	Options     Options
	Priority    Priority
	SubmittedAt time.Time
}

// NewJob builds a Job with a generated id and the current submission
// timestamp.
func NewJob(source, language string, opts Options, prio Priority) Job {
	return Job{
		ID:          uuid.NewString(),
		Source:      source,
		Language:    language,
		Options:     opts,
		Priority:    prio,
		SubmittedAt: time.Now(),
	}
}
