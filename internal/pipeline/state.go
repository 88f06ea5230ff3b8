package pipeline

import "time"

// State is a position in the run state machine
type State int

const (
	StateIdle State = iota
	StateReferenceEncoding
	StateSemanticGeneration
	StateWaveformSynthesis
	StateDone
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateReferenceEncoding:
		return "reference_encoding"
	case StateSemanticGeneration:
		return "semantic_generation"
	case StateWaveformSynthesis:
		return "waveform_synthesis"
	case StateDone:
		return "done"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transitions follow
func (s State) Terminal() bool {
	return s == StateDone || s == StateFailed
}

// next returns the state that follows s on success. ReferenceEncoding is
// entered only from Idle and only when a reference is present.
func next(s State, hasReference bool) State {
	switch s {
	case StateIdle:
		if hasReference {
			return StateReferenceEncoding
		}
		return StateSemanticGeneration
	case StateReferenceEncoding:
		return StateSemanticGeneration
	case StateSemanticGeneration:
		return StateWaveformSynthesis
	case StateWaveformSynthesis:
		return StateDone
	default:
		return s
	}
}

// Event reports a state transition of one run
type Event struct {
	RunID    string
	State    State
	Previous State
	At       time.Time
	Elapsed  time.Duration // Time spent in Previous
	Err      error         // Set when State is StateFailed
}

// Observer receives every transition of a run, in order, on the run's goroutine
type Observer func(Event)

// StageTiming is the duration of one completed or failed stage
type StageTiming struct {
	State    State
	Duration time.Duration
}
