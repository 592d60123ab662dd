package domain

// State is the lifecycle state of a job
type State string

// Job states
const (
	StateQueued     State = "queued"
	StateProcessing State = "processing"
	StateCompleted  State = "completed"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Kind selects the stage pipeline a job runs through
type Kind string

// Job kinds served by the generation pipelines
const (
	KindGameGeneration Kind = "game_generation"
	KindAssetBatch     Kind = "asset_batch"
	KindTestSuite      Kind = "test_suite"
)

// DefaultLogRetention is the number of log entries kept per job when no limit is configured
const DefaultLogRetention = 200

// transitions lists every legal edge of the job state machine
var transitions = map[State][]State{
	StateQueued:     {StateProcessing, StateCancelled},
	StateProcessing: {StateCompleted, StateFailed, StateCancelled},
}

// IsTerminal reports whether no further transition can leave the state
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCancelled
}

// Valid reports whether s is one of the known states
func (s State) Valid() bool {
	switch s {
	case StateQueued, StateProcessing, StateCompleted, StateFailed, StateCancelled:
		return true
	default:
		return false
	}
}

// CanTransition reports whether the state machine allows from -> to
func CanTransition(from, to State) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ParseState converts a raw string into a State
func ParseState(raw string) (State, bool) {
	s := State(raw)
	return s, s.Valid()
}
