package domain

import "fmt"

type StagingState string

const (
	StateStaged       StagingState = "STAGED"
	StateVerifiedPass StagingState = "VERIFIED_PASS"
	StateVerifiedFail StagingState = "VERIFIED_FAIL"
	StatePromoted     StagingState = "PROMOTED"
	StateAbandoned    StagingState = "ABANDONED"
)

var stagingTransitions = map[StagingState][]StagingState{
	StateStaged:       {StateVerifiedPass, StateVerifiedFail, StateAbandoned},
	StateVerifiedPass: {StatePromoted},
	StateVerifiedFail: {},
	StatePromoted:     {},
	StateAbandoned:    {},
}

func (s StagingState) Valid() bool {
	_, ok := stagingTransitions[s]
	return ok
}

func (s StagingState) Terminal() bool {
	return len(stagingTransitions[s]) == 0
}

func ParseStagingState(v string) (StagingState, error) {
	s := StagingState(v)
	if !s.Valid() {
		return "", fmt.Errorf("unknown staging state %q", v)
	}
	return s, nil
}

// CanTransition returns true when a transition is allowed.
func CanTransition(from, to StagingState) bool {
	for _, candidate := range stagingTransitions[from] {
		if candidate == to {
			return true
		}
	}
	return false
}

// ValidateTransition ensures a staging state transition is valid.
func ValidateTransition(from, to StagingState) error {
	if !from.Valid() || !to.Valid() {
		return fmt.Errorf("invalid staging state transition")
	}
	if !CanTransition(from, to) {
		return fmt.Errorf("staging state transition %q -> %q not allowed", from, to)
	}
	return nil
}

// StateForResult is the state a STAGED record moves to once result is attached.
func StateForResult(result SpecResult) StagingState {
	if result.Status == SpecStatusPass {
		return StateVerifiedPass
	}
	return StateVerifiedFail
}
