package recorder

import "fmt"

// State is the lifecycle of a recording session. Transitions only move
// forward: Idle, Starting, Recording, Stopping, then Finalized or Failed.
type State int32

const (
	Idle State = iota
	Starting
	Recording
	Stopping
	Finalized
	Failed
)

var stateNames = [...]string{"idle", "starting", "recording", "stopping", "finalized", "failed"}

func (s State) String() string {
	if int(s) >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

// Terminal reports whether no further transitions can happen.
func (s State) Terminal() bool {
	return s == Finalized || s == Failed
}
