package flexray

import "myoblink/types"

// ControlMode selects how a muscle's local controller interprets a setpoint.
type ControlMode uint8

const (
	Position ControlMode = iota
	Velocity
	Force
)

func (m ControlMode) String() string {
	switch m {
	case Position:
		return "position"
	case Velocity:
		return "velocity"
	case Force:
		return "force"
	default:
		return "unknown"
	}
}

// ModeForAction maps a move-service action keyword to a control mode.
// Matching is exact and case-sensitive.
func ModeForAction(action string) (ControlMode, bool) {
	switch action {
	case types.ActionMoveTo:
		return Position, true
	case types.ActionMoveWith:
		return Velocity, true
	case types.ActionKeep:
		return Force, true
	default:
		return 0, false
	}
}
