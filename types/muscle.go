package types

// ---- Node state (retained) ----

type NodeState struct {
	Level  string `json:"level"`  // "connecting", "connected", "stopped"
	Status string `json:"status"` // freeform short code
	TS     int64  `json:"ts_ms"`
}

// ---- Muscle telemetry ----

// MuscleState is one sensor sample of a single muscle.
type MuscleState struct {
	TendonDisplacement float32 `json:"tendonDisplacement" cbor:"1,keyasint"`
	ActuatorCurrent    float32 `json:"actuatorCurrent" cbor:"2,keyasint"`
	ActuatorVel        float32 `json:"actuatorVel" cbor:"3,keyasint"`
	ActuatorPos        float32 `json:"actuatorPos" cbor:"4,keyasint"`
	JointPos           float32 `json:"jointPos" cbor:"5,keyasint"`
}

// ---- Move service ----

// Action keywords accepted by the move service.
const (
	ActionMoveTo   = "move to"
	ActionMoveWith = "move with"
	ActionKeep     = "keep"
)

type MoveRequest struct {
	Ganglion int     `json:"ganglion"`
	Muscle   int     `json:"muscle"`
	Action   string  `json:"action"`
	Setpoint float64 `json:"setpoint"`
}

type MoveReply struct {
	IsSuccess bool   `json:"is_success"`
	Error     string `json:"error,omitempty"` // machine-readable short code
}
