package flexray

import "strconv"

// MusclesPerGanglion is the number of muscle slots on one ganglion.
const MusclesPerGanglion = 4

// Address identifies exactly one muscle on the bus.
type Address struct {
	Ganglion int
	Muscle   int
}

func (a Address) Valid() bool {
	return a.Ganglion >= 0 && a.Muscle >= 0 && a.Muscle < MusclesPerGanglion
}

func (a Address) String() string {
	return strconv.Itoa(a.Ganglion) + "/" + strconv.Itoa(a.Muscle)
}
