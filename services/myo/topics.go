package myo

import (
	"myoblink/bus"
	"myoblink/flexray"
)

const (
	tokStatus  = "numberOfGanglionsConnected"
	tokMuscles = "muscles"
	tokSensors = "sensors"
	tokMove    = "move"
	tokState   = "state"
)

// StatusTopic carries the retained startup status string.
func StatusTopic(name string) bus.Topic { return bus.T(name, tokStatus) }

// SensorsTopic carries the retained latest sample of one muscle. Ganglion and
// muscle are int tokens.
func SensorsTopic(name string, a flexray.Address) bus.Topic {
	return bus.T(name, tokMuscles, a.Ganglion, a.Muscle, tokSensors)
}

// AllSensors matches every muscle's sensors topic.
func AllSensors(name string) bus.Topic {
	return bus.T(name, tokMuscles, bus.WildOne, bus.WildOne, tokSensors)
}

// SensorsAddress extracts the muscle address from a sensors topic.
func SensorsAddress(t bus.Topic) (flexray.Address, bool) {
	if t.Len() != 5 || t.At(1) != tokMuscles || t.At(4) != tokSensors {
		return flexray.Address{}, false
	}
	g, ok1 := t.At(2).(int)
	m, ok2 := t.At(3).(int)
	if !ok1 || !ok2 {
		return flexray.Address{}, false
	}
	return flexray.Address{Ganglion: g, Muscle: m}, true
}

// MoveTopic accepts types.MoveRequest requests.
func MoveTopic(name string) bus.Topic { return bus.T(name, tokMove) }

// StateTopic carries the retained types.NodeState.
func StateTopic(name string) bus.Topic { return bus.T(name, tokState) }
