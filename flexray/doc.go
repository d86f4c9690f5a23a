// Package flexray describes the muscle bus: the bridge topology (BusDescription),
// actuator addressing, control modes and the Driver/Session contract a concrete
// bridge implementation fulfils.
//
// A Session exists only while the underlying transport is live. It is owned by
// exactly one goroutine at a time; implementations are not required to be safe
// for concurrent use.
package flexray
