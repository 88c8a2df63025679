package audio

import (
	"sync"
	"sync/atomic"
)

// Gate is the robot-audio permission gate. It outlives any individual
// [RobotSource] instance: the orchestrator owns the gate while sources come
// and go with source switches. Closing the gate drops the active robot
// connection in addition to rejecting new ones.
//
// Safe for concurrent use.
type Gate struct {
	open atomic.Bool

	mu          sync.Mutex
	closeActive func()
}

// NewGate returns a closed gate.
func NewGate() *Gate { return &Gate{} }

// Open permits robot audio connections.
func (g *Gate) Open() { g.open.Store(true) }

// Close rejects new robot audio connections and drops the active one.
func (g *Gate) Close() {
	g.open.Store(false)
	g.mu.Lock()
	closer := g.closeActive
	g.mu.Unlock()
	if closer != nil {
		closer()
	}
}

// IsOpen reports whether robot audio connections are permitted.
func (g *Gate) IsOpen() bool { return g.open.Load() }

// bind installs the hook that drops the currently active connection.
// Passing nil clears the hook.
func (g *Gate) bind(closer func()) {
	g.mu.Lock()
	g.closeActive = closer
	g.mu.Unlock()
}
