package supervisor

import (
	"sync"
	"time"
)

// Status is a point-in-time view of the supervised gateway.
type Status struct {
	ContainerID string     `json:"containerId"`
	Restarts    int        `json:"restarts"`
	StartedAt   time.Time  `json:"startedAt"`
	LastExit    *int       `json:"lastExit,omitempty"`
	ExitedAt    *time.Time `json:"exitedAt,omitempty"`
}

// gatewayState holds the runtime state of the gateway container with
// thread-safe access.
type gatewayState struct {
	mu sync.RWMutex
	st Status

	// attempt counts consecutive respawns without a stable run.
	attempt int
}

func (g *gatewayState) setContainer(id string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st.ContainerID = id
}

func (g *gatewayState) containerID() string {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st.ContainerID
}

func (g *gatewayState) started(at time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st.StartedAt = at
}

// exited records an exit and returns the next respawn attempt number. The
// attempt counter resets when the container had been up for stableAfter.
func (g *gatewayState) exited(code int, at time.Time, stableAfter time.Duration) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st.LastExit = &code
	g.st.ExitedAt = &at
	if !g.st.StartedAt.IsZero() && at.Sub(g.st.StartedAt) >= stableAfter {
		g.attempt = 0
	}
	g.attempt++
	return g.attempt
}

func (g *gatewayState) restarted() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.st.Restarts++
}

func (g *gatewayState) snapshot() Status {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.st
}
