// Package backendlock serializes entry into the native backend.
//
// The backend is single-threaded and non-reentrant: at most one call may be in
// flight at any time, across every bridge in the process. A Gate is that
// critical section. Operations that must run several native calls under one
// acquisition carry the Token they were handed instead of locking again.
package backendlock

import (
	"sync"
	"sync/atomic"
	"time"
)

var defaultGate = &Gate{}

// Default returns the process-wide gate.
func Default() *Gate { return defaultGate }

// Gate is a non-reentrant mutual exclusion gate around the native backend.
type Gate struct {
	mu     sync.Mutex
	holder atomic.Uint64 // serial of the current token, 0 when free
	serial atomic.Uint64

	// Stats
	acquisitions atomic.Uint64
	contended    atomic.Uint64
	waited       atomic.Int64 // nanoseconds spent blocked in Acquire
}

// Stats is a snapshot of gate usage.
type Stats struct {
	Acquisitions uint64
	Contended    uint64
	Waited       time.Duration
}

// Token proves the holder owns the gate. It is only valid until Release.
type Token struct {
	g      *Gate
	serial uint64
}

// Acquire blocks until the gate is free and returns the token for it.
// There is no timeout; callers that need one must not issue the call.
func (g *Gate) Acquire() *Token {
	if !g.mu.TryLock() {
		g.contended.Add(1)
		start := time.Now()
		g.mu.Lock()
		g.waited.Add(int64(time.Since(start)))
	}
	g.acquisitions.Add(1)

	t := &Token{g: g, serial: g.serial.Add(1)}
	g.holder.Store(t.serial)
	return t
}

// Release frees the gate. Releasing a token twice panics; it means two code
// paths believed they owned the backend.
func (t *Token) Release() {
	if !t.g.holder.CompareAndSwap(t.serial, 0) {
		panic("backendlock: release of a token that does not hold the gate")
	}
	t.g.mu.Unlock()
}

// Held reports whether the token still owns its gate.
func (t *Token) Held() bool {
	return t != nil && t.g.holder.Load() == t.serial
}

// Do acquires the gate, runs fn and releases the gate on every exit path,
// including a panic in fn.
func (g *Gate) Do(fn func(*Token) error) error {
	t := g.Acquire()
	defer t.Release()
	return fn(t)
}

// Do runs fn under the token when it still holds the gate, without locking
// again. A nil or released token falls back to a fresh acquisition of gate g.
func (t *Token) Do(g *Gate, fn func(*Token) error) error {
	if t.Held() && t.g == g {
		return fn(t)
	}
	return g.Do(fn)
}

// Stats returns a snapshot of the gate counters.
func (g *Gate) Stats() Stats {
	return Stats{
		Acquisitions: g.acquisitions.Load(),
		Contended:    g.contended.Load(),
		Waited:       time.Duration(g.waited.Load()),
	}
}
