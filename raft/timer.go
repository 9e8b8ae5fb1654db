package raft

import (
	"math/rand"
	"sync"
	"time"
)

// electionTimer is a single-shot, cancellable election alarm. Every Reset
// cancels the pending alarm before arming a new one, and a fire from a
// superseded alarm is dropped by comparing generations.
type electionTimer struct {
	mu      sync.Mutex
	timer   *time.Timer
	gen     uint64
	blocked bool
	closed  bool
	min     time.Duration
	max     time.Duration
	rand    *rand.Rand
	fire    func(gen uint64)
}

// newElectionTimer arms nothing until Reset. fire receives the generation of
// the alarm, which the callback can check with Current under its own lock.
func newElectionTimer(min, max time.Duration, fire func(gen uint64)) *electionTimer {
	return &electionTimer{
		min:  min,
		max:  max,
		rand: rand.New(rand.NewSource(time.Now().UnixNano())),
		fire: fire,
	}
}

// timeout samples uniformly from [min, max]. Expects t.mu to be locked.
func (t *electionTimer) timeout() time.Duration {
	if t.max <= t.min {
		return t.min
	}
	return t.min + time.Duration(t.rand.Int63n(int64(t.max-t.min)+1))
}

func (t *electionTimer) cancelLocked() {
	t.gen++
	if t.timer != nil {
		t.timer.Stop()
		t.timer = nil
	}
}

// Reset re-arms the timer with a freshly sampled timeout.
func (t *electionTimer) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
	if t.blocked || t.closed {
		return
	}
	gen := t.gen
	t.timer = time.AfterFunc(t.timeout(), func() {
		t.mu.Lock()
		if gen != t.gen || t.blocked || t.closed {
			t.mu.Unlock()
			return
		}
		t.timer = nil
		t.mu.Unlock()
		t.fire(gen)
	})
}

// Current reports whether gen is still the live alarm: not superseded by a
// Reset or Stop, and the timer is neither blocked nor closed.
func (t *electionTimer) Current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return gen == t.gen && !t.blocked && !t.closed
}

// Stop cancels the pending alarm, if any.
func (t *electionTimer) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cancelLocked()
}

// Block freezes the timer until Unblock. Resets while blocked are no-ops.
func (t *electionTimer) Block() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.blocked = true
	t.cancelLocked()
}

func (t *electionTimer) Unblock() {
	t.mu.Lock()
	t.blocked = false
	t.mu.Unlock()
	t.Reset()
}

func (t *electionTimer) Blocked() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.blocked
}

// Armed reports whether an alarm is pending.
func (t *electionTimer) Armed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.timer != nil
}

func (t *electionTimer) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	t.cancelLocked()
}
