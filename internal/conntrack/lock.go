package conntrack

import (
	"sync"
	"time"
)

const (
	// DefaultLockTimeout is the wall-clock budget for acquiring the table lock.
	DefaultLockTimeout = 100 * time.Millisecond

	lockRetryInterval = time.Millisecond
)

// boundedRWMutex is a sync.RWMutex whose acquisition gives up after timeout.
// There is no fairness beyond what the retry loop provides.
type boundedRWMutex struct {
	mu      sync.RWMutex
	timeout time.Duration
}

func (l *boundedRWMutex) lock() bool {
	return l.acquire(l.mu.TryLock)
}

func (l *boundedRWMutex) unlock() {
	l.mu.Unlock()
}

func (l *boundedRWMutex) rlock() bool {
	return l.acquire(l.mu.TryRLock)
}

func (l *boundedRWMutex) runlock() {
	l.mu.RUnlock()
}

func (l *boundedRWMutex) acquire(try func() bool) bool {
	if try() {
		return true
	}

	deadline := time.Now().Add(l.timeout)
	for time.Now().Before(deadline) {
		time.Sleep(lockRetryInterval)
		if try() {
			return true
		}
	}
	return false
}
