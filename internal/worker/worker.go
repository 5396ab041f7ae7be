// Package worker decides which process of a replicated service runs
// singleton-scoped tasks.
package worker

import (
	"fmt"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Lock is a non-blocking advisory file lock named after a service role. The
// first process to acquire it is the leader; the lock is released on process
// exit and the next process to start takes over.
type Lock struct {
	fl     *flock.Flock
	leader bool
}

// Acquire tries to take the lock for the given service without blocking.
func Acquire(dir, service string) (*Lock, error) {
	path := filepath.Join(dir, fmt.Sprintf("worker-%s.lock", service))
	fl := flock.New(path)

	leader, err := fl.TryLock()
	if err != nil {
		return nil, fmt.Errorf("acquiring worker lock %s: %w", path, err)
	}
	return &Lock{fl: fl, leader: leader}, nil
}

// IsLeader reports whether this process holds the lock.
func (l *Lock) IsLeader() bool {
	return l != nil && l.leader
}

// Release drops the lock if held.
func (l *Lock) Release() error {
	if l == nil || !l.leader {
		return nil
	}
	return l.fl.Unlock()
}
