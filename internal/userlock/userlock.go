// Package userlock provides per-user exclusive locks shared by the gateway
// tool handlers and the worker sync cycles. The two run as separate
// processes against the same storage tree, so each in-process mutex is
// paired with a flock(2) on a lock file under the user's storage directory.
// Contention is resolved by waiting, never by failing the caller.
package userlock

import (
	"os"
	"path/filepath"
	"sync"

	"github.com/gofrs/flock"
	"github.com/rs/zerolog/log"
)

// LockFileName sits next to the user's vault, outside it, so it never shows
// up in listings or gets committed.
const LockFileName = ".sync.lock"

type userLock struct {
	mu sync.Mutex
	fl *flock.Flock
}

// Set is a keyed lock: one per user ID, created on first use and never
// released. The number of users is small and bounded by the storage tree.
// Two Sets over the same root serialize against each other through the lock
// files, even across processes.
type Set struct {
	root  string
	mu    sync.Mutex
	locks map[string]*userLock
}

func NewSet(root string) *Set {
	return &Set{root: root, locks: make(map[string]*userLock)}
}

func (s *Set) lockFor(userID string) *userLock {
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.locks[userID]
	if !ok {
		l = &userLock{fl: flock.New(filepath.Join(s.root, userID, LockFileName))}
		s.locks[userID] = l
	}
	return l
}

// Lock acquires the exclusive lock for userID, blocking until it is free in
// this process and in any other process sharing the storage tree. A failure
// to take the file lock degrades to in-process locking.
func (s *Set) Lock(userID string) {
	l := s.lockFor(userID)
	l.mu.Lock()

	if err := os.MkdirAll(filepath.Join(s.root, userID), 0o755); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("creating lock file directory failed")
		return
	}
	if err := l.fl.Lock(); err != nil {
		log.Warn().Err(err).Str("user", userID).Msg("acquiring file lock failed")
	}
}

// Unlock releases the lock for userID.
func (s *Set) Unlock(userID string) {
	l := s.lockFor(userID)
	if l.fl.Locked() {
		if err := l.fl.Unlock(); err != nil {
			log.Warn().Err(err).Str("user", userID).Msg("releasing file lock failed")
		}
	}
	l.mu.Unlock()
}
