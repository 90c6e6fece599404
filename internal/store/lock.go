package store

import (
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// fileLock serializes access to the index file. It layers an in-process
// RWMutex (for goroutines sharing one Store) over an OS advisory flock (for
// independent processes opening the same file). flock state is per open file
// description, so the shared-holder count tracks when the OS lock may
// actually be dropped.
type fileLock struct {
	mu      sync.RWMutex
	stateMu sync.Mutex
	fd      int
	sharedN int
}

// Guard is a scoped lock acquisition. Release is idempotent so callers can
// both defer it and release early on the success path.
type Guard struct {
	lock      *fileLock
	exclusive bool
	once      sync.Once
	err       error
}

// Release drops the lock. Calling it more than once is a no-op.
func (g *Guard) Release() error {
	if g == nil {
		return nil
	}
	g.once.Do(func() {
		if g.exclusive {
			g.err = g.lock.unlockExclusive()
		} else {
			g.err = g.lock.unlockShared()
		}
		if g.err != nil {
			log.Error().Err(g.err).Bool("exclusive", g.exclusive).Msg("Failed to release index lock")
		}
	})
	return g.err
}

func (l *fileLock) lockShared() (*Guard, error) {
	l.mu.RLock()

	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.sharedN == 0 {
		if err := unix.Flock(l.fd, unix.LOCK_SH); err != nil {
			l.mu.RUnlock()
			return nil, fmt.Errorf("failed to acquire shared lock: %w", err)
		}
	}
	l.sharedN++
	return &Guard{lock: l}, nil
}

func (l *fileLock) unlockShared() error {
	l.stateMu.Lock()
	l.sharedN--
	var err error
	if l.sharedN == 0 {
		err = unix.Flock(l.fd, unix.LOCK_UN)
	}
	l.stateMu.Unlock()

	l.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("failed to release shared lock: %w", err)
	}
	return nil
}

func (l *fileLock) lockExclusive() (*Guard, error) {
	l.mu.Lock()
	if err := unix.Flock(l.fd, unix.LOCK_EX); err != nil {
		l.mu.Unlock()
		return nil, fmt.Errorf("failed to acquire exclusive lock: %w", err)
	}
	return &Guard{lock: l, exclusive: true}, nil
}

func (l *fileLock) unlockExclusive() error {
	err := unix.Flock(l.fd, unix.LOCK_UN)
	l.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to release exclusive lock: %w", err)
	}
	return nil
}

// LockShared blocks until a shared (read) lock on the index file is held and
// returns its guard. Shared holders exclude writers but not each other.
func (s *Store) LockShared() (*Guard, error) {
	return s.lock.lockShared()
}

// LockExclusive blocks until the exclusive (write) lock on the index file is
// held and returns its guard.
func (s *Store) LockExclusive() (*Guard, error) {
	return s.lock.lockExclusive()
}
