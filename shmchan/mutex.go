package shmchan

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cyberinferno/go-netcore/logger"
)

const (
	lockSpins = 64

	// lockWaitSlice bounds a futex sleep so a waiter re-checks whether the
	// owner is still alive.
	lockWaitSlice = 10 * time.Millisecond
)

// locker serializes mutations of the channel.
type locker interface {
	Lock()
	Unlock()
}

// localMutex guards channels that never leave the process.
type localMutex struct {
	sync.Mutex
}

// robustMutex is a futex lock stored in the shared header. The lock word
// holds the owner's pid; a waiter that finds the owner dead takes the lock
// over, so a crashed process cannot wedge the channel.
type robustMutex struct {
	word    *uint32
	waiters *uint32
	self    uint32
	log     logger.Logger

	// onTakeover runs with the lock held after it was taken from a dead
	// owner.
	onTakeover func(owner uint32)
}

func newRobustMutex(h *header, self uint32, log logger.Logger) *robustMutex {
	return &robustMutex{
		word:    &h.lock,
		waiters: &h.waiters,
		self:    self,
		log:     log,
	}
}

func (m *robustMutex) Lock() {
	for spins := 0; ; spins++ {
		owner := atomic.LoadUint32(m.word)
		if owner == 0 {
			if atomic.CompareAndSwapUint32(m.word, 0, m.self) {
				return
			}
			continue
		}

		if owner != m.self && !pidAlive(owner) {
			if atomic.CompareAndSwapUint32(m.word, owner, m.self) {
				m.log.Warn("took over channel lock from dead owner",
					logger.F("owner_pid", owner),
					logger.F("pid", m.self))
				if m.onTakeover != nil {
					m.onTakeover(owner)
				}
				return
			}
			continue
		}

		if spins < lockSpins {
			runtime.Gosched()
			continue
		}

		atomic.AddUint32(m.waiters, 1)
		if err := futexWait(m.word, owner, lockWaitSlice); err != nil {
			m.log.Debug("channel lock wait failed", logger.F("error", err))
		}
		atomic.AddUint32(m.waiters, ^uint32(0))
	}
}

func (m *robustMutex) Unlock() {
	atomic.StoreUint32(m.word, 0)
	if atomic.LoadUint32(m.waiters) == 0 {
		return
	}

	if _, err := futexWake(m.word, 1); err != nil {
		m.log.Debug("channel lock wake failed", logger.F("error", err))
	}
}
