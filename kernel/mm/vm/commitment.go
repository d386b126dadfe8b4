package vm

import (
	"sync"
	"time"

	"vmcore/kernel"
)

// memoryCommitment tracks the bytes of memory and swap that caches have
// committed. Waiters for memory block on released until it is closed by the
// next UnreserveMemory call.
type memoryCommitment struct {
	mu        sync.Mutex
	available int64
	needed    int64
	released  chan struct{}
}

func (c *memoryCommitment) init(available int64) {
	c.available = available
	c.released = make(chan struct{})
}

// TryReserveMemory commits amount bytes at priority. If not enough memory is
// available it waits up to timeout for other commitments to be released and
// returns ErrNoMemory if that does not happen.
func (m *Manager) TryReserveMemory(amount int64, priority Priority, timeout time.Duration) *kernel.Error {
	c := &m.commit
	reserve := int64(m.cfg.MemoryReserveForPriority[priority])

	c.mu.Lock()
	if c.available >= amount+reserve {
		c.available -= amount
		c.mu.Unlock()
		return nil
	}

	if timeout <= 0 {
		c.mu.Unlock()
		return ErrNoMemory
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	for {
		c.needed += amount
		released := c.released
		c.mu.Unlock()

		// Memory may become available after reclaiming cached pages.
		m.WakeUpPageDaemon()

		var timedOut bool
		select {
		case <-released:
		case <-timer.C:
			timedOut = true
		}

		c.mu.Lock()
		c.needed -= amount
		if c.available >= amount+reserve {
			c.available -= amount
			c.mu.Unlock()
			return nil
		}

		if timedOut {
			c.mu.Unlock()
			return ErrNoMemory
		}
	}
}

// UnreserveMemory releases amount bytes of committed memory.
func (m *Manager) UnreserveMemory(amount int64) {
	c := &m.commit
	c.mu.Lock()
	c.available += amount
	close(c.released)
	c.released = make(chan struct{})
	c.mu.Unlock()
}

// AvailableMemory returns the number of bytes that can still be committed.
func (m *Manager) AvailableMemory() int64 {
	m.commit.mu.Lock()
	defer m.commit.mu.Unlock()
	return m.commit.available
}

// NeededMemory returns the number of bytes blocked commitments wait for.
func (m *Manager) NeededMemory() int64 {
	m.commit.mu.Lock()
	defer m.commit.mu.Unlock()
	return m.commit.needed
}
