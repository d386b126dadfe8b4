package vm

// Reservation is a caller owned count of pages that have been set aside for
// the caller and not yet allocated. Every page counted by a reservation can
// be allocated with AllocatePage without failing.
type Reservation struct {
	// Count is the number of reserved, not yet allocated pages.
	Count uint32

	// ThreadPriority orders blocked reservations of the same reserve
	// priority; higher values are served first.
	ThreadPriority int32
}

// reservationWaiter describes a caller blocked in ReservePages. It is owned
// by the blocked caller and linked into Manager.waiters while it waits.
type reservationWaiter struct {
	dontTouch      uint32
	missing        uint32
	reserved       uint32
	threadPriority int32
	wake           chan struct{}
}

// before reports whether w must be served ahead of other.
func (w *reservationWaiter) before(other *reservationWaiter) bool {
	if w.dontTouch != other.dontTouch {
		return w.dontTouch < other.dontTouch
	}
	return w.threadPriority > other.threadPriority
}

// reserveSomePages takes up to count pages out of the unreserved pool
// without letting it drop below dontTouch and returns how many were taken.
func (m *Manager) reserveSomePages(count, dontTouch uint32) uint32 {
	for {
		free := m.unreservedFreePages.Load()
		if free <= int32(dontTouch) {
			return 0
		}

		toReserve := uint32(free) - dontTouch
		if toReserve > count {
			toReserve = count
		}

		if m.unreservedFreePages.CompareAndSwap(free, free-int32(toReserve)) {
			return toReserve
		}
	}
}

// reservePages reserves count pages at priority and returns the number of
// pages that could not be reserved. It returns 0 after blocking unless
// dontWait is set. Pages that were reserved are never handed back.
func (m *Manager) reservePages(count uint32, priority Priority, threadPriority int32, dontWait bool) uint32 {
	if count == 0 {
		return 0
	}

	dontTouch := m.cfg.PageReserveForPriority[priority]
	missing := count - m.reserveSomePages(count, dontTouch)
	if missing == 0 {
		return 0
	}

	// Free cached pages unless others are already waiting; they are first
	// in line for any pages that become available.
	if m.unsatisfiedPageReservations.Load() == 0 {
		missing -= m.freeCachedPages(missing, dontWait)
		if missing == 0 {
			return 0
		}
	}

	if dontWait {
		return missing
	}

	m.waiterLock.Acquire()

	notifyDaemon := m.unsatisfiedPageReservations.Load() == 0
	m.unsatisfiedPageReservations.Add(int32(missing))

	// Pages may have been unreserved before the shortfall was published.
	if got := m.reserveSomePages(missing, dontTouch); got != 0 {
		m.unsatisfiedPageReservations.Add(-int32(got))
		missing -= got
		if missing == 0 {
			m.waiterLock.Release()
			return 0
		}
	}

	w := &reservationWaiter{
		dontTouch:      dontTouch,
		missing:        missing,
		reserved:       count - missing,
		threadPriority: threadPriority,
		wake:           make(chan struct{}),
	}
	m.insertWaiter(w)
	m.stealReservations(w)

	if w.missing == 0 {
		m.removeWaiter(w)
		m.waiterLock.Release()
		return 0
	}

	m.waiterLock.Release()

	if notifyDaemon {
		m.WakeUpPageDaemon()
	}

	<-w.wake
	return 0
}

// insertWaiter links w into the waiter list after all waiters that must be
// served before it. The caller must hold waiterLock.
func (m *Manager) insertWaiter(w *reservationWaiter) {
	pos := len(m.waiters)
	for i, other := range m.waiters {
		if w.before(other) {
			pos = i
			break
		}
	}

	m.waiters = append(m.waiters, nil)
	copy(m.waiters[pos+1:], m.waiters[pos:])
	m.waiters[pos] = w
}

func (m *Manager) removeWaiter(w *reservationWaiter) {
	for i, other := range m.waiters {
		if other == w {
			copy(m.waiters[i:], m.waiters[i+1:])
			m.waiters[len(m.waiters)-1] = nil
			m.waiters = m.waiters[:len(m.waiters)-1]
			return
		}
	}
}

// stealReservations moves partially reserved pages from waiters that sort
// behind w to w, starting with the least privileged one. The total number
// of unsatisfied pages does not change. The caller must hold waiterLock.
func (m *Manager) stealReservations(w *reservationWaiter) {
	for i := len(m.waiters) - 1; i >= 0 && w.missing > 0; i-- {
		other := m.waiters[i]
		if other == w {
			return
		}

		stolen := other.reserved
		if stolen > w.missing {
			stolen = w.missing
		}
		other.reserved -= stolen
		other.missing += stolen
		w.reserved += stolen
		w.missing -= stolen
	}
}

// wakeUpWaiters hands unreserved pages to the waiters in priority order.
// The caller must hold waiterLock.
func (m *Manager) wakeUpWaiters() {
	for len(m.waiters) > 0 {
		w := m.waiters[0]
		reserved := m.reserveSomePages(w.missing, w.dontTouch)
		if reserved == 0 {
			return
		}

		m.unsatisfiedPageReservations.Add(-int32(reserved))
		w.missing -= reserved
		w.reserved += reserved
		if w.missing > 0 {
			return
		}

		m.removeWaiter(w)
		close(w.wake)
	}
}

// unreservePages returns count pages to the unreserved pool and services
// blocked reservations.
func (m *Manager) unreservePages(count uint32) {
	if count == 0 {
		return
	}

	m.unreservedFreePages.Add(int32(count))
	if m.unsatisfiedPageReservations.Load() != 0 {
		m.waiterLock.Acquire()
		m.wakeUpWaiters()
		m.waiterLock.Release()
	}
}

// ReservePages adds count pages to r, blocking until they are available.
// The caller must not hold any cache lock.
func (m *Manager) ReservePages(r *Reservation, count uint32, priority Priority) {
	m.reservePages(count, priority, r.ThreadPriority, false)
	r.Count += count
}

// ReservePagesOrShortfall behaves like ReservePages when dontWait is false.
// With dontWait set it never blocks: the pages that could be reserved are
// added to r and the number of pages still missing is returned.
func (m *Manager) ReservePagesOrShortfall(r *Reservation, count uint32, priority Priority, dontWait bool) uint32 {
	missing := m.reservePages(count, priority, r.ThreadPriority, dontWait)
	r.Count += count - missing
	return missing
}

// TryReservePages reserves count pages without blocking. On failure any
// partially reserved pages are returned and false is reported.
func (m *Manager) TryReservePages(r *Reservation, count uint32, priority Priority) bool {
	missing := m.reservePages(count, priority, r.ThreadPriority, true)
	if missing != 0 {
		m.unreservePages(count - missing)
		return false
	}

	r.Count += count
	return true
}

// UnreservePages returns all pages still held by r.
func (m *Manager) UnreservePages(r *Reservation) {
	count := r.Count
	r.Count = 0
	m.unreservePages(count)
}

// UnreservedFreePages returns the number of free pages not promised to any
// reservation.
func (m *Manager) UnreservedFreePages() int32 {
	return m.unreservedFreePages.Load()
}

// UnsatisfiedReservations returns the number of pages blocked reservations
// are still waiting for.
func (m *Manager) UnsatisfiedReservations() int32 {
	return m.unsatisfiedPageReservations.Load()
}

// ReservationWaiters returns the number of blocked reservations.
func (m *Manager) ReservationWaiters() int {
	m.waiterLock.Acquire()
	defer m.waiterLock.Release()
	return len(m.waiters)
}
