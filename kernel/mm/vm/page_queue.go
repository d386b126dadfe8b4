package vm

import (
	"sync/atomic"

	ksync "vmcore/kernel/sync"
)

// pageQueue is an intrusive list of page descriptors linked through their
// queueNext/queuePrev indices. All mutating methods require the queue lock.
type pageQueue struct {
	name  string
	lock  ksync.Spinlock
	head  int32
	tail  int32
	count atomic.Int32
}

func (q *pageQueue) init(name string) {
	q.name = name
	q.head = nilPageIndex
	q.tail = nilPageIndex
}

// Count returns the number of pages in the queue.
func (q *pageQueue) Count() uint32 {
	return uint32(q.count.Load())
}

func (q *pageQueue) append(pages []Page, p *Page) {
	idx := int32(p.PhysicalPageNumber)
	p.queueNext = nilPageIndex
	p.queuePrev = q.tail
	if q.tail == nilPageIndex {
		q.head = idx
	} else {
		pages[q.tail].queueNext = idx
	}
	q.tail = idx
	q.count.Add(1)
}

func (q *pageQueue) prepend(pages []Page, p *Page) {
	idx := int32(p.PhysicalPageNumber)
	p.queuePrev = nilPageIndex
	p.queueNext = q.head
	if q.head == nilPageIndex {
		q.tail = idx
	} else {
		pages[q.head].queuePrev = idx
	}
	q.head = idx
	q.count.Add(1)
}

func (q *pageQueue) remove(pages []Page, p *Page) {
	if p.queuePrev == nilPageIndex {
		q.head = p.queueNext
	} else {
		pages[p.queuePrev].queueNext = p.queueNext
	}

	if p.queueNext == nilPageIndex {
		q.tail = p.queuePrev
	} else {
		pages[p.queueNext].queuePrev = p.queuePrev
	}

	p.queueNext = nilPageIndex
	p.queuePrev = nilPageIndex
	q.count.Add(-1)
}

func (q *pageQueue) first(pages []Page) *Page {
	if q.head == nilPageIndex {
		return nil
	}
	return &pages[q.head]
}

func (q *pageQueue) next(pages []Page, p *Page) *Page {
	if p.queueNext == nilPageIndex {
		return nil
	}
	return &pages[p.queueNext]
}

// requeue moves p to the tail (or head) of the queue.
func (q *pageQueue) requeue(pages []Page, p *Page, tail bool) {
	q.remove(pages, p)
	if tail {
		q.append(pages, p)
	} else {
		q.prepend(pages, p)
	}
}
