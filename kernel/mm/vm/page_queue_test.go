package vm

import (
	"testing"

	"vmcore/kernel/mm"
)

func queueFrames(q *pageQueue, pages []Page) []mm.Frame {
	var frames []mm.Frame
	for p := q.first(pages); p != nil; p = q.next(pages, p) {
		frames = append(frames, p.PhysicalPageNumber)
	}
	return frames
}

func TestPageQueue(t *testing.T) {
	type op struct {
		kind  string
		frame int
	}

	specs := []struct {
		ops    []op
		expSeq []mm.Frame
	}{
		{
			ops:    []op{{"append", 0}, {"append", 1}, {"append", 2}},
			expSeq: []mm.Frame{0, 1, 2},
		},
		{
			ops:    []op{{"prepend", 0}, {"prepend", 1}, {"append", 2}},
			expSeq: []mm.Frame{1, 0, 2},
		},
		{
			ops:    []op{{"append", 0}, {"append", 1}, {"append", 2}, {"remove", 1}},
			expSeq: []mm.Frame{0, 2},
		},
		{
			ops:    []op{{"append", 0}, {"append", 1}, {"remove", 0}, {"remove", 1}},
			expSeq: nil,
		},
		{
			ops:    []op{{"append", 0}, {"append", 1}, {"append", 2}, {"tail", 0}},
			expSeq: []mm.Frame{1, 2, 0},
		},
		{
			ops:    []op{{"append", 0}, {"append", 1}, {"append", 2}, {"head", 2}},
			expSeq: []mm.Frame{2, 0, 1},
		},
	}

	for specIndex, spec := range specs {
		pages := make([]Page, 4)
		for i := range pages {
			pages[i].PhysicalPageNumber = mm.Frame(i)
			pages[i].queueNext = nilPageIndex
			pages[i].queuePrev = nilPageIndex
		}

		var q pageQueue
		q.init("test")

		for _, o := range spec.ops {
			p := &pages[o.frame]
			switch o.kind {
			case "append":
				q.append(pages, p)
			case "prepend":
				q.prepend(pages, p)
			case "remove":
				q.remove(pages, p)
			case "tail":
				q.requeue(pages, p, true)
			case "head":
				q.requeue(pages, p, false)
			}
		}

		got := queueFrames(&q, pages)
		if len(got) != len(spec.expSeq) {
			t.Errorf("[spec %d] expected queue %v; got %v", specIndex, spec.expSeq, got)
			continue
		}
		for i := range got {
			if got[i] != spec.expSeq[i] {
				t.Errorf("[spec %d] expected queue %v; got %v", specIndex, spec.expSeq, got)
				break
			}
		}

		if exp := uint32(len(spec.expSeq)); q.Count() != exp {
			t.Errorf("[spec %d] expected count %d; got %d", specIndex, exp, q.Count())
		}

		if len(spec.expSeq) == 0 && (q.head != nilPageIndex || q.tail != nilPageIndex) {
			t.Errorf("[spec %d] expected empty queue to have no head and tail", specIndex)
		}
	}
}
