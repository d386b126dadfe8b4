package vm

import (
	"io"
	"sort"
	"strconv"
	"strings"

	"vmcore/kernel"
	"vmcore/kernel/kfmt"
	"vmcore/kernel/mm"
)

// DebugCommand describes a debugger command.
type DebugCommand struct {
	Name  string
	Usage string
	Help  string
}

type debugCommandFn func(m *Manager, w io.Writer, args []string) *kernel.Error

var debugCommands = map[string]struct {
	usage string
	help  string
	run   debugCommandFn
}{
	"page_table":       {"[<first frame> [<count>]]", "dump the page registry", dumpPageTable},
	"page":             {"<frame>", "dump a page descriptor", dumpPage},
	"page_queue":       {"<queue> [-a]", "dump a page queue; -a lists its pages", dumpPageQueue},
	"page_stats":       {"", "dump page statistics", dumpPageStats},
	"page_allocations": {"", "dump live pages per allocation site", dumpPageAllocations},
	"cache":            {"<id> [-p]", "dump a cache; -p lists its pages", dumpCache},
	"cache_tree":       {"<id>", "dump the cache tree containing a cache", dumpCacheTree},
}

// DebugCommands returns the available debugger commands sorted by name.
func (m *Manager) DebugCommands() []DebugCommand {
	cmds := make([]DebugCommand, 0, len(debugCommands))
	for name, cmd := range debugCommands {
		cmds = append(cmds, DebugCommand{Name: name, Usage: cmd.usage, Help: cmd.help})
	}
	sort.Slice(cmds, func(i, j int) bool { return cmds[i].Name < cmds[j].Name })
	return cmds
}

// RunDebugCommand runs the debugger command name with args and writes its
// output to w.
func (m *Manager) RunDebugCommand(w io.Writer, name string, args ...string) *kernel.Error {
	cmd, ok := debugCommands[name]
	if !ok {
		return ErrUnknownCommand
	}
	return cmd.run(m, w, args)
}

func parseNumber(s string) (uint64, *kernel.Error) {
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, ErrInvalidArgument
	}
	return v, nil
}

func dumpPageTable(m *Manager, w io.Writer, args []string) *kernel.Error {
	first, count := uint64(0), uint64(len(m.pages))
	if len(args) > 0 {
		v, err := parseNumber(args[0])
		if err != nil {
			return err
		}
		first = v
	}
	if len(args) > 1 {
		v, err := parseNumber(args[1])
		if err != nil {
			return err
		}
		count = v
	}

	if first > uint64(len(m.pages)) {
		first = uint64(len(m.pages))
	}
	if end := uint64(len(m.pages)); count > end-first {
		count = end - first
	}

	kfmt.Fprintf(w, "%-10s %-9s %-6s %-5s %-5s %s\n", "frame", "state", "busy", "wired", "usage", "cache")
	for i := first; i < first+count; i++ {
		p := &m.pages[i]
		kfmt.Fprintf(w, "0x%-8x %-9s %-6t %-5d %-5d %s\n",
			uint64(p.PhysicalPageNumber), p.State(), p.busy.Load(), p.wiredCount, p.usageCount, cacheName(p.Cache()))
	}
	return nil
}

func dumpPage(m *Manager, w io.Writer, args []string) *kernel.Error {
	if len(args) != 1 {
		return ErrInvalidArgument
	}
	frame, err := parseNumber(args[0])
	if err != nil {
		return err
	}

	p := m.LookupPage(mm.Frame(frame))
	if p == nil {
		return ErrBadAddress
	}

	kfmt.Fprintf(w, "page 0x%x (%s)\n", uint64(p.PhysicalPageNumber), mm.Size(uint64(p.PhysicalPageNumber)<<mm.PageShift))
	kfmt.Fprintf(w, "  state:        %s\n", p.State())
	kfmt.Fprintf(w, "  cache:        %s\n", cacheName(p.Cache()))
	kfmt.Fprintf(w, "  cache_offset: 0x%x\n", p.cacheOffset)
	kfmt.Fprintf(w, "  wired_count:  %d\n", p.wiredCount)
	kfmt.Fprintf(w, "  usage_count:  %d\n", p.usageCount)
	kfmt.Fprintf(w, "  busy:         %t\n", p.busy.Load())
	kfmt.Fprintf(w, "  busy_writing: %t\n", p.busyWriting.Load())
	kfmt.Fprintf(w, "  accessed:     %t\n", p.accessed || p.hwAccessed.Load())
	kfmt.Fprintf(w, "  modified:     %t\n", p.Modified())
	kfmt.Fprintf(w, "  mappings:     %d\n", len(p.mappings))
	for _, a := range p.mappings {
		kfmt.Fprintf(w, "    area %d %q\n", a.ID, a.Name)
	}
	if p.allocSite != "" {
		kfmt.Fprintf(w, "  allocated at: %s\n", p.allocSite)
	}
	return nil
}

func dumpPageQueue(m *Manager, w io.Writer, args []string) *kernel.Error {
	if len(args) == 0 || len(args) > 2 || (len(args) == 2 && args[1] != "-a") {
		return ErrInvalidArgument
	}

	var q *pageQueue
	for i := range m.queues {
		if m.queues[i].name == strings.ToLower(args[0]) {
			q = &m.queues[i]
		}
	}
	if q == nil {
		return ErrInvalidArgument
	}

	q.lock.Acquire()
	defer q.lock.Release()

	kfmt.Fprintf(w, "queue %s: head %d, tail %d, count %d\n", q.name, q.head, q.tail, q.Count())
	if len(args) < 2 {
		return nil
	}

	kfmt.Fprintf(w, "%-10s %-24s %-9s %-5s %s\n", "frame", "cache", "state", "wired", "usage")
	for p := q.first(m.pages); p != nil; p = q.next(m.pages, p) {
		kfmt.Fprintf(w, "0x%-8x %-24s %-9s %-5d %d\n",
			uint64(p.PhysicalPageNumber), cacheName(p.Cache()), p.State(), p.wiredCount, p.usageCount)
	}
	return nil
}

func dumpPageStats(m *Manager, w io.Writer, _ []string) *kernel.Error {
	var counts, busy, modified [pageStateCount]uint64
	for i := range m.pages {
		p := &m.pages[i]
		state := p.State()
		counts[state]++
		if p.busy.Load() {
			busy[state]++
		}
		if p.Modified() {
			modified[state]++
		}
	}

	kfmt.Fprintf(w, "page stats:\n")
	kfmt.Fprintf(w, "total: %d\n", len(m.pages))
	for state := PageState(0); state < pageStateCount; state++ {
		kfmt.Fprintf(w, "%s: %d (busy: %d, modified: %d)\n", state, counts[state], busy[state], modified[state])
	}

	kfmt.Fprintf(w, "unreserved free pages: %d\n", m.unreservedFreePages.Load())
	kfmt.Fprintf(w, "unsatisfied page reservations: %d\n", m.unsatisfiedPageReservations.Load())
	kfmt.Fprintf(w, "free pages target: %d, free or cached target: %d, inactive target: %d\n",
		m.cfg.FreePagesTarget, m.cfg.FreeOrCachedPagesTarget, m.cfg.InactivePagesTarget)
	kfmt.Fprintf(w, "available memory: %s, needed memory: %s\n",
		mm.Size(m.AvailableMemory()), mm.Size(m.NeededMemory()))
	kfmt.Fprintf(w, "page faults: %d, despair level: %d, writer I/O priority: %d\n",
		m.pageFaults.Load(), m.despairLevel.Load(), m.writerIOPriority.Load())

	m.waiterLock.Acquire()
	kfmt.Fprintf(w, "waiting reservations: %d\n", len(m.waiters))
	for _, wt := range m.waiters {
		kfmt.Fprintf(w, "  missing: %6d, reserved: %6d, don't touch: %6d, priority: %d\n",
			wt.missing, wt.reserved, wt.dontTouch, wt.threadPriority)
	}
	m.waiterLock.Release()

	kfmt.Fprintf(w, "\n")
	for i := range m.queues {
		kfmt.Fprintf(w, "%s queue: count = %d\n", m.queues[i].name, m.queues[i].Count())
	}
	kfmt.Fprintf(w, "modified temporary pages: %d\n", m.modifiedTemporaryPages.Load())
	return nil
}

func dumpPageAllocations(m *Manager, w io.Writer, _ []string) *kernel.Error {
	m.DumpAllocationInfo(w)
	return nil
}

func lookupCacheArg(m *Manager, arg string) (*Cache, *kernel.Error) {
	id, err := parseNumber(arg)
	if err != nil {
		return nil, err
	}

	c := m.LookupCache(int32(id))
	if c == nil {
		return nil, ErrInvalidArgument
	}
	return c, nil
}

func dumpCache(m *Manager, w io.Writer, args []string) *kernel.Error {
	if len(args) == 0 || len(args) > 2 || (len(args) == 2 && args[1] != "-p") {
		return ErrInvalidArgument
	}

	c, err := lookupCacheArg(m, args[0])
	if err != nil {
		return err
	}

	c.Dump(w, len(args) == 2)
	return nil
}

func dumpCacheTree(m *Manager, w io.Writer, args []string) *kernel.Error {
	if len(args) != 1 {
		return ErrInvalidArgument
	}

	c, err := lookupCacheArg(m, args[0])
	if err != nil {
		return err
	}

	root := c
	for root.source != nil {
		root = root.source
	}

	dumpCacheTreeLevel(w, root, c, 0)
	return nil
}

func dumpCacheTreeLevel(w io.Writer, c, highlight *Cache, level int) {
	marker := ""
	if c == highlight {
		marker = " <--"
	}
	kfmt.Fprintf(w, "%s%s: %d pages, %d areas, ref %d%s\n",
		strings.Repeat("  ", level), cacheName(c), c.pageCount, len(c.areas), c.refCount, marker)

	for _, consumer := range c.consumers {
		dumpCacheTreeLevel(w, consumer, highlight, level+1)
	}
}
