package vm

import (
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"sync"

	"vmcore/kernel/kfmt"
)

// allocationTracker records the call site of every allocated page when
// allocation tracking is enabled.
type allocationTracker struct {
	enabled bool

	mu    sync.Mutex
	sites map[string]uint32
}

func (t *allocationTracker) init(enabled bool) {
	t.enabled = enabled
	t.sites = make(map[string]uint32)
}

// track attributes p to the caller skip frames up the stack.
func (t *allocationTracker) track(p *Page, skip int) {
	if !t.enabled {
		return
	}

	site := "unknown"
	if _, file, line, ok := runtime.Caller(skip); ok {
		site = fmt.Sprintf("%s:%d", filepath.Base(file), line)
	}

	t.mu.Lock()
	p.allocSite = site
	t.sites[site]++
	t.mu.Unlock()
}

func (t *allocationTracker) untrack(p *Page) {
	if !t.enabled || p.allocSite == "" {
		return
	}

	t.mu.Lock()
	if t.sites[p.allocSite]--; t.sites[p.allocSite] == 0 {
		delete(t.sites, p.allocSite)
	}
	p.allocSite = ""
	t.mu.Unlock()
}

// DumpAllocationInfo lists the number of live pages per allocation site,
// largest first.
func (m *Manager) DumpAllocationInfo(w io.Writer) {
	t := &m.allocations
	if !t.enabled {
		kfmt.Fprintf(w, "allocation tracking is disabled\n")
		return
	}

	type siteCount struct {
		site  string
		count uint32
	}

	t.mu.Lock()
	counts := make([]siteCount, 0, len(t.sites))
	var total uint32
	for site, count := range t.sites {
		counts = append(counts, siteCount{site, count})
		total += count
	}
	t.mu.Unlock()

	sort.Slice(counts, func(i, j int) bool {
		if counts[i].count != counts[j].count {
			return counts[i].count > counts[j].count
		}
		return counts[i].site < counts[j].site
	})

	for _, sc := range counts {
		kfmt.Fprintf(w, "%8d  %s\n", sc.count, sc.site)
	}
	kfmt.Fprintf(w, "total: %d pages from %d sites\n", total, len(counts))
}
