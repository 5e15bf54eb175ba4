package crawler

// frontierItem is one URL awaiting a visit.
type frontierItem struct {
	URL   string // normalized form
	Depth int
}

// frontier is the BFS work queue. Deduplication happens on push against
// the set of every normalized URL ever enqueued, so a URL is visited at
// most once no matter how many pages link to it. The frontier is owned
// by exactly one crawl and is deliberately unsynchronized.
type frontier struct {
	items []frontierItem
	seen  map[string]struct{}
}

func newFrontier() *frontier {
	return &frontier{
		seen: make(map[string]struct{}),
	}
}

// Push enqueues a normalized URL unless it was already seen. Reports
// whether the URL was accepted.
func (f *frontier) Push(normalized string, depth int) bool {
	if _, dup := f.seen[normalized]; dup {
		return false
	}
	f.seen[normalized] = struct{}{}
	f.items = append(f.items, frontierItem{URL: normalized, Depth: depth})
	return true
}

// Pop removes the oldest item. FIFO order keeps depths non-decreasing,
// which is what makes the walk breadth-first.
func (f *frontier) Pop() (frontierItem, bool) {
	if len(f.items) == 0 {
		return frontierItem{}, false
	}
	item := f.items[0]
	f.items = f.items[1:]
	return item, true
}

func (f *frontier) Len() int {
	return len(f.items)
}

// SeenCount returns how many distinct URLs have been enqueued.
func (f *frontier) SeenCount() int {
	return len(f.seen)
}
