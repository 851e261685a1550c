package promptctx

// ring is a fixed-capacity FIFO of note strings. Adding beyond capacity
// evicts the oldest entry.
type ring struct {
	cap   int
	items []string
}

func newRing(capacity int) *ring {
	if capacity < 0 {
		capacity = 0
	}
	return &ring{cap: capacity}
}

func (r *ring) add(s string) {
	if r.cap == 0 {
		return
	}
	r.items = append(r.items, s)
	if len(r.items) > r.cap {
		r.items = r.items[len(r.items)-r.cap:]
	}
}

// recentFirst returns the entries newest to oldest.
func (r *ring) recentFirst() []string {
	out := make([]string, 0, len(r.items))
	for i := len(r.items) - 1; i >= 0; i-- {
		out = append(out, r.items[i])
	}
	return out
}

func (r *ring) len() int { return len(r.items) }
