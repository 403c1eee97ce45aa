package client

// Window is a bounded set of recently seen event ids with FIFO eviction.
type Window struct {
	size  int
	order []string
	next  int
	seen  map[string]struct{}
}

// NewWindow creates a Window holding at most size ids.
func NewWindow(size int) *Window {
	if size <= 0 {
		size = 1000
	}
	return &Window{
		size:  size,
		order: make([]string, 0, size),
		seen:  make(map[string]struct{}, size),
	}
}

// Seen reports whether id is in the window.
func (w *Window) Seen(id string) bool {
	_, ok := w.seen[id]
	return ok
}

// Add records id, evicting the oldest id when full.
func (w *Window) Add(id string) {
	if w.Seen(id) {
		return
	}
	if len(w.order) < w.size {
		w.order = append(w.order, id)
	} else {
		delete(w.seen, w.order[w.next])
		w.order[w.next] = id
		w.next = (w.next + 1) % w.size
	}
	w.seen[id] = struct{}{}
}

// Len returns the number of ids held.
func (w *Window) Len() int {
	return len(w.seen)
}
