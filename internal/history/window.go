package history

// window is a growable ring buffer of entries. It starts small and doubles
// up to the store's entry cap, so one-shot fingerprints stay cheap while
// busy ones never reallocate past the cap.
type window struct {
	buf   []Entry
	head  int
	count int
}

func newWindow(maxEntries int) *window {
	size := 8
	if size > maxEntries {
		size = maxEntries
	}
	return &window{buf: make([]Entry, size)}
}

// push appends an entry, then enforces the count cap and the retention
// span. It returns how many old entries were evicted.
func (w *window) push(e Entry, maxEntries int, retention float64) int {
	evicted := 0
	for w.count >= maxEntries {
		w.popFront()
		evicted++
	}
	if w.count == len(w.buf) {
		w.grow(maxEntries)
	}
	w.buf[(w.head+w.count)%len(w.buf)] = e
	w.count++
	evicted += w.trim(retention)
	return evicted
}

// trim evicts from the front until the window span fits the retention
// bound. The span is measured against the newest entry's timestamp, not
// the wall clock, so trimming is deterministic for a given entry sequence.
func (w *window) trim(retention float64) int {
	if w.count == 0 {
		return 0
	}
	newest := w.newest().Timestamp
	evicted := 0
	for w.count > 1 && newest-w.oldest().Timestamp > retention {
		w.popFront()
		evicted++
	}
	return evicted
}

func (w *window) grow(maxEntries int) {
	size := len(w.buf) * 2
	if size > maxEntries {
		size = maxEntries
	}
	next := make([]Entry, size)
	for i := 0; i < w.count; i++ {
		next[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	w.buf = next
	w.head = 0
}

func (w *window) popFront() {
	w.buf[w.head] = Entry{}
	w.head = (w.head + 1) % len(w.buf)
	w.count--
}

func (w *window) oldest() Entry {
	return w.buf[w.head]
}

func (w *window) newest() Entry {
	return w.buf[(w.head+w.count-1)%len(w.buf)]
}

func (w *window) copyOut() []Entry {
	if w.count == 0 {
		return nil
	}
	out := make([]Entry, w.count)
	for i := 0; i < w.count; i++ {
		out[i] = w.buf[(w.head+i)%len(w.buf)]
	}
	return out
}
