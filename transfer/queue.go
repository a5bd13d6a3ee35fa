package transfer

import "container/list"

// entry is the per-path state record. Continuations scheduled against an
// entry keep mutating the same record across MoveToEnd, so the queue must
// never clone it.
type entry struct {
	path     string
	inFlight bool
	failures int
	meta     *ItemMetadata
}

// Queue is an insertion-ordered mapping from remote path to per-path state.
// It is not safe for concurrent use; the engine serializes every access
// under its mutex.
type Queue struct {
	order *list.List // of *entry
	index map[string]*list.Element
}

// NewQueue returns an empty queue.
func NewQueue() *Queue {
	return &Queue{
		order: list.New(),
		index: make(map[string]*list.Element),
	}
}

// Enqueue appends a fresh entry for path. If the path is already present the
// existing entry is left unchanged (first write wins, including metadata) and
// Enqueue reports false.
func (q *Queue) Enqueue(path string, meta *ItemMetadata) bool {
	if _, exists := q.index[path]; exists {
		return false
	}
	q.index[path] = q.order.PushBack(&entry{path: path, meta: meta})
	return true
}

// Dequeue removes the entry for path and returns it, or nil if absent.
func (q *Queue) Dequeue(path string) *entry {
	el, exists := q.index[path]
	if !exists {
		return nil
	}
	delete(q.index, path)
	return q.order.Remove(el).(*entry)
}

// MoveToEnd places the entry for path after every other entry, preserving
// the entry object. Idempotent when the entry is already last or absent.
func (q *Queue) MoveToEnd(path string) {
	if el, exists := q.index[path]; exists {
		q.order.MoveToBack(el)
	}
}

// Lookup returns the live entry for path, or nil.
func (q *Queue) Lookup(path string) *entry {
	if el, exists := q.index[path]; exists {
		return el.Value.(*entry)
	}
	return nil
}

// Len returns the number of queued paths.
func (q *Queue) Len() int {
	return q.order.Len()
}

// Entries returns the live entries in selection order.
func (q *Queue) Entries() []*entry {
	entries := make([]*entry, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		entries = append(entries, el.Value.(*entry))
	}
	return entries
}

// Paths returns the queued paths in selection order.
func (q *Queue) Paths() []string {
	paths := make([]string, 0, q.order.Len())
	for el := q.order.Front(); el != nil; el = el.Next() {
		paths = append(paths, el.Value.(*entry).path)
	}
	return paths
}
