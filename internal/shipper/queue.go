package shipper

import "github.com/yourorg/annotrack/pkg/types"

// queue holds entries awaiting delivery in append order. It is owned by
// the run loop and is not safe for concurrent use.
type queue struct {
	entries []types.LogEntry
}

func (q *queue) append(entries ...types.LogEntry) {
	q.entries = append(q.entries, entries...)
}

// snapshot copies the current contents; later appends are not part of it.
func (q *queue) snapshot() []types.LogEntry {
	out := make([]types.LogEntry, len(q.entries))
	copy(out, q.entries)
	return out
}

// removePrefix drops the first n entries.
func (q *queue) removePrefix(n int) {
	if n > len(q.entries) {
		n = len(q.entries)
	}
	for i := 0; i < n; i++ {
		q.entries[i] = types.LogEntry{}
	}
	q.entries = q.entries[n:]
}

func (q *queue) len() int {
	return len(q.entries)
}
