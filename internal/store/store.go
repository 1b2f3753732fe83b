package store

import "github.com/yourorg/annotrack/pkg/types"

// KV is string-keyed storage for session identity and sequence
// counters. A missing key reports ok == false.
type KV interface {
	Get(key string) (value string, ok bool, err error)
	Set(key, value string) error
}

// ActivityStore persists entries received by the collector.
type ActivityStore interface {
	// SaveActivities stores entries not already present for their
	// (session, sequenceId) pair and returns the acknowledgment for
	// the whole batch.
	SaveActivities(entries []types.LogEntry) (types.Ack, error)
	HasActivity(session string, sequenceID int64) (bool, error)
	Close() error
}
