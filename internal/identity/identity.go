// Package identity recovers and persists session identity across
// reloads of the same tab: the session id travels through a tab-scoped
// name channel and the sequence counter lives in per-session storage.
package identity

import (
	"fmt"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/yourorg/annotrack/internal/store"
)

const (
	// TabNamePrefix namespaces the tab identity string.
	TabNamePrefix = "annotation_tracker:"

	sequenceKeyPrefix = "annotation_tracker.sequenceId."
	runningKeyPrefix  = "annotation_tracker.running."
	tabNameKey        = "annotation_tracker.tabName"
)

// TabChannel is a process-wide string that survives reloads within one
// tab (the browser's window.name).
type TabChannel interface {
	Name() string
	SetName(name string) error
}

// SequenceKey returns the storage key for a session's counter.
func SequenceKey(sessionID string) string {
	return sequenceKeyPrefix + sessionID
}

// Provider hands out the session id and reads and writes the sequence
// counter for it.
type Provider struct {
	tab   TabChannel
	kv    store.KV
	newID func() string
}

// NewProvider returns a Provider using random UUIDs for new sessions.
func NewProvider(tab TabChannel, kv store.KV) *Provider {
	return &Provider{tab: tab, kv: kv, newID: func() string { return uuid.NewString() }}
}

// SessionID returns the id recorded in the tab channel, minting and
// recording a fresh one when the channel holds none of ours.
func (p *Provider) SessionID() (string, error) {
	if name := p.tab.Name(); strings.HasPrefix(name, TabNamePrefix) && len(name) > len(TabNamePrefix) {
		return strings.TrimPrefix(name, TabNamePrefix), nil
	}
	return p.Rotate()
}

// Rotate mints a new session id and records it in the tab channel. The
// id is returned even when recording it fails; it is then valid only
// until the next reload.
func (p *Provider) Rotate() (string, error) {
	id := p.newID()
	if err := p.tab.SetName(TabNamePrefix + id); err != nil {
		return id, fmt.Errorf("record session %s: %w", id, err)
	}
	return id, nil
}

// Sequence returns the last persisted sequence id for the session, or
// zero when none was stored.
func (p *Provider) Sequence(sessionID string) (int64, error) {
	v, ok, err := p.kv.Get(SequenceKey(sessionID))
	if err != nil {
		return 0, fmt.Errorf("read sequence for %s: %w", sessionID, err)
	}
	if !ok || v == "" {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("parse sequence for %s: %w", sessionID, err)
	}
	return n, nil
}

// SaveSequence stores n as the latest emitted sequence id.
func (p *Provider) SaveSequence(sessionID string, n int64) error {
	if err := p.kv.Set(SequenceKey(sessionID), strconv.FormatInt(n, 10)); err != nil {
		return fmt.Errorf("write sequence for %s: %w", sessionID, err)
	}
	return nil
}

// Running reports whether the session was left in the running state.
func (p *Provider) Running(sessionID string) (bool, error) {
	v, ok, err := p.kv.Get(runningKeyPrefix + sessionID)
	if err != nil {
		return false, fmt.Errorf("read running state for %s: %w", sessionID, err)
	}
	return ok && v == "true", nil
}

func (p *Provider) SaveRunning(sessionID string, running bool) error {
	if err := p.kv.Set(runningKeyPrefix+sessionID, strconv.FormatBool(running)); err != nil {
		return fmt.Errorf("write running state for %s: %w", sessionID, err)
	}
	return nil
}

// MemoryTab is a TabChannel held in memory.
type MemoryTab struct {
	mu   sync.Mutex
	name string
}

func (t *MemoryTab) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *MemoryTab) SetName(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
	return nil
}

// StoredTab keeps the tab name in a KV so it outlives the process when
// the KV is durable. Write failures leave the in-memory copy current.
type StoredTab struct {
	kv   store.KV
	mu   sync.Mutex
	name string
}

func NewStoredTab(kv store.KV) *StoredTab {
	t := &StoredTab{kv: kv}
	if v, ok, err := kv.Get(tabNameKey); err == nil && ok {
		t.name = v
	}
	return t
}

func (t *StoredTab) Name() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.name
}

func (t *StoredTab) SetName(name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.name = name
	if err := t.kv.Set(tabNameKey, name); err != nil {
		return fmt.Errorf("write tab name: %w", err)
	}
	return nil
}
