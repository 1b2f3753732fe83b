package store

import (
	"fmt"

	"github.com/patrickmn/go-cache"
)

// MemoryKV is transient storage that lives as long as the process,
// the analogue of a browser tab's session storage.
type MemoryKV struct {
	c *cache.Cache
}

func NewMemoryKV() *MemoryKV {
	return &MemoryKV{c: cache.New(cache.NoExpiration, 0)}
}

func (m *MemoryKV) Get(key string) (string, bool, error) {
	v, ok := m.c.Get(key)
	if !ok {
		return "", false, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", false, fmt.Errorf("memory kv: key %q holds %T", key, v)
	}
	return s, true, nil
}

func (m *MemoryKV) Set(key, value string) error {
	m.c.Set(key, value, cache.NoExpiration)
	return nil
}
