package recorder

import "sync"

// Bus is an ordered subscriber list. Subscribers run in registration
// order; subscribing twice under the same key is a no-op.
type Bus[T any] struct {
	mu   sync.Mutex
	subs []subscription[T]
}

type subscription[T any] struct {
	key string
	fn  func(T)
}

// Subscribe registers fn under key and reports whether it was added.
func (b *Bus[T]) Subscribe(key string, fn func(T)) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range b.subs {
		if s.key == key {
			return false
		}
	}
	b.subs = append(b.subs, subscription[T]{key: key, fn: fn})
	return true
}

// Unsubscribe removes the subscriber registered under key.
func (b *Bus[T]) Unsubscribe(key string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.key == key {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// Publish calls every subscriber with v. Subscribers may subscribe or
// unsubscribe during Publish; changes apply from the next Publish.
func (b *Bus[T]) Publish(v T) {
	b.mu.Lock()
	subs := make([]subscription[T], len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, s := range subs {
		s.fn(v)
	}
}

// Len returns the number of subscribers.
func (b *Bus[T]) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}
