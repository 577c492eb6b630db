// ABOUTME: Per-key mutex used to serialize operations for one user
// ABOUTME: Locks are created lazily and retained for the process lifetime

package syncutil

import "sync"

// KeyMutex provides a mutex per string key. Operations for the same key
// are serialized; operations for different keys proceed independently.
//
// Locks are never removed: the key space here is usernames, which is
// small and bounded by the authorized-users list.
type KeyMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewKeyMutex creates an empty KeyMutex.
func NewKeyMutex() *KeyMutex {
	return &KeyMutex{locks: make(map[string]*sync.Mutex)}
}

// Lock acquires the mutex for key, creating it on first use.
func (k *KeyMutex) Lock(key string) {
	k.get(key).Lock()
}

// Unlock releases the mutex for key.
func (k *KeyMutex) Unlock(key string) {
	k.get(key).Unlock()
}

func (k *KeyMutex) get(key string) *sync.Mutex {
	k.mu.Lock()
	defer k.mu.Unlock()

	m, ok := k.locks[key]
	if !ok {
		m = &sync.Mutex{}
		k.locks[key] = m
	}
	return m
}
