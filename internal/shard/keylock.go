package shard

import "sync"

// KeyLock serializes work per key using a fixed set of striped mutexes.
// Two keys may share a stripe; callers must not hold one key while locking
// another.
type KeyLock struct {
	stripes []sync.Mutex
}

// NewKeyLock creates a KeyLock with n stripes.
func NewKeyLock(n int) *KeyLock {
	return &KeyLock{stripes: make([]sync.Mutex, Normalize(n))}
}

// Lock acquires the stripe owning key and returns its unlock function.
func (k *KeyLock) Lock(key string) func() {
	mu := &k.stripes[Index(key, len(k.stripes))]
	mu.Lock()
	return mu.Unlock
}

// Do runs fn while holding the stripe for key.
func (k *KeyLock) Do(key string, fn func()) {
	unlock := k.Lock(key)
	defer unlock()
	fn()
}
