package shard

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIndexIsStableAndInRange(t *testing.T) {
	for _, key := range []string{"", "alice", "bob", "c1", "a-very-long-channel-identifier"} {
		i := Index(key, 16)
		assert.GreaterOrEqual(t, i, 0)
		assert.Less(t, i, 16)
		assert.Equal(t, i, Index(key, 16), "stripe for %q changed between calls", key)
	}
	assert.Equal(t, 0, Index("alice", 1))
	assert.Equal(t, 0, Index("alice", 0))
}

func TestNormalize(t *testing.T) {
	assert.Equal(t, DefaultCount, Normalize(0))
	assert.Equal(t, DefaultCount, Normalize(-3))
	assert.Equal(t, 8, Normalize(8))
}

func TestKeyLockSerializesSameKey(t *testing.T) {
	kl := NewKeyLock(4)
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			kl.Do("alice", func() {
				counter++
			})
		}()
	}
	wg.Wait()

	require.Equal(t, 50, counter)
}
