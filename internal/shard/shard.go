// Package shard provides lock striping for maps keyed by identity or channel,
// so that unrelated keys never contend on the same mutex.
package shard

import "github.com/cespare/xxhash/v2"

// DefaultCount is the stripe count used when a caller passes a non-positive value.
const DefaultCount = 64

// Index returns the stripe for key out of n stripes.
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}

// Normalize clamps a configured stripe count to a usable value.
func Normalize(n int) int {
	if n <= 0 {
		return DefaultCount
	}
	return n
}
