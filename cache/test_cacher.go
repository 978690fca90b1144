// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package cache

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// CacherTests is the shared conformance suite run against every Cacher
// implementation.
var CacherTests = []struct {
	Size int
	Func func(t *testing.T, c Cacher[string, int])
}{
	{Size: 1, Func: TestBasic},
	{Size: 2, Func: TestEviction},
}

func TestBasic(t *testing.T, cache Cacher[string, int]) {
	require := require.New(t)

	_, found := cache.Get("key-1")
	require.False(found)

	cache.Put("key-1", 1)
	value, found := cache.Get("key-1")
	require.True(found)
	require.Equal(1, value)

	cache.Put("key-2", 2)
	value, found = cache.Get("key-2")
	require.True(found)
	require.Equal(2, value)

	// Size 1: the first key was evicted to make room.
	_, found = cache.Get("key-1")
	require.False(found)

	cache.Evict("key-2")
	_, found = cache.Get("key-2")
	require.False(found)
}

func TestEviction(t *testing.T, cache Cacher[string, int]) {
	require := require.New(t)

	cache.Put("key-1", 1)
	cache.Put("key-2", 2)
	require.Equal(2, cache.Len())

	// Touch key-1 so key-2 becomes least recently used.
	_, found := cache.Get("key-1")
	require.True(found)

	cache.Put("key-3", 3)

	_, found = cache.Get("key-2")
	require.False(found)
	_, found = cache.Get("key-1")
	require.True(found)
	_, found = cache.Get("key-3")
	require.True(found)

	cache.Flush()
	require.Zero(cache.Len())
}
