// Copyright (C) 2019-2024, Ava Labs, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package metercacher

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/arkrelay/gatewaygo/cache"
)

var _ cache.Cacher[struct{}, struct{}] = (*Cache[struct{}, struct{}])(nil)

// Cache wraps a Cacher and counts hits and misses.
type Cache[K comparable, V any] struct {
	cache.Cacher[K, V]

	hits   prometheus.Counter
	misses prometheus.Counter
}

func New[K comparable, V any](
	namespace string,
	registerer prometheus.Registerer,
	cache cache.Cacher[K, V],
) (*Cache[K, V], error) {
	c := &Cache[K, V]{
		Cacher: cache,
		hits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "hits",
			Help:      "number of cache hits",
		}),
		misses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "misses",
			Help:      "number of cache misses",
		}),
	}

	if err := registerer.Register(c.hits); err != nil {
		return nil, err
	}
	return c, registerer.Register(c.misses)
}

func (c *Cache[K, V]) Get(key K) (V, bool) {
	value, found := c.Cacher.Get(key)
	if found {
		c.hits.Inc()
	} else {
		c.misses.Inc()
	}
	return value, found
}
