package mapbox

import (
	"container/list"
	"context"
	"strings"
	"sync"

	"github.com/couchcryptid/arbo-forecast/internal/domain"
	"github.com/couchcryptid/arbo-forecast/internal/observability"
)

// CachedGeocoder keeps the most recently used places in memory. The weather
// job geocodes every coordinate-less location on each run, so after the
// first run nearly every lookup is a hit.
type CachedGeocoder struct {
	inner   domain.Geocoder
	metrics *observability.Metrics

	mu    sync.Mutex
	limit int
	order *list.List // front is most recently used
	items map[string]*list.Element
}

type cached struct {
	key   string
	place domain.Place
}

// NewCachedGeocoder wraps inner with an LRU of at most maxEntries places.
func NewCachedGeocoder(inner domain.Geocoder, maxEntries int, metrics *observability.Metrics) *CachedGeocoder {
	return &CachedGeocoder{
		inner:   inner,
		metrics: metrics,
		limit:   max(maxEntries, 1),
		order:   list.New(),
		items:   make(map[string]*list.Element),
	}
}

// Locate serves from the cache or asks inner. Misses and errors are not
// cached, so a municipality missing today is asked for again next time.
func (c *CachedGeocoder) Locate(ctx context.Context, name, state string) (domain.Place, bool, error) {
	key := cacheKey(name, state)
	if place, ok := c.get(key); ok {
		c.metrics.GeocodeCache.WithLabelValues("hit").Inc()
		return place, true, nil
	}
	c.metrics.GeocodeCache.WithLabelValues("miss").Inc()

	place, found, err := c.inner.Locate(ctx, name, state)
	if err == nil && found {
		c.put(key, place)
	}
	return place, found, err
}

// cacheKey folds case and accents so "São Paulo" and "SAO PAULO" share an
// entry.
func cacheKey(name, state string) string {
	return domain.NormalizeLocationID(name) + "|" + strings.ToLower(strings.TrimSpace(state))
}

func (c *CachedGeocoder) get(key string) (domain.Place, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return domain.Place{}, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*cached).place, true
}

func (c *CachedGeocoder) put(key string, place domain.Place) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*cached).place = place
		c.order.MoveToFront(el)
		return
	}
	c.items[key] = c.order.PushFront(&cached{key: key, place: place})
	for c.order.Len() > c.limit {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.items, oldest.Value.(*cached).key)
	}
}

// Len returns the number of cached places.
func (c *CachedGeocoder) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}
