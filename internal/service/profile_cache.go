// ProfileCache — LRU-кэш подтверждённых PPP-профилей роутеров с TTL.
// Обёртка над hashicorp/golang-lru/v2/expirable.
package service

import (
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus-метрики кэша профилей.
var (
	profileCacheHitsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_module_profile_cache_hits_total",
		Help: "Общее количество попаданий в кэш PPP-профилей.",
	})
	profileCacheMissesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "netsync_module_profile_cache_misses_total",
		Help: "Общее количество промахов кэша PPP-профилей.",
	})
)

// profileKey — профиль конкретного роутера.
type profileKey struct {
	routerID int64
	name     string
}

// ProfileCache хранит rate-limit профилей, которые подтверждены на роутере.
// Попадание позволяет не запрашивать профиль у устройства.
type ProfileCache struct {
	cache *expirable.LRU[profileKey, string]
}

// NewProfileCache создаёт кэш с указанным максимальным размером и TTL.
func NewProfileCache(maxSize int, ttl time.Duration) *ProfileCache {
	return &ProfileCache{cache: expirable.NewLRU[profileKey, string](maxSize, nil, ttl)}
}

// Confirmed сообщает, подтверждён ли профиль с данным rate-limit.
func (c *ProfileCache) Confirmed(routerID int64, name, rateLimit string) bool {
	val, ok := c.cache.Get(profileKey{routerID: routerID, name: name})
	if ok && val == rateLimit {
		profileCacheHitsTotal.Inc()
		return true
	}
	profileCacheMissesTotal.Inc()
	return false
}

// Confirm запоминает профиль как совпадающий с устройством.
func (c *ProfileCache) Confirm(routerID int64, name, rateLimit string) {
	c.cache.Add(profileKey{routerID: routerID, name: name}, rateLimit)
}

// InvalidateRouter удаляет все профили роутера.
func (c *ProfileCache) InvalidateRouter(routerID int64) {
	for _, k := range c.cache.Keys() {
		if k.routerID == routerID {
			c.cache.Remove(k)
		}
	}
}
