package rip

import (
	"net"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

// learnedRoute is what the RIP control plane tracks for one destination
// prefix learned from a neighbor (spec §4.3): the advertised cost, who
// advertised it, and (via the ttlcache entry wrapping this value) when it
// goes stale.
type learnedRoute struct {
	prefix    *net.IPNet
	cost      uint32
	neighbor  net.IP // who we learned it from, for split-horizon
	interfaceName string
}

// routeFreshness wraps a jellydator/ttlcache/v3 cache keyed by prefix
// string. Expiry invokes Controller.onExpire after ttlcache has already
// removed the entry; onExpire broadcasts the prefix at cost=16 and only
// then deletes it from the forwarding table — there is no separate
// garbage-collection pass.
type routeFreshness struct {
	cache *ttlcache.Cache[string, learnedRoute]
}

func newRouteFreshness(expiry time.Duration, onExpire func(learnedRoute)) *routeFreshness {
	cache := ttlcache.New[string, learnedRoute](
		ttlcache.WithTTL[string, learnedRoute](expiry),
	)
	cache.OnEviction(func(_ interface{}, reason ttlcache.EvictionReason, item *ttlcache.Item[string, learnedRoute]) {
		if reason == ttlcache.EvictionReasonExpired {
			onExpire(item.Value())
		}
	})
	go cache.Start()
	return &routeFreshness{cache: cache}
}

func (f *routeFreshness) touch(key string, route learnedRoute) {
	f.cache.Set(key, route, ttlcache.DefaultTTL)
}

func (f *routeFreshness) get(key string) (learnedRoute, bool) {
	item := f.cache.Get(key)
	if item == nil {
		return learnedRoute{}, false
	}
	return item.Value(), true
}

func (f *routeFreshness) delete(key string) {
	f.cache.Delete(key)
}

func (f *routeFreshness) all() []learnedRoute {
	items := f.cache.Items()
	out := make([]learnedRoute, 0, len(items))
	for _, item := range items {
		out = append(out, item.Value())
	}
	return out
}

func (f *routeFreshness) stop() {
	f.cache.Stop()
}
