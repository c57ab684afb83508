package entities

import (
	"time"

	ttlcache "github.com/jellydator/ttlcache/v2"
)

// AudioGate enforces the audio dead-time window. An "on" opens a window
// during which further signals for the same key are dropped. Neither "on"
// nor "off" extends it; when it closes the expire callback runs.
type AudioGate struct {
	cache *ttlcache.Cache
}

func NewAudioGate(deadTime time.Duration, onExpire func(key string)) *AudioGate {
	cache := ttlcache.NewCache()
	_ = cache.SetTTL(deadTime)
	cache.SkipTTLExtensionOnHit(true)
	cache.SetExpirationReasonCallback(func(key string, reason ttlcache.EvictionReason, _ interface{}) {
		if reason == ttlcache.Expired && onExpire != nil {
			onExpire(key)
		}
	})

	return &AudioGate{cache: cache}
}

// Accept reports whether a signal for key should be applied.
func (g *AudioGate) Accept(key string, on bool) bool {
	if g.Active(key) {
		return false
	}

	if on {
		_ = g.cache.Set(key, time.Now())
	}
	return true
}

// Active reports whether key is inside its dead-time window.
func (g *AudioGate) Active(key string) bool {
	_, err := g.cache.Get(key)
	return err == nil
}

func (g *AudioGate) Close() error {
	return g.cache.Close()
}
