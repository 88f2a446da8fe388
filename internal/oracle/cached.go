package oracle

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/ppiankov/factorcanon/internal/cache"
)

// CachedOracle serves repeated requests from a cache. Only complete
// replies are stored, so partial and failed calls are always retried
// against the inner oracle.
type CachedOracle struct {
	inner Oracle
	cache cache.Cache
	ttl   time.Duration
}

// NewCachedOracle decorates inner with c. A zero ttl uses the cache default.
func NewCachedOracle(inner Oracle, c cache.Cache, ttl time.Duration) *CachedOracle {
	return &CachedOracle{inner: inner, cache: c, ttl: ttl}
}

// Source returns the inner oracle's source
func (o *CachedOracle) Source() string {
	return o.inner.Source()
}

// Classify returns a cached reply when the exact request was answered before
func (o *CachedOracle) Classify(ctx context.Context, req Request) (map[string]Assignment, error) {
	key := requestKey(o.inner.Source(), req)

	if data, ok := o.cache.Get(key); ok {
		var hit []Assignment
		if err := json.Unmarshal(data, &hit); err == nil && len(hit) == len(req.Labels) {
			out := make(map[string]Assignment, len(hit))
			for _, a := range hit {
				out[a.Key] = a
			}
			return out, nil
		}
	}

	out, err := o.inner.Classify(ctx, req)
	if err != nil {
		return out, err
	}

	list := make([]Assignment, 0, len(out))
	for _, l := range req.Labels {
		if a, ok := out[l.Key]; ok {
			list = append(list, a)
		}
	}
	if data, merr := json.Marshal(list); merr == nil {
		_ = o.cache.Set(key, data, o.ttl)
	}
	return out, nil
}

// requestKey covers everything that shapes the prompt: labels in order and
// the numbered group vocabulary with its examples.
func requestKey(source string, req Request) string {
	parts := []string{source, "labels", strconv.Itoa(len(req.Labels))}
	for _, l := range req.Labels {
		parts = append(parts, l.Display)
	}
	parts = append(parts, "groups", strconv.Itoa(len(req.Groups)))
	for _, g := range req.Groups {
		parts = append(parts, g.Name, strconv.Itoa(len(g.Examples)))
		parts = append(parts, g.Examples...)
	}
	return cache.Key(parts...)
}
