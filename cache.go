package nlquery

import (
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/brunobiangulo/nlquery/router"
)

// answerCache remembers answered questions for a short while. Keys include
// the catalog version so a reload invalidates every entry.
type answerCache struct {
	lru *expirable.LRU[string, Answer]
}

func newAnswerCache(size int, ttl time.Duration) *answerCache {
	if ttl <= 0 {
		return nil
	}
	if size <= 0 {
		size = 256
	}
	return &answerCache{lru: expirable.NewLRU[string, Answer](size, nil, ttl)}
}

func cacheKey(catalogVersion, question string, forced *router.Strategy) string {
	route := "auto"
	if forced != nil {
		route = forced.String()
	}
	q := strings.Join(strings.Fields(strings.ToLower(question)), " ")
	return catalogVersion + "|" + route + "|" + q
}

// get returns a copy of the cached answer with Cached set.
func (c *answerCache) get(key string) (*Answer, bool) {
	if c == nil {
		return nil, false
	}
	a, ok := c.lru.Get(key)
	if !ok {
		return nil, false
	}
	a.Provenance.Cached = true
	a.Provenance.DocumentIDs = append([]string(nil), a.Provenance.DocumentIDs...)
	return &a, true
}

// put stores a only when it is a real answer.
func (c *answerCache) put(key string, a *Answer) {
	if c == nil || a.Confidence <= 0 {
		return
	}
	c.lru.Add(key, *a)
}

func (c *answerCache) purge() {
	if c != nil {
		c.lru.Purge()
	}
}
