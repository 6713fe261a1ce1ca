package bus

import (
	"sync"

	"github.com/danmuck/swbus/internal/protocol"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

type dedupKey struct {
	src protocol.Address
	id  uint64
}

type dedupEntry struct {
	resp *protocol.Envelope
}

// dedupCache remembers recently delivered requests by (source, id) and the
// response produced for each, so a retransmitted request is answered again
// instead of being handled twice.
type dedupCache struct {
	mu    sync.Mutex
	cache *expirable.LRU[dedupKey, *dedupEntry]
}

func newDedupCache(cfg DedupConfig) *dedupCache {
	return &dedupCache{cache: expirable.NewLRU[dedupKey, *dedupEntry](cfg.Capacity, nil, cfg.Window)}
}

// admit records a first delivery. For a duplicate it returns false and the
// cached response, which is nil while the handler has not replied yet.
func (d *dedupCache) admit(req *protocol.Envelope) (*protocol.Envelope, bool) {
	k := dedupKey{src: req.Source, id: req.ID}
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.cache.Get(k); ok {
		return e.resp, false
	}
	d.cache.Add(k, &dedupEntry{})
	return nil, true
}

func (d *dedupCache) forget(req *protocol.Envelope) {
	d.mu.Lock()
	d.cache.Remove(dedupKey{src: req.Source, id: req.ID})
	d.mu.Unlock()
}

// remember stores resp as the answer for the request it correlates with.
func (d *dedupCache) remember(resp *protocol.Envelope) {
	k := dedupKey{src: resp.Destination, id: resp.CorrelationID}
	d.mu.Lock()
	defer d.mu.Unlock()
	if e, ok := d.cache.Peek(k); ok {
		e.resp = resp
		return
	}
	d.cache.Add(k, &dedupEntry{resp: resp})
}

func (d *dedupCache) Len() int { return d.cache.Len() }
