package bus

import (
	"hash/fnv"
	"sync"
	"time"
)

// Deduper remembers which (group, message id) pairs were already acked
type Deduper interface {
	Seen(key string) (bool, error)
	Mark(key string) error
	Close() error
}

// MemoryDeduper is a sharded TTL set. A lookup only checks its own key; a
// shard is swept for expired keys at most once per sweepEvery.
type MemoryDeduper struct {
	ttl        time.Duration
	sweepEvery time.Duration
	shards     []dedupeShard
	now        func() time.Time
}

type dedupeShard struct {
	mu        sync.Mutex
	m         map[string]time.Time // key -> expiresAt
	nextSweep time.Time
}

// NewMemoryDeduper creates an in-memory deduper
func NewMemoryDeduper(ttl time.Duration, shardCount int) *MemoryDeduper {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	if shardCount <= 0 {
		shardCount = 64
	}
	shards := make([]dedupeShard, shardCount)
	for i := range shards {
		shards[i].m = make(map[string]time.Time)
	}
	sweepEvery := ttl / 4
	if sweepEvery > time.Minute {
		sweepEvery = time.Minute
	}
	return &MemoryDeduper{ttl: ttl, sweepEvery: sweepEvery, shards: shards, now: time.Now}
}

func (d *MemoryDeduper) Seen(key string) (bool, error) {
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	exp, ok := sh.m[key]
	if ok && !exp.After(now) {
		delete(sh.m, key)
		ok = false
	}
	d.sweep(sh, now)
	return ok, nil
}

func (d *MemoryDeduper) Mark(key string) error {
	now := d.now()
	sh := d.shard(key)
	sh.mu.Lock()
	sh.m[key] = now.Add(d.ttl)
	d.sweep(sh, now)
	sh.mu.Unlock()
	return nil
}

// Len counts the keys held, expired or not
func (d *MemoryDeduper) Len() int {
	n := 0
	for i := range d.shards {
		sh := &d.shards[i]
		sh.mu.Lock()
		n += len(sh.m)
		sh.mu.Unlock()
	}
	return n
}

// sweep purges expired keys when the shard is due. Caller holds sh.mu.
func (d *MemoryDeduper) sweep(sh *dedupeShard, now time.Time) {
	if now.Before(sh.nextSweep) {
		return
	}
	sh.nextSweep = now.Add(d.sweepEvery)
	for k, exp := range sh.m {
		if !exp.After(now) {
			delete(sh.m, k)
		}
	}
}

func (d *MemoryDeduper) Close() error { return nil }

func (d *MemoryDeduper) shard(key string) *dedupeShard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return &d.shards[int(h.Sum32()%uint32(len(d.shards)))]
}
