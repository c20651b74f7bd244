// Package reputation tracks a bounded standing score per fingerprint.
// Scores live in [-100, +100], start at 0, and drift back toward 0 at one
// point per ten minutes of idleness. Decay is linear and applied lazily on
// access; a background sweeper materializes it for entries nobody reads.
package reputation

import (
	"container/list"
	"log"
	"sync"
	"sync/atomic"

	"hash/fnv"
)

const (
	shardCount = 32

	// decayInterval is the idle time, in seconds, it takes to lose one
	// point of standing in either direction.
	decayInterval = 600.0

	// idleDrop is how long a fully decayed entry may sit before the
	// sweeper removes it. A zero entry reads the same as a missing one,
	// so dropping it is invisible to callers.
	idleDrop = 3600.0
)

type entry struct {
	fp         string
	score      float64
	lastUpdate float64
	elem       *list.Element
}

type shard struct {
	mu      sync.Mutex
	entries map[string]*entry
	order   *list.List // front = most recently touched
}

// Table is a sharded fingerprint → score map with per-shard LRU eviction.
type Table struct {
	shards   [shardCount]shard
	perShard int

	adjustments atomic.Int64
	evictions   atomic.Int64

	logger *log.Logger
}

// NewTable builds a table that holds at most maxEntries scores. Under
// pressure the least recently touched fingerprint in the crowded shard is
// evicted first.
func NewTable(maxEntries int) *Table {
	perShard := maxEntries / shardCount
	if perShard < 1 {
		perShard = 1
	}
	t := &Table{
		perShard: perShard,
		logger:   log.New(log.Writer(), "[REPUTATION] ", log.LstdFlags),
	}
	for i := range t.shards {
		t.shards[i].entries = make(map[string]*entry)
		t.shards[i].order = list.New()
	}
	return t
}

// Score returns the fingerprint's current standing with idle decay
// applied. Reading does not reset the idle clock; only Adjust counts as
// activity. Unknown fingerprints read as 0.
func (t *Table) Score(fp string, now float64) float64 {
	sh := &t.shards[shardIndex(fp)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[fp]
	if !ok {
		return 0
	}
	sh.order.MoveToFront(e.elem)
	return decayedScore(e.score, e.lastUpdate, now)
}

// Lookup is Score plus the raw bookkeeping, for the status API.
func (t *Table) Lookup(fp string, now float64) (score, lastUpdate float64, ok bool) {
	sh := &t.shards[shardIndex(fp)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, found := sh.entries[fp]
	if !found {
		return 0, 0, false
	}
	return decayedScore(e.score, e.lastUpdate, now), e.lastUpdate, true
}

// Adjust applies a delta to the fingerprint's standing after settling any
// pending decay, clamps the result to [-100, +100], and returns it. The
// entry is created at 0 if absent.
func (t *Table) Adjust(fp string, delta, now float64) float64 {
	sh := &t.shards[shardIndex(fp)]
	sh.mu.Lock()
	defer sh.mu.Unlock()

	e, ok := sh.entries[fp]
	if !ok {
		e = &entry{fp: fp, lastUpdate: now}
		e.elem = sh.order.PushFront(e)
		sh.entries[fp] = e
		if len(sh.entries) > t.perShard {
			t.evictOldest(sh)
		}
	} else {
		sh.order.MoveToFront(e.elem)
	}

	e.score = clampScore(decayedScore(e.score, e.lastUpdate, now) + delta)
	e.lastUpdate = now
	t.adjustments.Add(1)
	return e.score
}

// Sweep settles decay across every entry and drops the ones that reached 0
// long enough ago. Returns counts for logging.
func (t *Table) Sweep(now float64) (settled, dropped int) {
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		for fp, e := range sh.entries {
			idle := now - e.lastUpdate
			next := decayedScore(e.score, e.lastUpdate, now)
			if next == 0 && idle > idleDrop {
				sh.order.Remove(e.elem)
				delete(sh.entries, fp)
				dropped++
				continue
			}
			if next != e.score {
				e.score = next
				e.lastUpdate = now
				settled++
			}
		}
		sh.mu.Unlock()
	}
	return settled, dropped
}

// Len reports how many fingerprints currently hold a score.
func (t *Table) Len() int {
	n := 0
	for i := range t.shards {
		sh := &t.shards[i]
		sh.mu.Lock()
		n += len(sh.entries)
		sh.mu.Unlock()
	}
	return n
}

// Stats reports table counters for the status endpoint.
func (t *Table) Stats() map[string]interface{} {
	return map[string]interface{}{
		"entries":     t.Len(),
		"adjustments": t.adjustments.Load(),
		"evictions":   t.evictions.Load(),
		"shard_cap":   t.perShard,
	}
}

// evictOldest removes the least recently touched entry. Caller holds the
// shard lock.
func (t *Table) evictOldest(sh *shard) {
	back := sh.order.Back()
	if back == nil {
		return
	}
	victim := back.Value.(*entry)
	sh.order.Remove(back)
	delete(sh.entries, victim.fp)
	t.evictions.Add(1)
}

// decayedScore moves a score toward 0 by one point per decayInterval of
// idleness, never crossing 0.
func decayedScore(score, lastUpdate, now float64) float64 {
	if score == 0 || now <= lastUpdate {
		return score
	}
	points := (now - lastUpdate) / decayInterval
	if score > 0 {
		score -= points
		if score < 0 {
			score = 0
		}
	} else {
		score += points
		if score > 0 {
			score = 0
		}
	}
	return score
}

func clampScore(s float64) float64 {
	if s > 100 {
		return 100
	}
	if s < -100 {
		return -100
	}
	return s
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
