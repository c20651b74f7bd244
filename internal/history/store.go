// Package history maintains the per-fingerprint sliding windows the
// behavioral detectors read. Windows are bounded both by entry count and
// by a retention span; both bounds are enforced on every append and again
// when a snapshot is taken.
package history

import (
	"hash/fnv"
	"log"
	"sync"
	"sync/atomic"
)

const (
	shardCount = 32

	// maxAgentsPerAddress caps the rotation index. Counting saturates
	// here; the rotation detector only needs to know the count cleared a
	// small configured bar.
	maxAgentsPerAddress = 64
)

// Entry is one recorded request: when it happened, where it went, a
// fixed-size stand-in for its content, and its approximate size. Bodies
// are never stored.
type Entry struct {
	Timestamp   float64
	Endpoint    string
	ContentHash string
	Size        int
}

// Snapshot is the consistent view handed to detectors. Entries are in
// insertion order and are the caller's to keep; later appends never mutate
// a snapshot. DistinctAgents counts user agents seen from the same source
// address, which may span several fingerprints.
type Snapshot struct {
	Entries        []Entry
	DistinctAgents int
}

// Store is a sharded fingerprint → window map with a companion
// address → user-agent index used by rotation detection.
type Store struct {
	maxEntries int
	retention  float64

	shards [shardCount]windowShard
	agents [shardCount]agentShard

	appends   atomic.Int64
	evictions atomic.Int64

	logger *log.Logger
}

type windowShard struct {
	mu      sync.Mutex
	windows map[string]*window
}

type agentShard struct {
	mu        sync.Mutex
	byAddress map[string]*agentSet
}

type agentSet struct {
	agents   map[string]struct{}
	lastSeen float64
}

// NewStore builds a store with the given bounds. maxEntries caps each
// window's length and retentionSeconds caps the span between its oldest
// and newest entry.
func NewStore(maxEntries int, retentionSeconds float64) *Store {
	s := &Store{
		maxEntries: maxEntries,
		retention:  retentionSeconds,
		logger:     log.New(log.Writer(), "[HISTORY] ", log.LstdFlags),
	}
	for i := range s.shards {
		s.shards[i].windows = make(map[string]*window)
		s.agents[i].byAddress = make(map[string]*agentSet)
	}
	return s
}

// Append records one request under its fingerprint and feeds the rotation
// index. The window is trimmed to both bounds before Append returns.
func (s *Store) Append(fp, address, userAgent string, e Entry) {
	shard := &s.shards[shardIndex(fp)]
	shard.mu.Lock()
	w, ok := shard.windows[fp]
	if !ok {
		w = newWindow(s.maxEntries)
		shard.windows[fp] = w
	}
	evicted := w.push(e, s.maxEntries, s.retention)
	shard.mu.Unlock()

	s.appends.Add(1)
	if evicted > 0 {
		s.evictions.Add(int64(evicted))
	}

	if address != "" {
		as := &s.agents[shardIndex(address)]
		as.mu.Lock()
		set, ok := as.byAddress[address]
		if !ok {
			set = &agentSet{agents: make(map[string]struct{}, 2)}
			as.byAddress[address] = set
		}
		if len(set.agents) < maxAgentsPerAddress {
			set.agents[userAgent] = struct{}{}
		}
		if e.Timestamp > set.lastSeen {
			set.lastSeen = e.Timestamp
		}
		as.mu.Unlock()
	}
}

// Snapshot trims the fingerprint's window to retention and returns a copy
// of what remains, plus the distinct-agent count for the source address.
// The copy is taken under the shard lock so detectors always see a
// consistent history.
func (s *Store) Snapshot(fp, address string) Snapshot {
	var snap Snapshot

	shard := &s.shards[shardIndex(fp)]
	shard.mu.Lock()
	if w, ok := shard.windows[fp]; ok {
		evicted := w.trim(s.retention)
		if evicted > 0 {
			s.evictions.Add(int64(evicted))
		}
		snap.Entries = w.copyOut()
	}
	shard.mu.Unlock()

	if address != "" {
		as := &s.agents[shardIndex(address)]
		as.mu.Lock()
		if set, ok := as.byAddress[address]; ok {
			snap.DistinctAgents = len(set.agents)
		}
		as.mu.Unlock()
	}
	return snap
}

// Len reports the current window length for a fingerprint.
func (s *Store) Len(fp string) int {
	shard := &s.shards[shardIndex(fp)]
	shard.mu.Lock()
	defer shard.mu.Unlock()
	if w, ok := shard.windows[fp]; ok {
		return w.count
	}
	return 0
}

// Sweep drops windows whose newest entry has aged out entirely and agent
// sets idle past retention. It returns how many windows were collected.
// The daemon runs this on a timer; correctness does not depend on it
// because both bounds are also enforced on access.
func (s *Store) Sweep(now float64) int {
	collected := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		for fp, w := range shard.windows {
			if w.count == 0 || now-w.newest().Timestamp > s.retention {
				delete(shard.windows, fp)
				collected++
			}
		}
		shard.mu.Unlock()
	}
	for i := range s.agents {
		as := &s.agents[i]
		as.mu.Lock()
		for addr, set := range as.byAddress {
			if now-set.lastSeen > s.retention {
				delete(as.byAddress, addr)
			}
		}
		as.mu.Unlock()
	}
	if collected > 0 {
		s.logger.Printf("Sweep collected %d idle windows", collected)
	}
	return collected
}

// Stats reports store counters for the status endpoint.
func (s *Store) Stats() map[string]interface{} {
	windows := 0
	for i := range s.shards {
		shard := &s.shards[i]
		shard.mu.Lock()
		windows += len(shard.windows)
		shard.mu.Unlock()
	}
	addresses := 0
	for i := range s.agents {
		as := &s.agents[i]
		as.mu.Lock()
		addresses += len(as.byAddress)
		as.mu.Unlock()
	}
	return map[string]interface{}{
		"windows":           windows,
		"tracked_addresses": addresses,
		"appends":           s.appends.Load(),
		"evictions":         s.evictions.Load(),
	}
}

func shardIndex(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % shardCount)
}
