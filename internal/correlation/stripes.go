package correlation

import (
	"sort"
	"sync"

	"github.com/cespare/xxhash/v2"
)

// stripeSet partitions the entity key space. Each stripe guards the index shard
// holding the keys that hash to it.
type stripeSet struct {
	locks  []sync.Mutex
	shards []map[string]map[string]struct{}
}

func newStripeSet(n int) *stripeSet {
	if n <= 0 {
		n = 1
	}
	s := &stripeSet{
		locks:  make([]sync.Mutex, n),
		shards: make([]map[string]map[string]struct{}, n),
	}
	for i := range s.shards {
		s.shards[i] = make(map[string]map[string]struct{})
	}
	return s
}

func (s *stripeSet) of(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.locks)))
}

// stripesFor returns the distinct stripes of keys in ascending order, the global
// acquisition order that keeps multi-stripe locking deadlock free.
func (s *stripeSet) stripesFor(keys []string) []int {
	seen := make(map[int]struct{}, len(keys))
	out := make([]int, 0, len(keys))
	for _, k := range keys {
		i := s.of(k)
		if _, ok := seen[i]; ok {
			continue
		}
		seen[i] = struct{}{}
		out = append(out, i)
	}
	sort.Ints(out)
	return out
}

func (s *stripeSet) lock(stripes []int) {
	for _, i := range stripes {
		s.locks[i].Lock()
	}
}

func (s *stripeSet) unlock(stripes []int) {
	for n := len(stripes) - 1; n >= 0; n-- {
		s.locks[stripes[n]].Unlock()
	}
}

func (s *stripeSet) all() []int {
	out := make([]int, len(s.locks))
	for i := range out {
		out[i] = i
	}
	return out
}

// The index methods below require the stripe of key to be held.

func (s *stripeSet) lookup(key string) map[string]struct{} {
	return s.shards[s.of(key)][key]
}

func (s *stripeSet) add(key, incidentID string) {
	shard := s.shards[s.of(key)]
	ids := shard[key]
	if ids == nil {
		ids = make(map[string]struct{}, 1)
		shard[key] = ids
	}
	ids[incidentID] = struct{}{}
}

func (s *stripeSet) remove(key, incidentID string) {
	shard := s.shards[s.of(key)]
	ids := shard[key]
	if ids == nil {
		return
	}
	delete(ids, incidentID)
	if len(ids) == 0 {
		delete(shard, key)
	}
}

// size requires every stripe to be held.
func (s *stripeSet) size() int {
	n := 0
	for _, shard := range s.shards {
		n += len(shard)
	}
	return n
}
