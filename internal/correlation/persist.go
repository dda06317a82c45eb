package correlation

import (
	"sort"
	"sync"

	"aisiem/pkg/models"
)

// persistQueue coalesces incident snapshots per id, keeping only the newest revision,
// so producers never block on the store and the store never sees stale state.
type persistQueue struct {
	mu      sync.Mutex
	pending map[string]*models.Incident
	signal  chan struct{}
}

func newPersistQueue() *persistQueue {
	return &persistQueue{
		pending: make(map[string]*models.Incident),
		signal:  make(chan struct{}, 1),
	}
}

func (q *persistQueue) enqueue(inc *models.Incident) {
	q.mu.Lock()
	if cur, ok := q.pending[inc.ID]; ok && cur.Revision >= inc.Revision {
		q.mu.Unlock()
		return
	}
	q.pending[inc.ID] = inc
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}
}

// drain removes and returns all pending snapshots ordered by id.
func (q *persistQueue) drain() []*models.Incident {
	q.mu.Lock()
	batch := q.pending
	q.pending = make(map[string]*models.Incident, len(batch))
	q.mu.Unlock()

	out := make([]*models.Incident, 0, len(batch))
	for _, inc := range batch {
		out = append(out, inc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (q *persistQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}
