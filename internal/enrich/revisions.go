package enrich

import (
	"strconv"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// revisionFilter remembers the newest revision delivered per incident so a sink never
// goes backwards when concurrent submits enqueue snapshots out of order.
type revisionFilter struct {
	mu   sync.Mutex
	last *lru.Cache[string, int64]
}

func newRevisionFilter(size int) *revisionFilter {
	if size <= 0 {
		size = 65536
	}
	cache, _ := lru.New[string, int64](size)
	return &revisionFilter{last: cache}
}

// fresh reports whether doc is newer than anything already accepted for its incident.
func (f *revisionFilter) fresh(doc *Document) bool {
	if doc == nil || doc.Incident == nil {
		return false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if rev, ok := f.last.Get(doc.Incident.ID); ok && rev >= doc.Incident.Revision {
		return false
	}
	return true
}

// accept records a delivered document.
func (f *revisionFilter) accept(doc *Document) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rev, ok := f.last.Get(doc.Incident.ID); ok && rev >= doc.Incident.Revision {
		return
	}
	f.last.Add(doc.Incident.ID, doc.Incident.Revision)
}

// incidentHeaders are the routing headers attached to every published document.
func incidentHeaders(doc *Document) map[string]string {
	if doc == nil || doc.Incident == nil {
		return nil
	}
	return map[string]string{
		"x-incident-id":       doc.Incident.ID,
		"x-incident-status":   string(doc.Incident.Status),
		"x-incident-revision": strconv.FormatInt(doc.Incident.Revision, 10),
		"x-incident-severity": strconv.Itoa(doc.Incident.Severity),
	}
}
