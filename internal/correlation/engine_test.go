package correlation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aisiem/internal/metrics"
	"aisiem/pkg/models"
)

var base = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func at(sec int) time.Time {
	return base.Add(time.Duration(sec) * time.Second)
}

func detection(id, host, user string, sec, severity int, rule string) *models.Detection {
	d := &models.Detection{
		ID:        id,
		Title:     rule,
		Severity:  severity,
		Timestamp: at(sec),
		Host:      host,
		RuleID:    rule,
	}
	if user != "" {
		d.Details = map[string]interface{}{"user": user}
	}
	return d
}

func newTestEngine(t *testing.T, opts ...Option) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.LockStripes = 16
	return New(cfg, opts...)
}

// checkIndex verifies that the entity index holds exactly the entities of the live
// incidents.
func checkIndex(t *testing.T, e *Engine) {
	t.Helper()
	all := e.stripes.all()
	e.stripes.lock(all)
	defer e.stripes.unlock(all)

	want := 0
	keys := make(map[string]struct{})
	for id, li := range e.live {
		for _, ent := range li.inc.Entities.List() {
			_, ok := e.stripes.lookup(ent.Key())[id]
			assert.True(t, ok, "index missing %s -> %s", ent.Key(), id)
			keys[ent.Key()] = struct{}{}
			want++
		}
	}
	got := 0
	for _, shard := range e.stripes.shards {
		for key, ids := range shard {
			_, ok := keys[key]
			assert.True(t, ok, "index holds stale key %s", key)
			got += len(ids)
		}
	}
	assert.Equal(t, want, got)
	assert.Equal(t, len(keys), e.stripes.size())
}

func TestSubmitBuildsIncidentAcrossEntities(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	i1, err := e.Submit(ctx, detection("d1", "H1", "alice", 1000, 3, "R1"))
	require.NoError(t, err)
	assert.Equal(t, at(1000), i1.StartTS)
	assert.Equal(t, at(1000), i1.EndTS)
	assert.Equal(t, []string{"H1"}, i1.Entities.Hosts)
	assert.Equal(t, []string{"alice"}, i1.Entities.Users)
	assert.Equal(t, 3, i1.Severity)
	assert.Equal(t, models.StatusOpen, i1.Status)

	upd, err := e.Submit(ctx, detection("d2", "H1", "", 1500, 7, "R2"))
	require.NoError(t, err)
	assert.Equal(t, i1.ID, upd.ID)
	assert.Equal(t, at(1500), upd.EndTS)
	assert.Equal(t, 7, upd.Severity)
	assert.Equal(t, []string{"R1", "R2"}, upd.Tags)
	assert.Len(t, upd.Detections, 2)

	i2, err := e.Submit(ctx, detection("d3", "H2", "bob", 1600, 2, "R3"))
	require.NoError(t, err)
	assert.NotEqual(t, i1.ID, i2.ID)

	closed := e.Sweep(at(1500 + 3601))
	require.Len(t, closed, 1)
	assert.Equal(t, i1.ID, closed[0].ID)
	assert.Equal(t, models.StatusClosed, closed[0].Status)
	assert.Equal(t, ReasonInactive, closed[0].CloseReason)

	open := e.ListOpen()
	require.Len(t, open, 1)
	assert.Equal(t, i2.ID, open[0].ID)
	checkIndex(t, e)
}

func TestIncidentIDFormat(t *testing.T) {
	id := NewIncidentID()
	assert.Regexp(t, `^INC-[0-9A-F]{12}$`, id)
}

func TestSameHostWithinWindowJoinsOneIncident(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var first string
	for n := 0; n < 20; n++ {
		inc, err := e.Submit(ctx, detection(fmt.Sprintf("d%d", n), "H1", "", n*1800, 2, "R"))
		require.NoError(t, err)
		if n == 0 {
			first = inc.ID
		}
		assert.Equal(t, first, inc.ID)
	}
	assert.Len(t, e.ListOpen(), 1)
}

func TestDetectionsBeyondWindowOpenNewIncident(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)
	b, err := e.Submit(ctx, detection("d2", "H1", "", 3601, 2, "R"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	// Exactly on the window boundary still matches.
	c, err := e.Submit(ctx, detection("d3", "H1", "", 3601+3600, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, b.ID, c.ID)
}

func TestNoSharedEntityOpensSeparateIncidents(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.Submit(ctx, detection("d1", "H1", "alice", 0, 2, "R"))
	require.NoError(t, err)
	b, err := e.Submit(ctx, detection("d2", "H2", "bob", 10, 2, "R"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	// A user bridges into an incident opened on another host.
	c, err := e.Submit(ctx, detection("d3", "H3", "alice", 20, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, c.ID)
	assert.Equal(t, []string{"H1", "H3"}, c.Entities.Hosts)
	checkIndex(t, e)
}

func TestBestCandidateIsMostRecentlyActive(t *testing.T) {
	ids := []string{"INC-00000000000A", "INC-00000000000B"}
	n := 0
	e := newTestEngine(t, WithIDGenerator(func() string {
		id := ids[n%len(ids)]
		n++
		return id
	}))
	ctx := context.Background()

	_, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, detection("d2", "H2", "alice", 100, 2, "R"))
	require.NoError(t, err)

	inc, err := e.Submit(ctx, detection("d3", "H1", "alice", 200, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, "INC-00000000000B", inc.ID)
}

func TestEqualEndTieGoesToSmallerID(t *testing.T) {
	ids := []string{"INC-00000000000B", "INC-00000000000A"}
	n := 0
	e := newTestEngine(t, WithIDGenerator(func() string {
		id := ids[n%len(ids)]
		n++
		return id
	}))
	ctx := context.Background()

	_, err := e.Submit(ctx, detection("d1", "H1", "alice", 100, 2, "R"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, detection("d2", "H2", "bob", 100, 2, "R"))
	require.NoError(t, err)

	// Overlaps INC-...B on host and INC-...A on user, both last active at 100.
	inc, err := e.Submit(ctx, detection("d3", "H1", "bob", 150, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, "INC-00000000000A", inc.ID)
	assert.Equal(t, []string{"H1", "H2"}, inc.Entities.Hosts)
	assert.Len(t, e.ListOpen(), 2, "incidents never merge")
}

func TestSeverityAndEndAreMonotonic(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	steps := []struct {
		sec, severity int
	}{{1000, 5}, {900, 9}, {1200, 1}, {100, 3}, {1100, 7}}

	prevSev, prevEnd := 0, time.Time{}
	for n, s := range steps {
		inc, err := e.Submit(ctx, detection(fmt.Sprintf("d%d", n), "H1", "", s.sec, s.severity, "R"))
		require.NoError(t, err)
		assert.GreaterOrEqual(t, inc.Severity, prevSev)
		assert.False(t, inc.EndTS.Before(prevEnd))
		prevSev, prevEnd = inc.Severity, inc.EndTS
	}

	open := e.ListOpen()
	require.Len(t, open, 1)
	assert.Equal(t, at(1200), open[0].EndTS)
	assert.Equal(t, at(100), open[0].StartTS)
	assert.Equal(t, 9, open[0].Severity)
}

func TestResubmittingKnownEntitiesDoesNotGrowSets(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	_, err := e.Submit(ctx, detection("d1", "H1", "alice", 0, 2, "R"))
	require.NoError(t, err)
	inc, err := e.Submit(ctx, detection("d2", "H1", "alice", 10, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, 2, inc.Entities.Len())
}

func TestDuplicateDetectionIDIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	d := detection("dup", "H1", "alice", 0, 4, "R")
	first, err := e.Submit(ctx, d)
	require.NoError(t, err)
	again, err := e.Submit(ctx, d)
	require.NoError(t, err)

	assert.Equal(t, first.ID, again.ID)
	assert.Equal(t, first.Revision, again.Revision)
	assert.Len(t, again.Detections, 1)
	assert.Equal(t, []string{"R"}, again.Tags)
}

func TestDedupeTags(t *testing.T) {
	cfg := DefaultConfig()
	cfg.DedupeTags = true
	e := New(cfg)
	ctx := context.Background()

	for n := 0; n < 3; n++ {
		_, err := e.Submit(ctx, detection(fmt.Sprintf("d%d", n), "H1", "", n, 2, "R1"))
		require.NoError(t, err)
	}
	inc, err := e.Submit(ctx, detection("d9", "H1", "", 9, 2, "R2"))
	require.NoError(t, err)
	assert.Equal(t, []string{"R1", "R2"}, inc.Tags)
	assert.Len(t, inc.Detections, 4)
}

func TestTagsKeepRepeatsByDefault(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var inc *models.Incident
	var err error
	for n := 0; n < 3; n++ {
		inc, err = e.Submit(ctx, detection(fmt.Sprintf("d%d", n), "H1", "", n, 2, "R1"))
		require.NoError(t, err)
	}
	assert.Equal(t, []string{"R1", "R1", "R1"}, inc.Tags)
}

func TestSubmitRejectsInvalidDetection(t *testing.T) {
	e := newTestEngine(t)
	_, err := e.Submit(context.Background(), detection("d1", "H1", "", 0, 11, "R"))
	assert.ErrorIs(t, err, ErrInvalidDetection)

	_, err = e.Submit(context.Background(), &models.Detection{ID: "x", Severity: 1, Host: "H1"})
	assert.ErrorIs(t, err, ErrInvalidDetection)
	assert.Empty(t, e.ListOpen())
}

func TestSubmitReturnsIndependentSnapshot(t *testing.T) {
	e := newTestEngine(t)
	inc, err := e.Submit(context.Background(), detection("d1", "H1", "alice", 0, 2, "R"))
	require.NoError(t, err)

	inc.Tags[0] = "mutated"
	inc.Entities.Hosts[0] = "mutated"

	got, ok := e.Get(inc.ID)
	require.True(t, ok)
	assert.Equal(t, "R", got.Tags[0])
	assert.Equal(t, "H1", got.Entities.Hosts[0])
}

func TestIDCollisionsExhaustAttempts(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxIDAttempts = 3
	calls := 0
	e := New(cfg, WithIDGenerator(func() string {
		calls++
		return "INC-000000000001"
	}))
	ctx := context.Background()

	_, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)

	_, err = e.Submit(ctx, detection("d2", "H2", "", 0, 2, "R"))
	require.ErrorIs(t, err, ErrEngineUnavailable)
	assert.Equal(t, 4, calls)
	assert.Len(t, e.ListOpen(), 1)
	checkIndex(t, e)

	// The failed detection was not recorded and can be retried.
	_, err = e.Submit(ctx, detection("d2", "H1", "", 0, 2, "R"))
	require.NoError(t, err)
}

func TestClosedIDsAreNotReused(t *testing.T) {
	ids := []string{"INC-000000000001", "INC-000000000001", "INC-000000000002"}
	n := 0
	e := newTestEngine(t, WithIDGenerator(func() string {
		id := ids[n]
		n++
		return id
	}))
	ctx := context.Background()

	a, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)
	_, err = e.Close(ctx, a.ID, "")
	require.NoError(t, err)

	b, err := e.Submit(ctx, detection("d2", "H1", "", 10, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, "INC-000000000002", b.ID)
}

func TestSweepBoundary(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	recent, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)

	assert.Empty(t, e.Sweep(at(3600)), "exactly the inactivity window is not yet idle")
	closed := e.Sweep(at(3601))
	require.Len(t, closed, 1)
	assert.Equal(t, recent.ID, closed[0].ID)
	assert.NotNil(t, closed[0].ClosedAt)

	_, ok := e.Get(recent.ID)
	assert.False(t, ok)
	checkIndex(t, e)
}

func TestOpenGaugeFollowsLifecycle(t *testing.T) {
	m := metrics.New(prometheus.NewRegistry())
	e := newTestEngine(t, WithMetrics(m))
	ctx := context.Background()

	a, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, detection("d2", "H2", "", 10, 2, "R"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, detection("d3", "H2", "", 20, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.OpenIncidents))

	_, err = e.Close(ctx, a.ID, "")
	require.NoError(t, err)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.OpenIncidents))

	e.Sweep(at(99999))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.OpenIncidents))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IncidentsClosed.WithLabelValues(ReasonInactive)))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.IncidentsClosed.WithLabelValues(ReasonOperator)))
}

func TestClosedIncidentDoesNotAttractDetections(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	a, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)
	e.Sweep(at(7200))

	b, err := e.Submit(ctx, detection("d2", "H1", "", 100, 2, "R"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)

	// After close the detection id may be used again.
	c, err := e.Submit(ctx, detection("d1", "H9", "", 100, 2, "R"))
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, c.ID)
}

func TestCloseByOperator(t *testing.T) {
	var hooked []*models.Incident
	e := newTestEngine(t, WithOnClose(func(inc *models.Incident) { hooked = append(hooked, inc) }))
	ctx := context.Background()

	inc, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)

	closed, err := e.Close(ctx, inc.ID, "false positive")
	require.NoError(t, err)
	assert.Equal(t, "false positive", closed.CloseReason)
	assert.Equal(t, inc.Revision+1, closed.Revision)
	require.Len(t, hooked, 1)
	assert.Equal(t, inc.ID, hooked[0].ID)

	_, err = e.Close(ctx, inc.ID, "")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestListOpenOrdering(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	for n, host := range []string{"H1", "H2", "H3"} {
		_, err := e.Submit(ctx, detection(fmt.Sprintf("d%d", n), host, "", n*10, 2, "R"))
		require.NoError(t, err)
	}
	open := e.ListOpen()
	require.Len(t, open, 3)
	assert.Equal(t, []string{"H3"}, open[0].Entities.Hosts)
	assert.Equal(t, []string{"H1"}, open[2].Entities.Hosts)
}

func TestConcurrentDisjointSubmits(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	const hosts, perHost = 32, 50
	var wg sync.WaitGroup
	for h := 0; h < hosts; h++ {
		wg.Add(1)
		go func(h int) {
			defer wg.Done()
			host := fmt.Sprintf("H%02d", h)
			for n := 0; n < perHost; n++ {
				d := detection(fmt.Sprintf("%s-%d", host, n), host, fmt.Sprintf("user-%02d-%d", h, n%5), n, 1+n%10, "R")
				d.Details["ip"] = fmt.Sprintf("10.0.%d.%d", h, n%3)
				_, err := e.Submit(ctx, d)
				assert.NoError(t, err)
			}
		}(h)
	}
	wg.Wait()

	open := e.ListOpen()
	require.Len(t, open, hosts)
	for _, inc := range open {
		assert.Len(t, inc.Detections, perHost)
		assert.Len(t, inc.Entities.Hosts, 1)
		assert.Len(t, inc.Entities.Users, 5)
		assert.Len(t, inc.Entities.IPs, 3)
		assert.Equal(t, int64(perHost), inc.Revision)
		assert.Equal(t, 10, inc.Severity)
	}
	checkIndex(t, e)
}

func TestConcurrentOverlappingSubmitsWithSweep(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for n := 0; n < 100; n++ {
				d := detection(fmt.Sprintf("w%d-%d", w, n), fmt.Sprintf("H%d", n%4), fmt.Sprintf("u%d", w), n, 2, "R")
				_, err := e.Submit(ctx, d)
				assert.NoError(t, err)
			}
		}(w)
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		for n := 0; n < 20; n++ {
			e.Sweep(at(0))
		}
	}()

	done := make(chan struct{})
	var readers sync.WaitGroup
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			lastLen := make(map[string]int)
			check := func(inc *models.Incident) {
				assert.False(t, inc.EndTS.Before(inc.StartTS), "incident %s ends before it starts", inc.ID)
				assert.Equal(t, int64(len(inc.Detections)), inc.Revision, "incident %s revision", inc.ID)
				assert.GreaterOrEqual(t, len(inc.Detections), lastLen[inc.ID], "incident %s lost detections", inc.ID)
				lastLen[inc.ID] = len(inc.Detections)
				for _, d := range inc.Detections {
					assert.Contains(t, inc.Entities.Hosts, d.Host)
				}
			}
			for {
				select {
				case <-done:
					return
				default:
				}
				for _, inc := range e.ListOpen() {
					check(inc)
					if got, ok := e.Get(inc.ID); ok {
						check(got)
					}
				}
			}
		}()
	}

	wg.Wait()
	close(done)
	readers.Wait()

	total := 0
	for _, inc := range e.ListOpen() {
		total += len(inc.Detections)
	}
	assert.Equal(t, 800, total)
	checkIndex(t, e)
}

type memStore struct {
	mu     sync.Mutex
	saved  map[string]*models.Incident
	writes int
	fail   error
}

func newMemStore() *memStore {
	return &memStore{saved: make(map[string]*models.Incident)}
}

func (s *memStore) UpsertIncident(_ context.Context, inc *models.Incident) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.writes++
	s.saved[inc.ID] = inc
	return nil
}

func TestFlushCoalescesSnapshots(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, WithStore(store))
	ctx := context.Background()

	var id string
	for n := 0; n < 5; n++ {
		inc, err := e.Submit(ctx, detection(fmt.Sprintf("d%d", n), "H1", "", n, 2, "R"))
		require.NoError(t, err)
		id = inc.ID
	}
	assert.Equal(t, 1, e.Pending())
	require.NoError(t, e.Flush(ctx))

	assert.Equal(t, 1, store.writes)
	assert.Equal(t, int64(5), store.saved[id].Revision)
	assert.Len(t, store.saved[id].Detections, 5)
	assert.Zero(t, e.Pending())
}

func TestFlushKeepsFailedSnapshots(t *testing.T) {
	store := newMemStore()
	store.fail = errors.New("disk full")
	var failed []string
	e := newTestEngine(t, WithStore(store), WithOnError(func(id string, _ error) { failed = append(failed, id) }))
	ctx := context.Background()

	inc, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err, "persistence failures never fail submit")

	require.Error(t, e.Flush(ctx))
	assert.Equal(t, []string{inc.ID}, failed)
	assert.Equal(t, 1, e.Pending())

	store.fail = nil
	require.NoError(t, e.Flush(ctx))
	assert.Contains(t, store.saved, inc.ID)
}

func TestClosedSnapshotIsPersisted(t *testing.T) {
	store := newMemStore()
	e := newTestEngine(t, WithStore(store))
	ctx := context.Background()

	inc, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)
	e.Sweep(at(4000))
	require.NoError(t, e.Flush(ctx))

	assert.Equal(t, models.StatusClosed, store.saved[inc.ID].Status)
}

type recordingNotifier struct {
	mu   sync.Mutex
	seen []*models.Incident
}

func (n *recordingNotifier) Notify(inc *models.Incident) {
	n.mu.Lock()
	n.seen = append(n.seen, inc)
	n.mu.Unlock()
}

type panickyNotifier struct{}

func (panickyNotifier) Notify(*models.Incident) { panic("boom") }

func TestNotifierSeesEveryChange(t *testing.T) {
	n := &recordingNotifier{}
	e := newTestEngine(t, WithNotifier(n))
	ctx := context.Background()

	_, err := e.Submit(ctx, detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)
	_, err = e.Submit(ctx, detection("d2", "H1", "", 1, 2, "R"))
	require.NoError(t, err)
	e.Sweep(at(5000))

	require.Len(t, n.seen, 3)
	assert.Equal(t, int64(1), n.seen[0].Revision)
	assert.Equal(t, models.StatusClosed, n.seen[2].Status)
}

func TestNotifierPanicDoesNotFailSubmit(t *testing.T) {
	e := newTestEngine(t, WithNotifier(panickyNotifier{}))
	_, err := e.Submit(context.Background(), detection("d1", "H1", "", 0, 2, "R"))
	assert.NoError(t, err)
}

func TestRestoreRebuildsIndex(t *testing.T) {
	src := newTestEngine(t)
	ctx := context.Background()
	a, err := src.Submit(ctx, detection("d1", "H1", "alice", 0, 2, "R"))
	require.NoError(t, err)
	b, err := src.Submit(ctx, detection("d2", "H2", "", 0, 2, "R"))
	require.NoError(t, err)
	closed, err := src.Close(ctx, b.ID, "")
	require.NoError(t, err)

	e := newTestEngine(t)
	assert.Equal(t, 1, e.Restore([]*models.Incident{a, closed}))
	checkIndex(t, e)

	inc, err := e.Submit(ctx, detection("d3", "H7", "alice", 60, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, a.ID, inc.ID)

	// Restored detection ids stay idempotent.
	again, err := e.Submit(ctx, detection("d1", "H1", "alice", 0, 2, "R"))
	require.NoError(t, err)
	assert.Equal(t, inc.Revision, again.Revision)

	assert.True(t, e.retired.Contains(b.ID))
}

func TestRunFlushesOnShutdown(t *testing.T) {
	store := newMemStore()
	cfg := DefaultConfig()
	cfg.SweepInterval = 10 * time.Millisecond
	e := New(cfg, WithStore(store), WithClock(func() time.Time { return at(100000) }))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- e.Run(ctx) }()

	inc, err := e.Submit(context.Background(), detection("d1", "H1", "", 0, 2, "R"))
	require.NoError(t, err)

	assert.Eventually(t, func() bool { return e.OpenCount() == 0 }, time.Second, 5*time.Millisecond)
	cancel()
	assert.ErrorIs(t, <-done, context.Canceled)

	store.mu.Lock()
	defer store.mu.Unlock()
	require.Contains(t, store.saved, inc.ID)
	assert.Equal(t, models.StatusClosed, store.saved[inc.ID].Status)
}
