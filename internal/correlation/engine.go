package correlation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"aisiem/internal/logger"
	"aisiem/internal/metrics"
	"aisiem/pkg/models"
)

// Close reasons recorded on incidents and in metrics.
const (
	ReasonInactive = "inactive"
	ReasonOperator = "operator"
)

// Config controls matching and lifecycle.
type Config struct {
	// CorrelationWindow is the largest gap between an incident's last activity and a
	// detection for entity overlap to attach the detection.
	CorrelationWindow time.Duration
	// InactivityClose closes incidents that saw no detection for this long.
	InactivityClose time.Duration
	SweepInterval   time.Duration
	// DedupeTags keeps each rule id once in Incident.Tags.
	DedupeTags     bool
	LockStripes    int
	MaxIDAttempts  int
	SeenDetections int
}

// DefaultConfig returns the stock settings.
func DefaultConfig() Config {
	return Config{
		CorrelationWindow: time.Hour,
		InactivityClose:   time.Hour,
		SweepInterval:     time.Minute,
		LockStripes:       64,
		MaxIDAttempts:     8,
		SeenDetections:    100000,
	}
}

// Store persists incident snapshots.
type Store interface {
	UpsertIncident(ctx context.Context, inc *models.Incident) error
}

// Notifier receives incident snapshots for enrichment. Notify must not block.
type Notifier interface {
	Notify(inc *models.Incident)
}

// Option customizes an Engine.
type Option func(*Engine)

// WithStore sets the persistence collaborator.
func WithStore(s Store) Option { return func(e *Engine) { e.store = s } }

// WithNotifier sets the enrichment collaborator.
func WithNotifier(n Notifier) Option { return func(e *Engine) { e.notifier = n } }

// WithMetrics sets the metrics sink.
func WithMetrics(m *metrics.Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithClock overrides the wall clock used by the sweeper.
func WithClock(now func() time.Time) Option { return func(e *Engine) { e.now = now } }

// WithIDGenerator overrides incident id generation.
func WithIDGenerator(gen func() string) Option { return func(e *Engine) { e.newID = gen } }

// WithOnClose registers a hook called with every closed incident.
func WithOnClose(fn func(*models.Incident)) Option { return func(e *Engine) { e.onClose = fn } }

// WithOnError registers a hook for persistence failures.
func WithOnError(fn func(incidentID string, err error)) Option {
	return func(e *Engine) { e.onError = fn }
}

type liveIncident struct {
	mu           sync.Mutex
	inc          *models.Incident
	detectionIDs map[string]struct{}
}

// Engine attaches detections to open incidents and maintains their lifecycle.
//
// Lock order: entity stripes (ascending) -> liveMu -> liveIncident.mu. Sweeps and
// explicit closes hold every stripe, which excludes all concurrent submits.
type Engine struct {
	cfg     Config
	stripes *stripeSet

	liveMu sync.RWMutex
	live   map[string]*liveIncident

	seen    *lru.Cache[string, string]
	retired *lru.Cache[string, struct{}]

	queue    *persistQueue
	store    Store
	notifier Notifier
	metrics  *metrics.Metrics
	now      func() time.Time
	newID    func() string
	onClose  func(*models.Incident)
	onError  func(string, error)
}

// New creates an engine. Zero config values take their defaults.
func New(cfg Config, opts ...Option) *Engine {
	def := DefaultConfig()
	if cfg.CorrelationWindow <= 0 {
		cfg.CorrelationWindow = def.CorrelationWindow
	}
	if cfg.InactivityClose <= 0 {
		cfg.InactivityClose = def.InactivityClose
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = def.LockStripes
	}
	if cfg.MaxIDAttempts <= 0 {
		cfg.MaxIDAttempts = def.MaxIDAttempts
	}
	if cfg.SeenDetections <= 0 {
		cfg.SeenDetections = def.SeenDetections
	}

	seen, _ := lru.New[string, string](cfg.SeenDetections)
	retired, _ := lru.New[string, struct{}](cfg.SeenDetections)

	e := &Engine{
		cfg:     cfg,
		stripes: newStripeSet(cfg.LockStripes),
		live:    make(map[string]*liveIncident),
		seen:    seen,
		retired: retired,
		queue:   newPersistQueue(),
		now:     time.Now,
		newID:   NewIncidentID,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// NewIncidentID returns a random INC-prefixed id.
func NewIncidentID() string {
	hex := strings.ReplaceAll(uuid.NewString(), "-", "")
	return "INC-" + strings.ToUpper(hex[:12])
}

// Config returns the effective configuration.
func (e *Engine) Config() Config {
	return e.cfg
}

// Submit attaches d to the best matching open incident or opens a new one, and returns
// a snapshot of the resulting incident.
func (e *Engine) Submit(ctx context.Context, d *models.Detection) (*models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if err := d.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidDetection, err)
	}
	started := time.Now()

	entities := d.Entities()
	list := entities.List()
	keys := make([]string, 0, len(list)+1)
	for _, ent := range list {
		keys = append(keys, ent.Key())
	}
	// The detection id gets a stripe of its own so duplicate submissions serialize
	// even when they carry no entities.
	held := e.stripes.stripesFor(append(keys, "detection:"+d.ID))

	e.stripes.lock(held)
	snap, created, dup, err := e.attachLocked(d, list, keys)
	e.stripes.unlock(held)
	if err != nil {
		return nil, err
	}

	e.metrics.IncDetections()
	e.metrics.ObserveSubmit(time.Since(started).Seconds())
	switch {
	case dup:
		e.metrics.IncDuplicate()
		return snap, nil
	case created:
		e.metrics.IncCreated()
		logger.Debugf("Opened incident %s for detection %s (rule=%s host=%s)", snap.ID, d.ID, d.RuleID, d.Host)
	default:
		e.metrics.IncUpdated()
		logger.Debugf("Attached detection %s to incident %s (rule=%s host=%s)", d.ID, snap.ID, d.RuleID, d.Host)
	}

	e.publish(snap)
	return snap, nil
}

// attachLocked requires the stripes of keys and of the detection id to be held.
func (e *Engine) attachLocked(d *models.Detection, ents []models.Entity, keys []string) (*models.Incident, bool, bool, error) {
	if id, ok := e.seen.Get(d.ID); ok {
		if li := e.lookupLive(id); li != nil {
			li.mu.Lock()
			_, known := li.detectionIDs[d.ID]
			var snap *models.Incident
			if known && li.inc.Status == models.StatusOpen {
				snap = li.inc.Clone()
			}
			li.mu.Unlock()
			if snap != nil {
				return snap, false, true, nil
			}
		}
	}

	if li := e.bestCandidate(d, keys); li != nil {
		li.mu.Lock()
		e.mergeLocked(li, d, ents, keys)
		snap := li.inc.Clone()
		li.mu.Unlock()
		e.seen.Add(d.ID, snap.ID)
		return snap, false, false, nil
	}

	li, err := e.createLocked(d, ents, keys)
	if err != nil {
		return nil, false, false, err
	}
	snap := li.inc.Clone()
	li.mu.Unlock()
	e.seen.Add(d.ID, snap.ID)
	return snap, true, false, nil
}

// bestCandidate picks, among open incidents sharing an entity with d and still inside
// the correlation window, the most recently active one; ties go to the smaller id.
func (e *Engine) bestCandidate(d *models.Detection, keys []string) *liveIncident {
	var (
		best    *liveIncident
		bestEnd time.Time
		bestID  string
		checked = make(map[string]struct{})
	)
	for _, key := range keys {
		for id := range e.stripes.lookup(key) {
			if _, ok := checked[id]; ok {
				continue
			}
			checked[id] = struct{}{}

			li := e.lookupLive(id)
			if li == nil {
				continue
			}
			li.mu.Lock()
			open := li.inc.Status == models.StatusOpen
			end := li.inc.EndTS
			li.mu.Unlock()

			if !open || d.Timestamp.Sub(end) > e.cfg.CorrelationWindow {
				continue
			}
			if best == nil || end.After(bestEnd) || (end.Equal(bestEnd) && id < bestID) {
				best, bestEnd, bestID = li, end, id
			}
		}
	}
	return best
}

// mergeLocked requires li.mu and the stripes of keys.
func (e *Engine) mergeLocked(li *liveIncident, d *models.Detection, ents []models.Entity, keys []string) {
	inc := li.inc
	inc.Detections = append(inc.Detections, d.Clone())
	li.detectionIDs[d.ID] = struct{}{}

	if d.Timestamp.After(inc.EndTS) {
		inc.EndTS = d.Timestamp
	}
	if d.Timestamp.Before(inc.StartTS) {
		inc.StartTS = d.Timestamp
	}
	if d.Severity > inc.Severity {
		inc.Severity = d.Severity
	}
	if !e.cfg.DedupeTags || !inc.HasTag(d.RuleID) {
		inc.Tags = append(inc.Tags, d.RuleID)
	}
	for n, ent := range ents {
		if inc.Entities.Add(ent.Kind, ent.Value) {
			e.stripes.add(keys[n], inc.ID)
		}
	}
	inc.Revision++
}

// createLocked opens a new incident for d. The returned incident's mutex is held.
func (e *Engine) createLocked(d *models.Detection, ents []models.Entity, keys []string) (*liveIncident, error) {
	inc := &models.Incident{
		Status:     models.StatusOpen,
		StartTS:    d.Timestamp,
		EndTS:      d.Timestamp,
		Detections: []models.Detection{d.Clone()},
		Tags:       []string{d.RuleID},
		Severity:   d.Severity,
		Revision:   1,
	}
	for _, ent := range ents {
		inc.Entities.Add(ent.Kind, ent.Value)
	}
	li := &liveIncident{inc: inc, detectionIDs: map[string]struct{}{d.ID: {}}}
	li.mu.Lock()

	if err := e.insertLive(li); err != nil {
		li.mu.Unlock()
		return nil, err
	}
	for _, key := range keys {
		e.stripes.add(key, inc.ID)
	}
	return li, nil
}

// insertLive assigns a fresh id to li and registers it, regenerating on collision.
func (e *Engine) insertLive(li *liveIncident) error {
	e.liveMu.Lock()
	defer e.liveMu.Unlock()

	for attempt := 0; attempt < e.cfg.MaxIDAttempts; attempt++ {
		id := e.newID()
		if id == "" {
			continue
		}
		if _, taken := e.live[id]; taken {
			logger.Warnf("Incident id collision on %s (attempt %d)", id, attempt+1)
			continue
		}
		if e.retired.Contains(id) {
			logger.Warnf("Incident id %s was used by a closed incident (attempt %d)", id, attempt+1)
			continue
		}
		li.inc.ID = id
		e.live[id] = li
		return nil
	}
	logger.Errorf("Incident id generation failed after %d attempts", e.cfg.MaxIDAttempts)
	return fmt.Errorf("%w: no unique incident id after %d attempts", ErrEngineUnavailable, e.cfg.MaxIDAttempts)
}

func (e *Engine) lookupLive(id string) *liveIncident {
	e.liveMu.RLock()
	defer e.liveMu.RUnlock()
	return e.live[id]
}

// Get returns a snapshot of an open incident.
func (e *Engine) Get(id string) (*models.Incident, bool) {
	li := e.lookupLive(id)
	if li == nil {
		return nil, false
	}
	li.mu.Lock()
	defer li.mu.Unlock()
	if li.inc.Status != models.StatusOpen {
		return nil, false
	}
	return li.inc.Clone(), true
}

// ListOpen returns snapshots of all open incidents, most recently active first.
func (e *Engine) ListOpen() []*models.Incident {
	e.liveMu.RLock()
	lives := make([]*liveIncident, 0, len(e.live))
	for _, li := range e.live {
		lives = append(lives, li)
	}
	e.liveMu.RUnlock()

	out := make([]*models.Incident, 0, len(lives))
	for _, li := range lives {
		li.mu.Lock()
		if li.inc.Status == models.StatusOpen {
			out = append(out, li.inc.Clone())
		}
		li.mu.Unlock()
	}
	sortIncidents(out)
	return out
}

// OpenCount returns the number of open incidents.
func (e *Engine) OpenCount() int {
	e.liveMu.RLock()
	defer e.liveMu.RUnlock()
	return len(e.live)
}

func sortIncidents(incs []*models.Incident) {
	sort.Slice(incs, func(i, j int) bool {
		if !incs[i].EndTS.Equal(incs[j].EndTS) {
			return incs[i].EndTS.After(incs[j].EndTS)
		}
		return incs[i].ID < incs[j].ID
	})
}

// Sweep closes every incident idle for longer than the inactivity window at now and
// returns the closed snapshots.
func (e *Engine) Sweep(now time.Time) []*models.Incident {
	all := e.stripes.all()
	e.stripes.lock(all)

	e.liveMu.RLock()
	lives := make([]*liveIncident, 0, len(e.live))
	for _, li := range e.live {
		lives = append(lives, li)
	}
	e.liveMu.RUnlock()

	var closed []*models.Incident
	for _, li := range lives {
		li.mu.Lock()
		idle := now.Sub(li.inc.EndTS) > e.cfg.InactivityClose
		li.mu.Unlock()
		if idle {
			closed = append(closed, e.closeLocked(li, ReasonInactive, now))
		}
	}
	e.stripes.unlock(all)

	sortIncidents(closed)
	for _, inc := range closed {
		e.finishClose(inc)
	}
	if len(closed) > 0 {
		logger.Infof("Sweep closed %d incident(s), %d open", len(closed), e.OpenCount())
	}
	return closed
}

// Close closes an open incident on operator request.
func (e *Engine) Close(ctx context.Context, id, reason string) (*models.Incident, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if strings.TrimSpace(reason) == "" {
		reason = ReasonOperator
	}

	all := e.stripes.all()
	e.stripes.lock(all)
	li := e.lookupLive(id)
	if li == nil {
		e.stripes.unlock(all)
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	snap := e.closeLocked(li, reason, e.now())
	e.stripes.unlock(all)

	e.finishClose(snap)
	logger.Infof("Incident %s closed (%s)", id, reason)
	return snap, nil
}

// closeLocked requires every stripe to be held.
func (e *Engine) closeLocked(li *liveIncident, reason string, at time.Time) *models.Incident {
	e.liveMu.Lock()
	delete(e.live, li.inc.ID)
	e.liveMu.Unlock()

	li.mu.Lock()
	defer li.mu.Unlock()

	inc := li.inc
	for _, ent := range inc.Entities.List() {
		e.stripes.remove(ent.Key(), inc.ID)
	}
	for id := range li.detectionIDs {
		e.seen.Remove(id)
	}
	e.retired.Add(inc.ID, struct{}{})

	closedAt := at.UTC()
	inc.Status = models.StatusClosed
	inc.ClosedAt = &closedAt
	inc.CloseReason = reason
	inc.Revision++
	return inc.Clone()
}

func (e *Engine) finishClose(inc *models.Incident) {
	reason := inc.CloseReason
	if reason != ReasonInactive {
		reason = ReasonOperator
	}
	e.metrics.IncClosed(reason)
	e.publish(inc)
	if e.onClose != nil {
		e.onClose(inc.Clone())
	}
}

// publish hands a snapshot to the store queue and the notifier. Neither may fail the
// caller.
func (e *Engine) publish(inc *models.Incident) {
	if e.store != nil {
		e.queue.enqueue(inc.Clone())
	}
	if e.notifier == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			logger.Errorf("Enrichment notifier panicked for incident %s: %v", inc.ID, r)
		}
	}()
	e.notifier.Notify(inc.Clone())
}

// Restore loads open incidents, typically read back from the store at startup.
// Closed or already-live incidents are skipped. It returns the number restored.
func (e *Engine) Restore(incs []*models.Incident) int {
	all := e.stripes.all()
	e.stripes.lock(all)
	defer e.stripes.unlock(all)

	restored := 0
	for _, src := range incs {
		if src == nil || src.ID == "" || src.Status != models.StatusOpen {
			if src != nil && src.ID != "" {
				e.retired.Add(src.ID, struct{}{})
			}
			continue
		}
		inc := src.Clone()
		li := &liveIncident{inc: inc, detectionIDs: make(map[string]struct{}, len(inc.Detections))}

		e.liveMu.Lock()
		if _, exists := e.live[inc.ID]; exists {
			e.liveMu.Unlock()
			continue
		}
		e.live[inc.ID] = li
		e.liveMu.Unlock()

		for _, d := range inc.Detections {
			li.detectionIDs[d.ID] = struct{}{}
			e.seen.Add(d.ID, inc.ID)
		}
		for _, ent := range inc.Entities.List() {
			e.stripes.add(ent.Key(), inc.ID)
		}
		restored++
	}
	e.metrics.SetOpen(e.OpenCount())
	return restored
}

// Flush writes every pending snapshot to the store. Failed snapshots stay queued.
func (e *Engine) Flush(ctx context.Context) error {
	if e.store == nil {
		return nil
	}
	var errs []error
	for _, inc := range e.queue.drain() {
		if err := e.store.UpsertIncident(ctx, inc); err != nil {
			e.metrics.IncPersistErrors()
			logger.Errorf("Failed to persist incident %s (rev %d): %v", inc.ID, inc.Revision, err)
			if e.onError != nil {
				e.onError(inc.ID, err)
			}
			e.queue.enqueue(inc)
			errs = append(errs, fmt.Errorf("incident %s: %w", inc.ID, err))
		}
	}
	return errors.Join(errs...)
}

// Pending returns the number of snapshots awaiting persistence.
func (e *Engine) Pending() int {
	return e.queue.len()
}

// Run sweeps on the configured interval and drains the persistence queue until ctx is
// cancelled, then performs a final flush.
func (e *Engine) Run(ctx context.Context) error {
	logger.Infof("Correlation engine started (window=%s inactivity=%s sweep=%s stripes=%d)",
		e.cfg.CorrelationWindow, e.cfg.InactivityClose, e.cfg.SweepInterval, e.cfg.LockStripes)

	sweep := time.NewTicker(e.cfg.SweepInterval)
	defer sweep.Stop()
	retry := time.NewTicker(time.Second)
	defer retry.Stop()

	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := e.Flush(flushCtx); err != nil {
				logger.Errorf("Final incident flush incomplete: %v", err)
			}
			cancel()
			return ctx.Err()
		case <-sweep.C:
			e.Sweep(e.now())
		case <-e.queue.signal:
			_ = e.Flush(ctx)
		case <-retry.C:
			if e.queue.len() > 0 {
				_ = e.Flush(ctx)
			}
		}
	}
}
