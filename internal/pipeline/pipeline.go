package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"aisiem/internal/correlation"
	inputredis "aisiem/internal/input/redis"
	"aisiem/internal/logger"
	"aisiem/internal/metrics"
	"aisiem/internal/normalize"
	"aisiem/internal/rules"
	"aisiem/pkg/models"
)

// Options configures a Pipeline. Zero values take defaults.
type Options struct {
	DefaultSource string
	Workers       int
	BatchSize     int
	FlushInterval time.Duration
	// SubmitRetries bounds resubmission of a detection the correlator reported as
	// temporarily unavailable.
	SubmitRetries int
	Metrics       *metrics.Metrics
}

// Pipeline consumes raw records, normalizes them, evaluates rules, hands detections to
// the correlator and batches normalized events to the event writer.
type Pipeline struct {
	source     Source
	normalizer *normalize.Pipeline
	engine     rules.Engine
	correlator Correlator
	writer     EventWriter
	opts       Options
	now        func() time.Time
}

// Result is the outcome of processing one record.
type Result struct {
	Event     *models.NormalizedEvent
	Incidents []*models.Incident
}

// New creates a pipeline. engine, correlator and writer may be nil.
func New(source Source, normalizer *normalize.Pipeline, engine rules.Engine, correlator Correlator, writer EventWriter, opts Options) *Pipeline {
	if normalizer == nil {
		normalizer = normalize.NewPipeline()
	}
	if engine == nil {
		engine = &rules.NoopEngine{}
	}
	if opts.DefaultSource == "" {
		opts.DefaultSource = "generic"
	}
	if opts.Workers <= 0 {
		opts.Workers = 4
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 500
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = 2 * time.Second
	}
	if opts.SubmitRetries <= 0 {
		opts.SubmitRetries = 3
	}
	return &Pipeline{
		source:     source,
		normalizer: normalizer,
		engine:     engine,
		correlator: correlator,
		writer:     writer,
		opts:       opts,
		now:        time.Now,
	}
}

// Run starts the pipeline loop and blocks until ctx is cancelled and every stage has
// drained.
func (p *Pipeline) Run(ctx context.Context) error {
	logger.Infof("Ingestion pipeline started (workers=%d batch=%d flush=%s)", p.opts.Workers, p.opts.BatchSize, p.opts.FlushInterval)

	msgCh := make(chan []byte, p.opts.Workers*4)
	eventCh := make(chan *models.NormalizedEvent, p.opts.Workers*4)

	var readers, workers, writers sync.WaitGroup

	readers.Add(1)
	go func() {
		defer readers.Done()
		p.readLoop(ctx, msgCh)
		close(msgCh)
	}()

	for i := 0; i < p.opts.Workers; i++ {
		workers.Add(1)
		go func() {
			defer workers.Done()
			p.workerLoop(ctx, msgCh, eventCh)
		}()
	}

	writers.Add(1)
	go func() {
		defer writers.Done()
		p.writeLoop(ctx, eventCh)
	}()

	readers.Wait()
	workers.Wait()
	close(eventCh)
	writers.Wait()
	logger.Infof("Ingestion pipeline stopped")
	return ctx.Err()
}

// Close releases pipeline resources.
func (p *Pipeline) Close() error {
	if p.writer != nil {
		if err := p.writer.Close(); err != nil {
			logger.Errorf("Failed to close event writer: %v", err)
		}
	}
	if p.source != nil {
		return p.source.Close()
	}
	return nil
}

// ProcessMessage decodes a queued message and processes the resulting record.
func (p *Pipeline) ProcessMessage(ctx context.Context, msg []byte) Result {
	return p.Process(ctx, inputredis.DecodeRecord(msg, p.opts.DefaultSource, p.now()))
}

// Process normalizes one record, evaluates rules and submits every detection.
// Correlation failures are logged; the event is returned regardless.
func (p *Pipeline) Process(ctx context.Context, rec models.RawRecord) Result {
	p.opts.Metrics.IncRecords()
	ev := p.normalizer.Normalize(rec)
	p.opts.Metrics.IncEvent(string(ev.Category))

	res := Result{Event: ev}
	if p.correlator == nil {
		return res
	}
	for _, d := range p.engine.Evaluate(ev) {
		inc, err := p.submit(ctx, d)
		if err != nil {
			if ctx.Err() == nil {
				logger.Errorf("Failed to correlate detection %s (rule=%s host=%s): %v", d.ID, d.RuleID, d.Host, err)
			}
			continue
		}
		res.Incidents = append(res.Incidents, inc)
	}
	return res
}

// maxSubmitBackoff caps the wait between resubmissions.
const maxSubmitBackoff = 2 * time.Second

func (p *Pipeline) submit(ctx context.Context, d *models.Detection) (*models.Incident, error) {
	backoff := 50 * time.Millisecond
	for attempt := 1; ; attempt++ {
		inc, err := p.correlator.Submit(ctx, d)
		if err == nil {
			return inc, nil
		}
		if !errors.Is(err, correlation.ErrEngineUnavailable) {
			p.opts.Metrics.IncDropped("error")
			return nil, err
		}
		if attempt >= p.opts.SubmitRetries {
			p.opts.Metrics.IncDropped("unavailable")
			return nil, fmt.Errorf("giving up after %d attempts: %w", attempt, err)
		}
		logger.Warnf("Correlator unavailable for detection %s, retrying (%d/%d)", d.ID, attempt, p.opts.SubmitRetries)
		select {
		case <-ctx.Done():
			p.opts.Metrics.IncDropped("canceled")
			return nil, ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxSubmitBackoff)
	}
}

func (p *Pipeline) readLoop(ctx context.Context, out chan<- []byte) {
	for {
		if ctx.Err() != nil {
			return
		}
		payload, err := p.source.Pop(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Errorf("Failed to pop raw record: %v", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(500 * time.Millisecond):
			}
			continue
		}
		if payload == nil {
			continue
		}
		select {
		case out <- payload:
		case <-ctx.Done():
			return
		}
	}
}

func (p *Pipeline) workerLoop(ctx context.Context, in <-chan []byte, out chan<- *models.NormalizedEvent) {
	// Records already popped are finished even after shutdown starts.
	procCtx := context.WithoutCancel(ctx)
	for payload := range in {
		res := p.ProcessMessage(procCtx, payload)
		if p.writer != nil {
			out <- res.Event
		}
	}
}

func (p *Pipeline) writeLoop(ctx context.Context, in <-chan *models.NormalizedEvent) {
	ticker := time.NewTicker(p.opts.FlushInterval)
	defer ticker.Stop()

	var batch []*models.NormalizedEvent

	flush := func() {
		if len(batch) == 0 || p.writer == nil {
			batch = nil
			return
		}
		for {
			err := p.writer.WriteEvents(batch)
			if err == nil {
				batch = nil
				return
			}
			p.opts.Metrics.IncEventWriteErrors()
			logger.Errorf("Failed to write %d event(s): %v", len(batch), err)
			if ctx.Err() != nil {
				// Shutting down, give the batch up.
				logger.Warnf("Dropping %d unwritten event(s) on shutdown", len(batch))
				batch = nil
				return
			}
			select {
			case <-ctx.Done():
			case <-time.After(1 * time.Second):
			}
		}
	}

	for {
		select {
		case <-ticker.C:
			flush()
		case ev, ok := <-in:
			if !ok {
				flush()
				return
			}
			batch = append(batch, ev)
			if len(batch) >= p.opts.BatchSize {
				flush()
			}
		}
	}
}
