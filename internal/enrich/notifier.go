package enrich

import (
	"context"
	"sync"
	"time"

	"aisiem/internal/logger"
	"aisiem/internal/metrics"
	"aisiem/pkg/models"
)

// Document is the payload handed to enrichment consumers.
type Document struct {
	Incident *models.Incident `json:"incident"`
	Text     string           `json:"text"`
	Tactics  []string         `json:"tactics,omitempty"`
	SentAt   time.Time        `json:"sent_at"`
}

// NewDocument wraps an incident snapshot with its rendered text.
func NewDocument(inc *models.Incident) *Document {
	return &Document{Incident: inc, Text: IncidentText(inc), Tactics: Tactics(inc), SentAt: time.Now().UTC()}
}

// Writer delivers enrichment documents.
type Writer interface {
	WriteDocuments(docs []*Document) error
	Close() error
}

// AsyncNotifier queues incident snapshots and delivers them to a Writer from a single
// background goroutine. Notify never blocks: a full queue drops the snapshot.
type AsyncNotifier struct {
	writer    Writer
	queue     chan *models.Incident
	batchSize int
	metrics   *metrics.Metrics

	closeOnce sync.Once
	done      chan struct{}
}

// NewAsyncNotifier creates a notifier with the given queue capacity.
func NewAsyncNotifier(w Writer, queueSize int, m *metrics.Metrics) *AsyncNotifier {
	if queueSize <= 0 {
		queueSize = 1024
	}
	return &AsyncNotifier{
		writer:    w,
		queue:     make(chan *models.Incident, queueSize),
		batchSize: 64,
		metrics:   m,
		done:      make(chan struct{}),
	}
}

// Notify enqueues a snapshot without waiting.
func (n *AsyncNotifier) Notify(inc *models.Incident) {
	if inc == nil {
		return
	}
	select {
	case n.queue <- inc:
	default:
		n.metrics.IncEnrichDropped()
		logger.Warnf("Enrichment queue full, dropped incident %s rev %d", inc.ID, inc.Revision)
	}
}

// Run delivers queued snapshots until ctx is cancelled, then drains what is left.
func (n *AsyncNotifier) Run(ctx context.Context) {
	defer close(n.done)

	batch := make([]*Document, 0, n.batchSize)
	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := n.writer.WriteDocuments(batch); err != nil {
			n.metrics.IncEnrichErrors()
			logger.Errorf("Enrichment delivery failed for %d incident(s): %v", len(batch), err)
		}
		batch = batch[:0]
	}

	for {
		select {
		case <-ctx.Done():
			for {
				select {
				case inc := <-n.queue:
					batch = append(batch, NewDocument(inc))
					if len(batch) >= n.batchSize {
						flush()
					}
				default:
					flush()
					return
				}
			}
		case inc := <-n.queue:
			batch = append(batch, NewDocument(inc))
			// Pick up whatever else is already queued before writing.
		fill:
			for len(batch) < n.batchSize {
				select {
				case more := <-n.queue:
					batch = append(batch, NewDocument(more))
				default:
					break fill
				}
			}
			flush()
		}
	}
}

// Wait blocks until Run has returned.
func (n *AsyncNotifier) Wait() {
	<-n.done
}

// Close closes the underlying writer. Call after Run has returned.
func (n *AsyncNotifier) Close() error {
	var err error
	n.closeOnce.Do(func() {
		err = n.writer.Close()
	})
	return err
}
