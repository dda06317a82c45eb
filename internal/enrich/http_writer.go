package enrich

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

// HTTPConfig configures the webhook writer.
type HTTPConfig struct {
	URL     string
	Timeout time.Duration
	Headers map[string]string
}

// HTTPWriter posts one request per incident snapshot. Each request carries the
// x-incident-* headers and an Idempotency-Key of id:revision, so a receiver can drop
// replays. Snapshots older than one already delivered are skipped.
type HTTPWriter struct {
	url      string
	headers  map[string]string
	client   *http.Client
	revision *revisionFilter
}

// NewHTTPWriter creates a webhook writer.
func NewHTTPWriter(cfg HTTPConfig) (*HTTPWriter, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("enrichment http URL is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPWriter{
		url:      cfg.URL,
		headers:  cfg.Headers,
		client:   &http.Client{Timeout: timeout},
		revision: newRevisionFilter(0),
	}, nil
}

// WriteDocuments delivers every fresh document and reports all failures together.
// A 409 Conflict means the receiver already has the revision.
func (w *HTTPWriter) WriteDocuments(docs []*Document) error {
	var errs []error
	for _, doc := range docs {
		if !w.revision.fresh(doc) {
			continue
		}
		if err := w.post(doc); err != nil {
			errs = append(errs, fmt.Errorf("incident %s rev %d: %w", doc.Incident.ID, doc.Incident.Revision, err))
			continue
		}
		w.revision.accept(doc)
	}
	return errors.Join(errs...)
}

func (w *HTTPWriter) post(doc *Document) error {
	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("failed to marshal document: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range w.headers {
		req.Header.Set(k, v)
	}
	for k, v := range incidentHeaders(doc) {
		req.Header.Set(k, v)
	}
	req.Header.Set("Idempotency-Key", fmt.Sprintf("%s:%d", doc.Incident.ID, doc.Incident.Revision))

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	io.Copy(io.Discard, resp.Body)
	resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode != http.StatusConflict {
		return fmt.Errorf("http request failed with status %s", resp.Status)
	}
	return nil
}

// Close releases HTTP resources.
func (w *HTTPWriter) Close() error {
	w.client.CloseIdleConnections()
	return nil
}
