package enrich

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"aisiem/internal/logger"
)

// FileWriter appends one JSON line per incident revision. Revisions at or below one
// already written for the same incident are skipped.
type FileWriter struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	buf      *bufio.Writer
	revision *revisionFilter
}

// NewFileWriter opens path for appending, creating parent directories.
func NewFileWriter(path string) (*FileWriter, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create enrichment directory: %w", err)
		}
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open enrichment file %s: %w", path, err)
	}
	logger.Infof("Enrichment file sink: %s", path)
	return &FileWriter{path: path, file: f, buf: bufio.NewWriter(f), revision: newRevisionFilter(0)}, nil
}

// WriteDocuments appends the fresh documents of a batch and flushes once.
func (w *FileWriter) WriteDocuments(docs []*Document) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return fmt.Errorf("enrichment file %s is closed", w.path)
	}

	enc := json.NewEncoder(w.buf)
	written := make([]*Document, 0, len(docs))
	for _, doc := range docs {
		if !w.revision.fresh(doc) {
			continue
		}
		if err := enc.Encode(doc); err != nil {
			return fmt.Errorf("encode incident %s: %w", doc.Incident.ID, err)
		}
		written = append(written, doc)
	}
	if err := w.buf.Flush(); err != nil {
		return fmt.Errorf("flush enrichment file: %w", err)
	}
	for _, doc := range written {
		w.revision.accept(doc)
	}
	return nil
}

// Close flushes and closes the file.
func (w *FileWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := errors.Join(w.buf.Flush(), w.file.Close())
	w.file = nil
	return err
}
