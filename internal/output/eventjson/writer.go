package eventjson

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"aisiem/internal/enrich"
	"aisiem/internal/logger"
	"aisiem/pkg/models"
)

// Writer appends normalized events to a JSON lines file.
type Writer struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

type line struct {
	*models.NormalizedEvent
	Text string `json:"text"`
}

// NewWriter opens path for appending, creating parent directories.
func NewWriter(path string) (*Writer, error) {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open output file: %w", err)
	}

	logger.Infof("Event JSON writer initialized: %s", path)
	return &Writer{file: f, encoder: json.NewEncoder(f)}, nil
}

// WriteEvents writes a batch of events with their embedding text.
func (w *Writer) WriteEvents(events []*models.NormalizedEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, ev := range events {
		if ev == nil {
			continue
		}
		if err := w.encoder.Encode(line{NormalizedEvent: ev, Text: enrich.EventText(ev)}); err != nil {
			return fmt.Errorf("failed to encode event: %w", err)
		}
	}
	return nil
}

// Close closes the output file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.file != nil {
		err := w.file.Close()
		w.file = nil
		return err
	}
	return nil
}
