package enrich

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"aisiem/internal/logger"
)

// DefaultSubject is used when no NATS subject is configured.
const DefaultSubject = "aisiem.incidents"

// NATSWriter publishes each enrichment document as one NATS message.
type NATSWriter struct {
	conn    *nats.Conn
	subject string
}

// NewNATSWriter connects to url. The client reconnects on its own after drops.
func NewNATSWriter(url, subject string) (*NATSWriter, error) {
	if subject == "" {
		subject = DefaultSubject
	}
	conn, err := nats.Connect(url,
		nats.Name("aisiem"),
		nats.Timeout(10*time.Second),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(5*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logger.Warnf("NATS disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(c *nats.Conn) {
			logger.Infof("NATS reconnected to %s", c.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", url, err)
	}
	logger.Infof("NATS enrichment publisher initialized: %s subject=%s", url, subject)
	return &NATSWriter{conn: conn, subject: subject}, nil
}

// WriteDocuments publishes the batch and flushes the connection.
func (w *NATSWriter) WriteDocuments(docs []*Document) error {
	for _, doc := range docs {
		data, err := json.Marshal(doc)
		if err != nil {
			return fmt.Errorf("failed to marshal document: %w", err)
		}
		msg := nats.NewMsg(w.subject)
		msg.Data = data
		for k, v := range incidentHeaders(doc) {
			msg.Header.Set(k, v)
		}
		if err := w.conn.PublishMsg(msg); err != nil {
			return fmt.Errorf("failed to publish document: %w", err)
		}
	}
	if err := w.conn.FlushTimeout(5 * time.Second); err != nil {
		return fmt.Errorf("failed to flush NATS connection: %w", err)
	}
	return nil
}

// Close drains and closes the connection.
func (w *NATSWriter) Close() error {
	if w.conn == nil {
		return nil
	}
	err := w.conn.Drain()
	w.conn = nil
	return err
}
