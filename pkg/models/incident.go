package models

import "time"

// Status is the lifecycle state of an incident.
type Status string

const (
	StatusOpen   Status = "open"
	StatusClosed Status = "closed"
)

// Incident aggregates related detections.
type Incident struct {
	ID          string      `json:"id"`
	Status      Status      `json:"status"`
	StartTS     time.Time   `json:"start_ts"`
	EndTS       time.Time   `json:"end_ts"`
	Detections  []Detection `json:"detections"`
	Entities    Entities    `json:"entities"`
	Tags        []string    `json:"tags"`
	Severity    int         `json:"severity"`
	Revision    int64       `json:"revision"`
	ClosedAt    *time.Time  `json:"closed_at,omitempty"`
	CloseReason string      `json:"close_reason,omitempty"`
}

// Duration returns the span between the first and last detection.
func (i *Incident) Duration() time.Duration {
	return i.EndTS.Sub(i.StartTS)
}

// HasTag reports whether rule already contributed to the incident.
func (i *Incident) HasTag(rule string) bool {
	for _, t := range i.Tags {
		if t == rule {
			return true
		}
	}
	return false
}

// Clone returns a deep copy safe to hand to other goroutines.
func (i *Incident) Clone() *Incident {
	if i == nil {
		return nil
	}
	out := *i
	out.Detections = make([]Detection, len(i.Detections))
	for n, d := range i.Detections {
		out.Detections[n] = d.Clone()
	}
	out.Entities = i.Entities.Clone()
	out.Tags = cloneStrings(i.Tags)
	if i.ClosedAt != nil {
		t := *i.ClosedAt
		out.ClosedAt = &t
	}
	return &out
}
