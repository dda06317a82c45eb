package rules

import (
	"fmt"
	"strings"

	"github.com/google/uuid"

	"aisiem/pkg/models"
)

// Engine evaluates detection rules against a normalized event.
type Engine interface {
	Evaluate(event *models.NormalizedEvent) []*models.Detection
}

// NoopEngine never detects anything.
type NoopEngine struct{}

// Evaluate returns no detections.
func (n *NoopEngine) Evaluate(event *models.NormalizedEvent) []*models.Detection {
	return nil
}

// MultiEngine concatenates the detections of several engines.
type MultiEngine []Engine

// Evaluate runs every engine in order.
func (m MultiEngine) Evaluate(event *models.NormalizedEvent) []*models.Detection {
	var out []*models.Detection
	for _, e := range m {
		if e == nil {
			continue
		}
		out = append(out, e.Evaluate(event)...)
	}
	return out
}

// ThresholdEngine raises a detection for every event at or above MinSeverity.
type ThresholdEngine struct {
	MinSeverity int
}

// Evaluate implements Engine.
func (t *ThresholdEngine) Evaluate(event *models.NormalizedEvent) []*models.Detection {
	if event == nil || t.MinSeverity <= 0 || event.Severity < t.MinSeverity {
		return nil
	}
	ruleID := "builtin.severity." + event.Subtype
	title := fmt.Sprintf("%s (%s) on %s", strings.ReplaceAll(event.Subtype, "_", " "), event.Category, event.Host)
	return []*models.Detection{newDetection(event, ruleID, title, event.Severity, nil)}
}

// detectionNamespace seeds deterministic detection ids so a replayed event yields the
// same id and is absorbed by the correlation engine.
var detectionNamespace = uuid.MustParse("6f1c2a4e-8a7b-4f5e-9d0c-3b2a1e4f5d6c")

func newDetection(event *models.NormalizedEvent, ruleID, title string, severity int, extra map[string]interface{}) *models.Detection {
	key := strings.Join([]string{ruleID, event.Source, event.Host, event.Timestamp.UTC().Format("2006-01-02T15:04:05.000000000"), event.Raw}, "|")
	details := detailsFrom(event)
	for k, v := range extra {
		details[k] = v
	}
	return &models.Detection{
		ID:        uuid.NewSHA1(detectionNamespace, []byte(key)).String(),
		Title:     title,
		Severity:  models.ClampSeverity(severity),
		Timestamp: event.Timestamp,
		Host:      event.Host,
		RuleID:    ruleID,
		Details:   details,
	}
}

// detailsFrom copies the event context a detection carries forward, including every
// field the correlation engine extracts entities from.
func detailsFrom(event *models.NormalizedEvent) map[string]interface{} {
	details := map[string]interface{}{
		"category": string(event.Category),
		"subtype":  event.Subtype,
		"source":   event.Source,
	}
	if event.Principal != "" {
		details["principal"] = event.Principal
	}
	if event.Object != "" {
		details["object"] = event.Object
	}
	for _, keys := range [][]string{models.UserDetailKeys, models.IPDetailKeys, models.ProcessDetailKeys} {
		for _, k := range keys {
			if v := event.Field(k); v != "" {
				details[k] = v
			}
		}
	}
	return details
}
