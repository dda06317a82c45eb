package models

import (
	"fmt"
	"strings"
	"time"
)

// Severity bounds shared by events, detections and incidents.
const (
	MinSeverity = 0
	MaxSeverity = 10
)

// Category is the coarse classification of a normalized event.
type Category string

const (
	CategoryAuth       Category = "auth"
	CategoryProcess    Category = "process"
	CategoryNetwork    Category = "network"
	CategoryFilesystem Category = "filesystem"
	CategoryConfig     Category = "config"
	CategoryApp        Category = "app"
	CategoryGeneric    Category = "generic"
)

// SubtypeUnknown marks events whose source no parser recognized.
const SubtypeUnknown = "unknown"

// Valid reports whether c is one of the enumerated categories.
func (c Category) Valid() bool {
	switch c {
	case CategoryAuth, CategoryProcess, CategoryNetwork, CategoryFilesystem, CategoryConfig, CategoryApp, CategoryGeneric:
		return true
	}
	return false
}

// ParseCategory maps a free-form name onto the enum. Unrecognized names become generic.
func ParseCategory(s string) Category {
	c := Category(strings.ToLower(strings.TrimSpace(s)))
	switch c {
	case "fs", "file":
		return CategoryFilesystem
	case "proc":
		return CategoryProcess
	case "net":
		return CategoryNetwork
	}
	if c.Valid() {
		return c
	}
	return CategoryGeneric
}

// ClampSeverity forces v into [MinSeverity, MaxSeverity].
func ClampSeverity(v int) int {
	if v < MinSeverity {
		return MinSeverity
	}
	if v > MaxSeverity {
		return MaxSeverity
	}
	return v
}

// ValidSeverity reports whether v lies in [MinSeverity, MaxSeverity].
func ValidSeverity(v int) bool {
	return v >= MinSeverity && v <= MaxSeverity
}

// NormalizedEvent is a raw record mapped onto the common event shape.
type NormalizedEvent struct {
	Timestamp time.Time              `json:"ts"`
	Host      string                 `json:"host"`
	Source    string                 `json:"source"`
	Category  Category               `json:"category"`
	Subtype   string                 `json:"subtype"`
	Severity  int                    `json:"severity"`
	Principal string                 `json:"principal,omitempty"`
	Object    string                 `json:"object,omitempty"`
	Fields    map[string]interface{} `json:"fields,omitempty"`
	Raw       string                 `json:"raw"`
}

// NewEvent builds an event for rec, enforcing the category enum and the severity range.
func NewEvent(rec RawRecord, ts time.Time, category Category, subtype string, severity int) *NormalizedEvent {
	if ts.IsZero() {
		ts = rec.IngestTS
	}
	if !category.Valid() {
		category = CategoryGeneric
	}
	if strings.TrimSpace(subtype) == "" {
		subtype = SubtypeUnknown
	}
	return &NormalizedEvent{
		Timestamp: ts,
		Host:      rec.Host,
		Source:    rec.Source,
		Category:  category,
		Subtype:   subtype,
		Severity:  ClampSeverity(severity),
		Fields:    make(map[string]interface{}),
		Raw:       rec.Payload,
	}
}

// Field returns a field value rendered as a string.
func (e *NormalizedEvent) Field(name string) string {
	if e == nil || e.Fields == nil {
		return ""
	}
	v, ok := e.Fields[name]
	if !ok {
		return ""
	}
	return Stringify(v)
}

// Stringify renders scalar JSON-ish values without float noise.
func Stringify(v interface{}) string {
	switch val := v.(type) {
	case nil:
		return ""
	case string:
		return val
	case fmt.Stringer:
		return val.String()
	case int:
		return fmt.Sprintf("%d", val)
	case int64:
		return fmt.Sprintf("%d", val)
	case float64:
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%f", val)
	case bool:
		if val {
			return "true"
		}
		return "false"
	default:
		return fmt.Sprintf("%v", val)
	}
}
