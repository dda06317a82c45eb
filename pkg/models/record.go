package models

import "time"

// RawRecord is one unparsed telemetry record as handed over by a collector.
type RawRecord struct {
	Source   string    `json:"source"`
	Payload  string    `json:"raw"`
	IngestTS time.Time `json:"ingest_ts"`
	Host     string    `json:"host"`
}
