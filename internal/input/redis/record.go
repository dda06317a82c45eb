package redis

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"

	"aisiem/pkg/models"
)

type envelope struct {
	Source   string          `json:"source"`
	Raw      json.RawMessage `json:"raw"`
	Host     string          `json:"host"`
	IngestTS json.RawMessage `json:"ingest_ts"`
}

// DecodeRecord turns a queued message into a RawRecord. Messages carrying the
// {source, raw, host, ingest_ts} envelope are unwrapped; anything else becomes the
// payload of a record from defaultSource. now stamps records without an ingest time.
func DecodeRecord(msg []byte, defaultSource string, now time.Time) models.RawRecord {
	rec := models.RawRecord{Source: defaultSource, Payload: string(msg), IngestTS: now.UTC()}

	trimmed := bytes.TrimSpace(msg)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return rec
	}
	var env envelope
	if err := json.Unmarshal(trimmed, &env); err != nil || env.Source == "" || len(env.Raw) == 0 {
		return rec
	}

	rec.Source = env.Source
	rec.Host = env.Host
	rec.Payload = rawString(env.Raw)
	if ts, ok := parseIngestTS(env.IngestTS); ok {
		rec.IngestTS = ts
	}
	return rec
}

// rawString keeps string payloads as-is and embedded JSON documents verbatim.
func rawString(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

func parseIngestTS(raw json.RawMessage) (time.Time, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, false
	}
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil && f > 0 {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, false
	}
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t.UTC(), true
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil && f > 0 {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC(), true
	}
	return time.Time{}, false
}
