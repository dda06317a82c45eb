package models

import (
	"testing"
	"time"
)

func TestEntitiesAddKeepsSetsSortedAndUnique(t *testing.T) {
	var s Entities
	for _, v := range []string{"h2", "h1", "h3", "h1", "h2"} {
		s.Add(EntityHost, v)
	}
	if len(s.Hosts) != 3 {
		t.Fatalf("expected 3 hosts, got %v", s.Hosts)
	}
	if s.Hosts[0] != "h1" || s.Hosts[1] != "h2" || s.Hosts[2] != "h3" {
		t.Fatalf("hosts not sorted: %v", s.Hosts)
	}
	if s.Add(EntityHost, "h1") {
		t.Fatalf("re-adding an existing member must not report growth")
	}
	if s.Add(EntityUser, "") {
		t.Fatalf("empty values must be ignored")
	}
	if !s.Has(EntityHost, "h3") || s.Has(EntityUser, "h3") {
		t.Fatalf("membership is per kind")
	}
}

func TestDetectionEntitiesSkipsPlaceholders(t *testing.T) {
	d := Detection{
		ID:        "d1",
		Host:      "WS-01",
		Timestamp: time.Unix(1000, 0),
		Details: map[string]interface{}{
			"user":           "unknown",
			"TargetUserName": "alice",
			"src_ip":         "10.0.0.5",
			"dst_ip":         "-",
			"Image":          `C:\Windows\System32\cmd.exe`,
		},
	}
	s := d.Entities()
	if !s.Has(EntityHost, "WS-01") {
		t.Fatalf("missing host: %+v", s)
	}
	if len(s.Users) != 1 || s.Users[0] != "alice" {
		t.Fatalf("unexpected users: %v", s.Users)
	}
	if len(s.IPs) != 1 || s.IPs[0] != "10.0.0.5" {
		t.Fatalf("unexpected ips: %v", s.IPs)
	}
	if len(s.Processes) != 1 {
		t.Fatalf("unexpected processes: %v", s.Processes)
	}
}

func TestDetectionValidate(t *testing.T) {
	ok := Detection{ID: "d", Severity: 10, Timestamp: time.Unix(1, 0)}
	if err := ok.Validate(); err != nil {
		t.Fatalf("expected valid detection, got %v", err)
	}
	cases := []Detection{
		{Severity: 1, Timestamp: time.Unix(1, 0)},
		{ID: "d", Severity: 11, Timestamp: time.Unix(1, 0)},
		{ID: "d", Severity: -1, Timestamp: time.Unix(1, 0)},
		{ID: "d", Severity: 1},
	}
	for i, c := range cases {
		if err := c.Validate(); err == nil {
			t.Fatalf("case %d: expected validation error", i)
		}
	}
}

func TestParseCategoryFallsBackToGeneric(t *testing.T) {
	if ParseCategory("AUTH") != CategoryAuth {
		t.Fatalf("expected auth")
	}
	if ParseCategory("fs") != CategoryFilesystem {
		t.Fatalf("expected filesystem alias")
	}
	if ParseCategory("weird") != CategoryGeneric {
		t.Fatalf("expected generic fallback")
	}
}

func TestNewEventClampsSeverity(t *testing.T) {
	rec := RawRecord{Source: "x", Host: "h", IngestTS: time.Unix(50, 0)}
	ev := NewEvent(rec, time.Time{}, Category("bogus"), "", 42)
	if ev.Severity != MaxSeverity {
		t.Fatalf("expected clamp to %d, got %d", MaxSeverity, ev.Severity)
	}
	if ev.Category != CategoryGeneric || ev.Subtype != SubtypeUnknown {
		t.Fatalf("unexpected classification: %s/%s", ev.Category, ev.Subtype)
	}
	if !ev.Timestamp.Equal(rec.IngestTS) {
		t.Fatalf("expected ingest timestamp fallback")
	}
}

func TestIncidentCloneIsIndependent(t *testing.T) {
	inc := &Incident{
		ID:         "INC-1",
		Detections: []Detection{{ID: "d1", Details: map[string]interface{}{"user": "alice"}}},
		Tags:       []string{"R1"},
	}
	inc.Entities.Add(EntityHost, "h1")

	cp := inc.Clone()
	cp.Tags[0] = "changed"
	cp.Entities.Add(EntityHost, "h2")
	cp.Detections[0].Details["user"] = "mallory"

	if inc.Tags[0] != "R1" || len(inc.Entities.Hosts) != 1 || inc.Detections[0].Detail("user") != "alice" {
		t.Fatalf("clone shares state with source: %+v", inc)
	}
}
