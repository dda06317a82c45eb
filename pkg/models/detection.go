package models

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// Detail keys consulted when extracting entities from a detection.
var (
	UserDetailKeys    = []string{"user", "TargetUserName", "SubjectUserName", "User", "principal"}
	IPDetailKeys      = []string{"ip", "src_ip", "dst_ip", "IpAddress", "SourceIp", "DestinationIp"}
	ProcessDetailKeys = []string{"process", "Image", "process_name", "NewProcessName"}
)

// Detection is a single rule hit produced by rule evaluation.
type Detection struct {
	ID        string                 `json:"id"`
	Title     string                 `json:"title"`
	Severity  int                    `json:"severity"`
	Timestamp time.Time              `json:"ts"`
	Host      string                 `json:"host"`
	RuleID    string                 `json:"rule_id"`
	Details   map[string]interface{} `json:"details,omitempty"`
}

// Validate checks the construction invariants of a detection.
func (d *Detection) Validate() error {
	if d == nil {
		return errors.New("detection is nil")
	}
	if strings.TrimSpace(d.ID) == "" {
		return errors.New("detection id is empty")
	}
	if !ValidSeverity(d.Severity) {
		return fmt.Errorf("detection severity %d out of range [%d,%d]", d.Severity, MinSeverity, MaxSeverity)
	}
	if d.Timestamp.IsZero() {
		return errors.New("detection timestamp is zero")
	}
	return nil
}

// Detail returns a detail value rendered as a string.
func (d *Detection) Detail(name string) string {
	if d == nil || d.Details == nil {
		return ""
	}
	return Stringify(d.Details[name])
}

// User returns the first non-placeholder user identity carried by the detection.
func (d *Detection) User() string {
	return d.firstDetail(UserDetailKeys)
}

func (d *Detection) firstDetail(keys []string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(d.Detail(k)); !isPlaceholder(v) {
			return v
		}
	}
	return ""
}

func (d *Detection) allDetails(keys []string) []string {
	var out []string
	for _, k := range keys {
		if v := strings.TrimSpace(d.Detail(k)); !isPlaceholder(v) {
			out = append(out, v)
		}
	}
	return out
}

// Entities extracts the identities the detection can be correlated on.
func (d *Detection) Entities() Entities {
	var s Entities
	if h := strings.TrimSpace(d.Host); !isPlaceholder(h) {
		s.Add(EntityHost, h)
	}
	if u := d.User(); u != "" {
		s.Add(EntityUser, u)
	}
	for _, ip := range d.allDetails(IPDetailKeys) {
		s.Add(EntityIP, ip)
	}
	for _, p := range d.allDetails(ProcessDetailKeys) {
		s.Add(EntityProcess, p)
	}
	return s
}

// Clone returns a copy with its own details map.
func (d Detection) Clone() Detection {
	if d.Details != nil {
		details := make(map[string]interface{}, len(d.Details))
		for k, v := range d.Details {
			details[k] = v
		}
		d.Details = details
	}
	return d
}
