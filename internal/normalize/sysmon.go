package normalize

import (
	"encoding/json"

	"aisiem/internal/logger"
	"aisiem/pkg/models"
)

var sysmonEvents = map[int]eventSpec{
	1:  {models.CategoryProcess, "process_create", 3},
	3:  {models.CategoryNetwork, "network_connect", 3},
	5:  {models.CategoryProcess, "process_terminate", 1},
	7:  {models.CategoryProcess, "image_load", 2},
	8:  {models.CategoryProcess, "create_remote_thread", 7},
	10: {models.CategoryProcess, "process_access", 6},
	11: {models.CategoryFilesystem, "file_create", 2},
	12: {models.CategoryConfig, "registry_object", 3},
	13: {models.CategoryConfig, "registry_value_set", 3},
	14: {models.CategoryConfig, "registry_rename", 3},
	22: {models.CategoryNetwork, "dns_query", 2},
	23: {models.CategoryFilesystem, "file_delete", 3},
}

// ParseSysmon maps a winlogbeat Sysmon document.
func ParseSysmon(rec models.RawRecord) (*models.NormalizedEvent, error) {
	var raw map[string]interface{}
	if err := json.Unmarshal([]byte(rec.Payload), &raw); err != nil {
		return nil, err
	}

	eventID := getInt(raw, "winlog.event_id", "event.code", "event_id")
	spec, ok := sysmonEvents[eventID]
	if !ok {
		spec = eventSpec{models.CategoryGeneric, "info", 1}
	}

	ts := rec.IngestTS
	if t, ok := parseTimestamp(getString(raw, "@timestamp")); ok {
		ts = t
	}

	fields := map[string]interface{}{}
	if v, ok := getPath(raw, "winlog.event_data"); ok {
		if m, ok := v.(map[string]interface{}); ok {
			fields = m
		}
	}
	if t, ok := parseTimestamp(getString(fields, "UtcTime")); ok {
		ts = t
	}
	if len(fields) == 0 {
		logger.Warnf("Missing winlog.event_data (event_id=%d, record_id=%s)", eventID, getString(raw, "winlog.record_id"))
	}

	if host := getString(raw, "host.name", "host.hostname", "hostname"); host != "" {
		rec.Host = host
	}

	ev := models.NewEvent(rec, ts, spec.category, spec.subtype, spec.severity)
	ev.Fields = fields
	ev.Fields["EventID"] = eventID
	if ch := getString(raw, "winlog.channel"); ch != "" {
		ev.Fields["Channel"] = ch
	}
	ev.Principal = getString(fields, "User", "SourceUser")
	ev.Object = getString(fields, "TargetFilename", "TargetObject", "DestinationIp", "QueryName", "TargetImage", "Image")
	return ev, nil
}
