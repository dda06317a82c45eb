package normalize

import (
	"encoding/json"
	"strconv"
	"strings"

	"aisiem/pkg/models"
)

type eventSpec struct {
	category models.Category
	subtype  string
	severity int
}

// securityEvents maps Security channel event ids. Anything else is auth/info.
var securityEvents = map[int]eventSpec{
	4624: {models.CategoryAuth, "login_success", 1},
	4625: {models.CategoryAuth, "login_failure", 5},
	4634: {models.CategoryAuth, "logoff", 0},
	4648: {models.CategoryAuth, "explicit_credentials", 4},
	4672: {models.CategoryAuth, "special_privileges", 3},
	4688: {models.CategoryProcess, "process_start", 2},
	4720: {models.CategoryConfig, "user_created", 4},
	4732: {models.CategoryConfig, "group_member_added", 5},
	4740: {models.CategoryAuth, "account_locked", 6},
	1102: {models.CategoryConfig, "audit_log_cleared", 8},
}

// ParseWindowsEvent maps a Get-WinEvent record rendered by ConvertTo-Json.
func ParseWindowsEvent(rec models.RawRecord) (*models.NormalizedEvent, error) {
	var data map[string]interface{}
	if err := json.Unmarshal([]byte(rec.Payload), &data); err != nil {
		return nil, err
	}

	eventID := getInt(data, "Id", "EventID", "event_id")
	message := getString(data, "Message")

	spec := eventSpec{models.CategoryGeneric, "info", 1}
	source := strings.ToLower(rec.Source)
	switch {
	case strings.HasSuffix(source, "security"):
		spec = eventSpec{models.CategoryAuth, "info", 1}
		if known, ok := securityEvents[eventID]; ok {
			spec = known
		}
	case strings.HasSuffix(source, "application"):
		spec.category = models.CategoryApp
	case strings.HasSuffix(source, "system"):
		spec.category = models.CategoryConfig
	}

	ts, _ := parseTimestamp(getString(data, "TimeCreated", "TimeCreated.DateTime"))

	ev := models.NewEvent(rec, ts, spec.category, spec.subtype, spec.severity)
	ev.Principal = getString(data, "UserId", "UserId.Value")
	if ev.Principal == "" {
		ev.Principal = "unknown"
	}
	ev.Object = strconv.Itoa(eventID)
	ev.Fields["event_id"] = eventID
	ev.Fields["message"] = truncate(message, 100)
	if provider := getString(data, "ProviderName"); provider != "" {
		ev.Fields["provider"] = provider
	}
	if account := accountName(message); account != "" {
		ev.Fields["TargetUserName"] = account
	}
	return ev, nil
}

// accountName pulls the last "Account Name:" value out of a rendered security message;
// for logon events the last one is the target account.
func accountName(message string) string {
	var name string
	for _, line := range strings.Split(message, "\n") {
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "Account Name:") {
			continue
		}
		v := strings.TrimSpace(strings.TrimPrefix(line, "Account Name:"))
		if v != "" && v != "-" {
			name = v
		}
	}
	return name
}
