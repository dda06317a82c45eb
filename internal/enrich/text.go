package enrich

import (
	"fmt"
	"strings"
	"time"

	"aisiem/pkg/models"
)

// EventText renders a normalized event as a single line for embedding models.
func EventText(ev *models.NormalizedEvent) string {
	if ev == nil {
		return ""
	}
	parts := []string{
		ev.Timestamp.UTC().Format(time.RFC3339),
		ev.Source,
		string(ev.Category),
		ev.Subtype,
		orNone(ev.Principal),
		orNone(ev.Object),
		ev.Raw,
	}
	return strings.Join(parts, " ")
}

// IncidentText renders an incident as the analyst prompt body handed to summarizers.
func IncidentText(inc *models.Incident) string {
	if inc == nil {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Incident ID: %s\n", inc.ID)
	fmt.Fprintf(&b, "Status: %s\n", inc.Status)
	fmt.Fprintf(&b, "Severity: %d\n", inc.Severity)
	fmt.Fprintf(&b, "Duration: %d seconds\n", int64(inc.Duration()/time.Second))
	fmt.Fprintf(&b, "Entities: hosts=%s users=%s ips=%s processes=%s\n",
		list(inc.Entities.Hosts), list(inc.Entities.Users), list(inc.Entities.IPs), list(inc.Entities.Processes))
	if tactics := Tactics(inc); len(tactics) > 0 {
		fmt.Fprintf(&b, "Tactics: %s\n", strings.Join(tactics, " -> "))
	}
	if techniques := Techniques(inc); len(techniques) > 0 {
		fmt.Fprintf(&b, "Techniques: %s\n", strings.Join(techniques, ", "))
	}
	b.WriteString("\nDetections:\n")
	for _, d := range inc.Detections {
		fmt.Fprintf(&b, "- %s (Severity: %d)\n", d.Title, d.Severity)
	}
	return b.String()
}

func list(v []string) string {
	if len(v) == 0 {
		return "[]"
	}
	return "[" + strings.Join(v, ", ") + "]"
}

func orNone(v string) string {
	if v == "" {
		return "None"
	}
	return v
}
