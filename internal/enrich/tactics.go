package enrich

import (
	"sort"
	"strings"

	"aisiem/pkg/models"
)

// Kill-chain order of ATT&CK tactics.
var tacticOrder = map[string]int{
	"initial-access":       1,
	"execution":            2,
	"persistence":          3,
	"privilege-escalation": 4,
	"defense-evasion":      5,
	"credential-access":    6,
	"discovery":            7,
	"lateral-movement":     8,
	"collection":           9,
	"command-and-control":  10,
	"exfiltration":         11,
	"impact":               12,
}

// Tactics returns the distinct ATT&CK tactics tagged on an incident's detections in
// kill-chain order. Unknown tactics sort last by name.
func Tactics(inc *models.Incident) []string {
	if inc == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for i := range inc.Detections {
		t := normalizeTactic(inc.Detections[i].Detail("tactic"))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := tacticRank(out[i]), tacticRank(out[j])
		if ri != rj {
			return ri < rj
		}
		return out[i] < out[j]
	})
	return out
}

// Techniques returns the distinct technique ids in first-seen order.
func Techniques(inc *models.Incident) []string {
	if inc == nil {
		return nil
	}
	seen := make(map[string]struct{})
	var out []string
	for i := range inc.Detections {
		t := strings.TrimSpace(inc.Detections[i].Detail("technique"))
		if t == "" {
			continue
		}
		if _, ok := seen[t]; !ok {
			seen[t] = struct{}{}
			out = append(out, t)
		}
	}
	return out
}

func normalizeTactic(v string) string {
	n := strings.ToLower(strings.TrimSpace(v))
	n = strings.ReplaceAll(n, "_", "-")
	return strings.ReplaceAll(n, " ", "-")
}

func tacticRank(v string) int {
	if r, ok := tacticOrder[v]; ok {
		return r
	}
	return len(tacticOrder) + 1
}
