package normalize

import (
	"regexp"

	"aisiem/pkg/models"
)

var (
	sshFailedRe   = regexp.MustCompile(`Failed \S+ for (?:invalid user )?(\S+) from (\S+)`)
	sshAcceptedRe = regexp.MustCompile(`Accepted \S+ for (\S+) from (\S+)`)
	sudoRe        = regexp.MustCompile(`sudo:\s+(\S+)\s*:.*COMMAND=(.+)$`)
)

// ParseLinuxAuth maps a single auth.log line.
func ParseLinuxAuth(rec models.RawRecord) (*models.NormalizedEvent, error) {
	line := rec.Payload

	if m := sshFailedRe.FindStringSubmatch(line); m != nil {
		ev := models.NewEvent(rec, rec.IngestTS, models.CategoryAuth, "login_failure", 5)
		ev.Principal = m[1]
		ev.Fields["src_ip"] = m[2]
		ev.Object = "sshd"
		return ev, nil
	}
	if m := sshAcceptedRe.FindStringSubmatch(line); m != nil {
		ev := models.NewEvent(rec, rec.IngestTS, models.CategoryAuth, "login_success", 1)
		ev.Principal = m[1]
		ev.Fields["src_ip"] = m[2]
		ev.Object = "sshd"
		return ev, nil
	}
	if m := sudoRe.FindStringSubmatch(line); m != nil {
		ev := models.NewEvent(rec, rec.IngestTS, models.CategoryProcess, "sudo_command", 3)
		ev.Principal = m[1]
		ev.Fields["process"] = m[2]
		ev.Object = m[2]
		return ev, nil
	}

	ev := models.NewEvent(rec, rec.IngestTS, models.CategoryAuth, "info", 1)
	ev.Fields["message"] = truncate(line, 100)
	return ev, nil
}
