package findings

import (
	"github.com/google/uuid"
)

const unknownTitle = "Unknown Risk"

// Normalize converts one upstream record into a Finding. It is total: an
// empty record is valid input. target fills in records that do not name
// their own.
func Normalize(rec UpstreamRecord, target string) Finding {
	f := Finding{
		ID:          firstNonEmpty(rec.ID),
		Title:       firstNonEmpty(rec.Title, rec.Name, unknownTitle),
		Description: rec.Description,
		Severity:    ParseSeverity(firstNonEmpty(rec.Severity, rec.RiskLevel)),
		CVE:         rec.CVE,
		Protocol:    rec.Protocol,
		Service:     rec.Service,
		State:       rec.State,
		Target:      firstNonEmpty(rec.Target, target),
		Solution:    rec.Solution,
		References:  make([]string, 0, len(rec.References)),
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	switch {
	case rec.CVSSScore != nil:
		score := *rec.CVSSScore
		f.CVSSScore = &score
	case rec.CVSS != nil:
		score := *rec.CVSS
		f.CVSSScore = &score
	}
	if rec.Port != nil {
		port := *rec.Port
		f.Port = &port
	}
	f.References = append(f.References, rec.References...)

	return f
}

// NormalizeAll normalizes every record in order.
func NormalizeAll(recs []UpstreamRecord, target string) []Finding {
	out := make([]Finding, 0, len(recs))
	for _, rec := range recs {
		out = append(out, Normalize(rec, target))
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
