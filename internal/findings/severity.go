package findings

import "strings"

type Severity string

const (
	SeverityCritical Severity = "CRITICAL"
	SeverityHigh     Severity = "HIGH"
	SeverityMedium   Severity = "MEDIUM"
	SeverityLow      Severity = "LOW"
	SeverityInfo     Severity = "INFO"
)

// Severities lists every severity from most to least severe.
var Severities = []Severity{
	SeverityCritical,
	SeverityHigh,
	SeverityMedium,
	SeverityLow,
	SeverityInfo,
}

// ParseSeverity upper-cases free-text severity and coerces anything
// unrecognized to INFO.
func ParseSeverity(s string) Severity {
	switch sev := Severity(strings.ToUpper(strings.TrimSpace(s))); sev {
	case SeverityCritical, SeverityHigh, SeverityMedium, SeverityLow, SeverityInfo:
		return sev
	}
	return SeverityInfo
}

// Rank orders severities for sorting; higher is worse.
func (s Severity) Rank() int {
	switch s {
	case SeverityCritical:
		return 4
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	case SeverityLow:
		return 1
	default:
		return 0
	}
}

// Tally counts findings per severity.
func Tally(list []Finding) map[Severity]int {
	counts := make(map[Severity]int, len(Severities))
	for _, f := range list {
		counts[f.Severity]++
	}
	return counts
}
