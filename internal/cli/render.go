package cli

import (
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/common-nighthawk/go-figure"
	"github.com/fatih/color"
	"github.com/hugh/escanv/internal/findings"
	"github.com/hugh/escanv/internal/scan"
)

var severityColors = map[findings.Severity]*color.Color{
	findings.SeverityCritical: color.New(color.FgHiRed, color.Bold),
	findings.SeverityHigh:     color.New(color.FgRed),
	findings.SeverityMedium:   color.New(color.FgYellow),
	findings.SeverityLow:      color.New(color.FgCyan),
	findings.SeverityInfo:     color.New(color.FgWhite),
}

var (
	okColor     = color.New(color.FgGreen)
	failColor   = color.New(color.FgRed, color.Bold)
	dimColor    = color.New(color.Faint)
	bannerColor = color.New(color.FgRed)
)

func severityLabel(s findings.Severity) string {
	c, ok := severityColors[s]
	if !ok {
		c = severityColors[findings.SeverityInfo]
	}
	return c.Sprintf("%-8s", s)
}

func printProgress(w io.Writer, snap scan.Snapshot) {
	switch snap.State {
	case scan.StateCompleted:
		okColor.Fprintf(w, "[%3d%%] %s\n", snap.Progress, snap.StatusMessage)
	case scan.StateFailed:
		failColor.Fprintf(w, "[%3d%%] %s: %s\n", snap.Progress, snap.StatusMessage, snap.Error)
	default:
		fmt.Fprintf(w, "[%3d%%] %s\n", snap.Progress, snap.StatusMessage)
	}
}

// printFindings lists findings worst first, followed by a per-severity
// tally.
func printFindings(w io.Writer, list []findings.Finding) {
	if len(list) == 0 {
		okColor.Fprintln(w, "No findings.")
		return
	}

	sorted := append([]findings.Finding(nil), list...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Severity.Rank() > sorted[j].Severity.Rank()
	})

	for _, f := range sorted {
		fmt.Fprintf(w, "%s %s", severityLabel(f.Severity), f.Title)
		var extra []string
		if f.Port != nil {
			extra = append(extra, fmt.Sprintf("port %d", *f.Port))
		}
		if f.Service != "" {
			extra = append(extra, f.Service)
		}
		if f.CVE != "" {
			extra = append(extra, f.CVE)
		}
		if len(extra) > 0 {
			dimColor.Fprintf(w, " (%s)", strings.Join(extra, ", "))
		}
		fmt.Fprintln(w)
		if f.Solution != "" {
			dimColor.Fprintf(w, "         fix: %s\n", f.Solution)
		}
	}

	tally := findings.Tally(list)
	parts := make([]string, 0, len(findings.Severities))
	for _, s := range findings.Severities {
		if n := tally[s]; n > 0 {
			parts = append(parts, fmt.Sprintf("%d %s", n, strings.ToLower(string(s))))
		}
	}
	fmt.Fprintf(w, "\n%d findings: %s\n", len(list), strings.Join(parts, ", "))
}

func printBanner(w io.Writer) {
	fig := figure.NewFigure("E-scanV", "doom", true)
	for _, row := range fig.Slicify() {
		bannerColor.Fprintln(w, row)
	}
	dimColor.Fprintln(w, "Remediation assistant | type 'exit' to leave")
	fmt.Fprintln(w)
}
