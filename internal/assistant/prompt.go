package assistant

import (
	"fmt"
	"strings"

	"github.com/hugh/escanv/internal/findings"
)

const basePrompt = `You are E-scanV AI Patch Assistant, an expert cybersecurity remediation AI. You help users fix vulnerabilities, remove malware, harden systems, and respond to incidents.

Guidelines:
- Provide specific, actionable commands in code blocks
- Be concise but thorough
- Always warn about risks before destructive operations
- Suggest backup/rollback steps
- Prioritize by severity (Critical > High > Medium > Low)
- Include validation commands to verify fixes
- For each fix, provide: the command, what it does, and potential side effects
- Generate ready-to-use scripts (Bash, PowerShell, Ansible) when asked`

const noScanData = "No scan data available yet. Help the user with general cybersecurity questions."

// BuildSystemPrompt returns the assistant preamble with one line per finding.
func BuildSystemPrompt(list []findings.Finding) string {
	var b strings.Builder
	b.WriteString(basePrompt)
	b.WriteString("\n\n")

	if len(list) == 0 {
		b.WriteString(noScanData)
		return b.String()
	}

	b.WriteString("REAL SCAN FINDINGS (from live scan):\n")
	for i, f := range list {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString(findingLine(f))
	}
	return b.String()
}

func findingLine(f findings.Finding) string {
	title := f.Title
	if title == "" {
		title = "Unknown"
	}

	parts := []string{fmt.Sprintf("- %s [%s]", title, f.Severity)}
	if f.CVE != "" {
		parts = append(parts, "CVE: "+f.CVE)
	}
	if f.Port != nil && *f.Port != 0 {
		parts = append(parts, fmt.Sprintf("Port: %d", *f.Port))
	}
	if f.Service != "" {
		parts = append(parts, "Service: "+f.Service)
	}
	if f.Solution != "" {
		parts = append(parts, "Suggested fix: "+f.Solution)
	}
	return strings.Join(parts, " | ")
}
