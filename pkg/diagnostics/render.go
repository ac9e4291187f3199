package diagnostics

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/openfroyo/hubctl/pkg/engine"
)

// Render writes the report as structured text: section headers, one line
// per check and a final summary.
func Render(w io.Writer, report *engine.DiagnosticReport) error {
	if report == nil {
		_, err := fmt.Fprintln(w, "No diagnostic report.")
		return err
	}

	var b strings.Builder

	b.WriteString("=== Diagnostic Report ===\n")
	fmt.Fprintf(&b, "Request:   %s\n", report.RequestID)
	fmt.Fprintf(&b, "Target:    %s\n", report.Target)
	fmt.Fprintf(&b, "Generated: %s\n", report.GeneratedAt.UTC().Format(time.RFC3339))

	b.WriteString("\n=== Checks ===\n")
	width := 0
	for _, c := range report.Checks {
		if len(c.Name) > width {
			width = len(c.Name)
		}
	}
	for _, c := range report.Checks {
		fmt.Fprintf(&b, "[%-7s] %-*s  %s\n", strings.ToUpper(string(c.Verdict)), width, c.Name, c.Detail)
		if c.Remediation != "" && c.Verdict != engine.VerdictPass {
			fmt.Fprintf(&b, "%*s  -> %s\n", width+10, "", c.Remediation)
		}
	}

	b.WriteString("\n=== Summary ===\n")
	fmt.Fprintf(&b, "Overall: %s\n", OverallText(report.Overall))
	if report.Recommendation != "" {
		fmt.Fprintf(&b, "Recommendation: %s\n", report.Recommendation)
	}

	_, err := io.WriteString(w, b.String())
	return err
}

// OverallText describes the overall verdict in one line.
func OverallText(o engine.Overall) string {
	switch o.Kind {
	case engine.OverallLikelyRootCause:
		return fmt.Sprintf("likely root cause: %s", strings.Join(o.Checks, ", "))
	case engine.OverallMultipleIssues:
		return fmt.Sprintf("multiple issues: %s", strings.Join(o.Checks, ", "))
	default:
		return "no obvious issue"
	}
}

// RenderJSON writes the report as indented JSON.
func RenderJSON(w io.Writer, report *engine.DiagnosticReport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	return nil
}
