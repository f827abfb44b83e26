package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nimburion/upgradejob/pkg/batch"
	"github.com/nimburion/upgradejob/pkg/health"
	"github.com/nimburion/upgradejob/pkg/upgrade"
	"github.com/nimburion/upgradejob/pkg/version"
)

// Output formats accepted by --output.
const (
	OutputText = "text"
	OutputJSON = "json"
	OutputYAML = "yaml"
)

func validateOutput(format string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(format))
	switch normalized {
	case OutputText, OutputJSON, OutputYAML:
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid output format %q (must be one of: text, json, yaml)", format)
	}
}

// runReport is the machine readable result of one run attempt.
type runReport struct {
	Job      string         `json:"job" yaml:"job"`
	RunState string         `json:"state" yaml:"state"`
	Summary  string         `json:"summary" yaml:"summary"`
	Progress batch.Snapshot `json:"progress" yaml:"progress"`
	Error    string         `json:"error,omitempty" yaml:"error,omitempty"`
}

func newRunReport(job string, state upgrade.State, snapshot batch.Snapshot, err error) runReport {
	report := runReport{
		Job:      job,
		RunState: state.String(),
		Summary:  snapshot.Summary(),
		Progress: snapshot,
	}
	if err != nil {
		report.Error = err.Error()
	}
	return report
}

func (r runReport) text() string {
	var sb strings.Builder
	switch r.RunState {
	case upgrade.StateSkipped.String():
		fmt.Fprintf(&sb, "Job %s is already running on another node; skipped.\n", r.Job)
	case upgrade.StateFailed.String():
		fmt.Fprintf(&sb, "%s\n", r.Summary)
		fmt.Fprintf(&sb, "Run failed: %s\n", r.Error)
	default:
		fmt.Fprintf(&sb, "%s\n", r.Summary)
	}
	return sb.String()
}

func healthText(result health.AggregatedResult) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "status: %s\n", result.Status)
	for _, check := range result.Checks {
		detail := check.Message
		if check.Error != "" {
			detail = check.Error
		}
		fmt.Fprintf(&sb, "  %-12s %-10s %s (%s)\n", check.Name, check.Status, detail, check.Duration)
	}
	return sb.String()
}

func versionText(info version.Info) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Service:    %s\n", info.Service)
	fmt.Fprintf(&sb, "Version:    %s\n", info.Version)
	fmt.Fprintf(&sb, "Commit:     %s\n", info.Commit)
	fmt.Fprintf(&sb, "Build Time: %s\n", info.BuildTime)
	fmt.Fprintf(&sb, "Go:         %s\n", info.GoVersion)
	return sb.String()
}

// render writes value in the requested format; text is used for the
// human readable form.
func render(w io.Writer, format string, value any, text string) error {
	switch format {
	case OutputJSON:
		encoder := json.NewEncoder(w)
		encoder.SetIndent("", "  ")
		if err := encoder.Encode(value); err != nil {
			return fmt.Errorf("encode json: %w", err)
		}
		return nil
	case OutputYAML:
		data, err := yaml.Marshal(value)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	default:
		_, err := io.WriteString(w, text)
		return err
	}
}
