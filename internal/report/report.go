// Package report renders batch analysis results to the output directory.
package report

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/yourorg/vidlens/pkg/types"
)

// Report is the rendered form of one batch run.
type Report struct {
	JobID       string    `yaml:"job_id" json:"job_id"`
	Model       string    `yaml:"model" json:"model"`
	Prompt      string    `yaml:"prompt" json:"prompt"`
	GeneratedAt time.Time `yaml:"generated_at" json:"generated_at"`
	Succeeded   int       `yaml:"succeeded" json:"succeeded"`
	Failed      int       `yaml:"failed" json:"failed"`
	Items       []Item    `yaml:"items" json:"items"`
}

type Item struct {
	Index  int              `yaml:"index" json:"index"`
	Source string           `yaml:"source" json:"source"`
	Status types.ItemStatus `yaml:"status" json:"status"`
	Cached bool             `yaml:"cached,omitempty" json:"cached,omitempty"`
	Text   string           `yaml:"text,omitempty" json:"text,omitempty"`
	Error  string           `yaml:"error,omitempty" json:"error,omitempty"`
}

// Write renders rep in every requested format and returns the written
// paths. Unknown formats are an error.
func Write(rep *Report, outputDir string, formats []string) ([]string, error) {
	var paths []string
	for _, format := range formats {
		var (
			p   string
			err error
		)
		switch strings.ToLower(strings.TrimSpace(format)) {
		case "markdown", "md":
			p, err = RenderMarkdown(rep, outputDir)
		case "yaml", "yml":
			p, err = RenderYAML(rep, outputDir)
		default:
			err = fmt.Errorf("unknown output format %q", format)
		}
		if err != nil {
			return paths, err
		}
		paths = append(paths, p)
	}
	return paths, nil
}

// RenderMarkdown writes batch-<job>.md.
func RenderMarkdown(rep *Report, outputDir string) (string, error) {
	if rep == nil {
		return "", fmt.Errorf("report is nil")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}

	b := &strings.Builder{}
	fmt.Fprintf(b, "# Batch %s\n\n", rep.JobID)
	fmt.Fprintf(b, "- Model: %s\n", rep.Model)
	fmt.Fprintf(b, "- Generated: %s\n", rep.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(b, "- Succeeded: %d, failed: %d\n\n", rep.Succeeded, rep.Failed)
	if rep.Prompt != "" {
		fmt.Fprintln(b, "## Prompt")
		fmt.Fprintf(b, "\n%s\n\n", rep.Prompt)
	}
	fmt.Fprintln(b, "## Summary")
	fmt.Fprintln(b)
	fmt.Fprintln(b, "| # | Source | Status |")
	fmt.Fprintln(b, "|---|--------|--------|")
	for _, it := range rep.Items {
		fmt.Fprintf(b, "| %d | %s | %s |\n", it.Index+1, escapeCell(it.Source), it.Status)
	}
	for _, it := range rep.Items {
		fmt.Fprintf(b, "\n## %d. %s\n\n", it.Index+1, it.Source)
		if it.Status != types.ItemSuccess {
			fmt.Fprintf(b, "**Failed:** %s\n", it.Error)
			continue
		}
		if it.Cached {
			fmt.Fprintln(b, "_served from result cache_")
			fmt.Fprintln(b)
		}
		fmt.Fprintln(b, it.Text)
	}

	p := filepath.Join(outputDir, "batch-"+rep.JobID+".md")
	if err := os.WriteFile(p, []byte(b.String()), 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// RenderYAML writes batch-<job>.yaml.
func RenderYAML(rep *Report, outputDir string) (string, error) {
	if rep == nil {
		return "", fmt.Errorf("report is nil")
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", err
	}
	data, err := yaml.Marshal(rep)
	if err != nil {
		return "", err
	}
	p := filepath.Join(outputDir, "batch-"+rep.JobID+".yaml")
	if err := os.WriteFile(p, data, 0o644); err != nil {
		return "", err
	}
	return p, nil
}

// Load reads a YAML report back.
func Load(path string) (*Report, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rep Report
	if err := yaml.Unmarshal(data, &rep); err != nil {
		return nil, err
	}
	return &rep, nil
}

func escapeCell(s string) string {
	return strings.ReplaceAll(s, "|", `\|`)
}
