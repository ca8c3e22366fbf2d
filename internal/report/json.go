package report

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/ogulcanaydogan/apkforge/internal/verify"
)

// WriteJSON writes v as indented JSON. Both build summaries and verify
// reports go through here.
func WriteJSON(path string, v any) error {
	raw, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}
	return os.WriteFile(path, append(raw, '\n'), 0o644)
}

// ReadSummary loads a summary written by WriteJSON.
func ReadSummary(path string) (Summary, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return Summary{}, fmt.Errorf("read summary: %w", err)
	}
	var s Summary
	if err := json.Unmarshal(raw, &s); err != nil {
		return Summary{}, fmt.Errorf("decode summary: %w", err)
	}
	return s, nil
}

// Render loads a build summary or a verify report from path and renders it
// as markdown. Summaries are recognised by their build_id field.
func Render(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read report: %w", err)
	}
	var probe map[string]json.RawMessage
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("decode report: %w", err)
	}
	if _, ok := probe["build_id"]; ok {
		var s Summary
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", fmt.Errorf("decode summary: %w", err)
		}
		return BuildMarkdown(s), nil
	}
	if _, ok := probe["exit_code"]; !ok {
		return "", fmt.Errorf("%s is neither a build summary nor a verify report", path)
	}
	var r verify.Report
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("decode verify report: %w", err)
	}
	return VerifyMarkdown(r), nil
}
