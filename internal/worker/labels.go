package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// DefaultLabelColors returns the built-in label palette applied to the
// downstream repositories.
func DefaultLabelColors() map[string]string {
	return map[string]string{
		"changes-requested": "2a76af",
		MergeConflictLabel:  "e85506",
		"RFC":               "f2e318",
		"new":               "c2e0c6",
	}
}

// LoadLabelColors reads a YAML file mapping label name to hex color,
// overlaid on the default palette.
func LoadLabelColors(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading labels file: %w", err)
	}
	var fromFile map[string]string
	if err := yaml.Unmarshal(data, &fromFile); err != nil {
		return nil, fmt.Errorf("parsing labels file %s: %w", path, err)
	}
	colors := DefaultLabelColors()
	for name, color := range fromFile {
		colors[name] = strings.TrimPrefix(color, "#")
	}
	return colors, nil
}

// CreateColorLabels ensures every label of the worker's palette exists on
// the repository. Matching is case-insensitive and existing labels are left
// untouched, so repeated runs perform no edits.
func (w *Worker) CreateColorLabels(ctx context.Context) error {
	existing, err := w.gh.Labels(ctx)
	if err != nil {
		return err
	}
	present := make(map[string]bool, len(existing))
	for _, label := range existing {
		present[strings.ToLower(label.GetName())] = true
	}

	for name, color := range w.labelColors {
		if present[strings.ToLower(name)] {
			continue
		}
		slog.Info("creating label", "worker", w.name, "label", name, "color", color)
		if err := w.gh.CreateLabel(ctx, name, color); err != nil {
			return err
		}
	}
	return nil
}
