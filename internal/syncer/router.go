// Package syncer runs the synchronization cycle: route series to target
// branches, apply them through the workers, reconcile duplicate pull
// requests and report checks back to the tracker.
package syncer

import (
	"context"

	"github.com/kernel-patches/kpd/internal/config"
	"github.com/kernel-patches/kpd/internal/patchwork"
	"github.com/kernel-patches/kpd/internal/worker"
)

// Router resolves series tags against the ordered tag-to-branch table.
type Router struct {
	mapping config.TagMapping
}

func NewRouter(mapping config.TagMapping) *Router {
	return &Router{mapping: mapping}
}

// MappedBranches returns the branch list of the first configured tag present
// on the series, in table order, falling back to the default entry. An empty
// result means the series is not synced at all.
func (r *Router) MappedBranches(ctx context.Context, series *patchwork.Series) ([]string, error) {
	tags, err := series.AllTags(ctx)
	if err != nil {
		return nil, err
	}
	present := make(map[string]bool, len(tags))
	for _, tag := range tags {
		present[tag] = true
	}

	for _, tag := range r.mapping.Tags() {
		if present[tag] {
			branches, _ := r.mapping.Branches(tag)
			return branches, nil
		}
	}
	return r.mapping.Default(), nil
}

// SelectTargetBranches narrows a multi-branch mapping to the sticky target:
// when exactly one mapped branch holds an open non-conflicting PR for the
// subject, the subject stays there. A single-entry mapping passes through
// untouched.
func (r *Router) SelectTargetBranches(ctx context.Context, subject *patchwork.Subject, mapped []string, workers map[string]*worker.Worker) ([]string, error) {
	if len(mapped) <= 1 {
		return mapped, nil
	}

	prefix, err := subject.Branch(ctx)
	if err != nil {
		return nil, err
	}

	var sticky []string
	for _, branch := range mapped {
		w, ok := workers[branch]
		if !ok {
			continue
		}
		head := prefix + config.SeriesTargetSeparator + branch
		for _, pr := range w.PRs() {
			if pr.GetHead().GetRef() != head {
				continue
			}
			if worker.HasLabel(pr, worker.MergeConflictLabel) {
				continue
			}
			sticky = append(sticky, branch)
			break
		}
	}

	if len(sticky) == 1 {
		return sticky, nil
	}
	return mapped, nil
}
