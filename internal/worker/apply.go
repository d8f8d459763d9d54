package worker

import (
	"context"
	"strings"

	"github.com/kernel-patches/kpd/internal/patchwork"
)

// Conflict carries the git am output of a failed apply, surfaced to the
// submitter via PR comment and email.
type Conflict struct {
	Output string
}

// Applied notes that every patch of the series was already found in the
// target branch history.
type Applied struct {
	Branch string
}

// ApplyResult is the outcome of one apply attempt. Exactly one of the three
// shapes holds: Applied true, Conflict set, or AlreadyApplied set. Outcomes
// are values, not errors; they drive the routing decision, the error return
// is reserved for infrastructure failures.
type ApplyResult struct {
	Applied        bool
	Conflict       *Conflict
	AlreadyApplied *Applied
}

// TryApplyMailboxSeries applies a series onto a fresh branch rooted at the
// target tip. On a git am failure the attempt is aborted and the tree reset,
// leaving the branch at the base for the conflict-PR path.
func (w *Worker) TryApplyMailboxSeries(ctx context.Context, branchName string, series *patchwork.Series) (ApplyResult, error) {
	if err := w.repo.CheckoutNew(ctx, branchName, "origin/"+w.name); err != nil {
		return ApplyResult{}, err
	}
	if err := w.repo.Clean(ctx); err != nil {
		return ApplyResult{}, err
	}

	mbox, err := w.pw.DownloadMbox(ctx, series)
	if err != nil {
		return ApplyResult{}, err
	}

	out, err := w.repo.ApplyMbox(ctx, mbox)
	if err != nil {
		_ = w.repo.AbortApply(ctx)
		_ = w.repo.ResetHard(ctx, "origin/"+w.name)
		return ApplyResult{Conflict: &Conflict{Output: out}}, nil
	}

	applied, err := w.seriesAlreadyApplied(ctx, series)
	if err != nil {
		return ApplyResult{}, err
	}
	if applied {
		return ApplyResult{AlreadyApplied: &Applied{Branch: w.name}}, nil
	}
	return ApplyResult{Applied: true}, nil
}

// seriesAlreadyApplied reports whether every patch of the series already
// appears in the recent history of the target branch. Summaries are compared
// case-insensitively with bracket tags stripped.
func (w *Worker) seriesAlreadyApplied(ctx context.Context, series *patchwork.Series) (bool, error) {
	patches, err := series.Patches(ctx)
	if err != nil {
		return false, err
	}
	if len(patches) == 0 {
		return false, nil
	}

	subjects, err := w.repo.Subjects(ctx, "origin/"+w.name, AlreadyMergedLookback)
	if err != nil {
		return false, err
	}
	seen := make(map[string]bool, len(subjects))
	for _, s := range subjects {
		seen[normalizeSummary(s)] = true
	}

	for _, patch := range patches {
		if !seen[normalizeSummary(patch.Name)] {
			return false, nil
		}
	}
	return true, nil
}

func normalizeSummary(s string) string {
	return strings.ToLower(patchwork.NormalizeSubject(s))
}
