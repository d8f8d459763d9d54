package worker

import (
	"context"
	"log/slog"
	"time"

	gh "github.com/google/go-github/v82/github"
)

// closedPRLookback bounds how far back the closed-PR cache reaches. It must
// exceed BranchTTL or branches whose PR closed long ago would never expire.
const closedPRLookback = 3 * BranchTTL

// ExpireBranches deletes remote series branches whose pull request closed
// more than BranchTTL ago. Branches that do not match the series ref shape,
// branches with any open PR, and the worker's own branches are never
// touched.
func (w *Worker) ExpireBranches(ctx context.Context) error {
	for _, branch := range w.branches {
		if branch == w.name || branch == w.PRBase() {
			continue
		}
		if !ParsePRRef(branch).OK() {
			continue
		}
		if _, open := w.allPRs[branch]; open {
			continue
		}

		closed, err := w.FilterClosedPR(ctx, branch)
		if err != nil {
			return err
		}
		if closed == nil {
			// No closed PR inside the lookback: either the branch never had
			// one or it is ancient history. Leave it for manual cleanup.
			continue
		}
		if time.Since(closed.GetUpdatedAt().Time) <= BranchTTL {
			continue
		}

		slog.Info("expiring branch", "worker", w.name, "branch", branch,
			"closed_pr", closed.GetNumber())
		if err := w.gh.DeleteBranch(ctx, branch); err != nil {
			return err
		}
	}
	return nil
}

// ExpireUserPRs closes relevant open pull requests whose subject was not
// observed on the tracker and whose last update predates BranchTTL.
func (w *Worker) ExpireUserPRs(ctx context.Context, observedSubjects map[string]bool) error {
	for title, pr := range w.prs {
		if observedSubjects[title] {
			continue
		}
		if time.Since(pr.GetUpdatedAt().Time) <= BranchTTL {
			continue
		}
		slog.Info("expiring stale pr", "worker", w.name, "pr", pr.GetNumber(), "title", title)
		if err := w.gh.ClosePR(ctx, pr.GetNumber()); err != nil {
			return err
		}
		delete(w.prs, title)
	}
	return nil
}

// FilterClosedPR returns the most recently updated closed relevant PR whose
// head is branch, from the lazily fetched closed-PR cache.
func (w *Worker) FilterClosedPR(ctx context.Context, branch string) (*gh.PullRequest, error) {
	if !w.closedLoaded {
		closed, err := w.gh.ClosedPRs(ctx, time.Now().Add(-closedPRLookback))
		if err != nil {
			return nil, err
		}
		w.closedPRs = closed
		w.closedLoaded = true
	}

	var newest *gh.PullRequest
	for _, pr := range w.closedPRs {
		if pr.GetHead().GetRef() != branch {
			continue
		}
		if newest == nil || pr.GetUpdatedAt().Time.After(newest.GetUpdatedAt().Time) {
			newest = pr
		}
	}
	return newest, nil
}
