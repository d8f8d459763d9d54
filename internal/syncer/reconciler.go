package syncer

import (
	"context"
	"log/slog"

	gh "github.com/google/go-github/v82/github"

	"github.com/kernel-patches/kpd/internal/worker"
)

// CloseExistingPRsForSeries closes every open pull request that carries the
// winning PR's series on a different target branch. Run after each
// successful apply so that at cycle end a series has at most one open PR.
func CloseExistingPRsForSeries(ctx context.Context, workers []*worker.Worker, winning *gh.PullRequest) error {
	winningHead := winning.GetHead().GetRef()

	for _, w := range workers {
		prs := w.PRs()
		for title, pr := range prs {
			if pr.GetNumber() == winning.GetNumber() {
				continue
			}
			if !worker.SameSeriesDifferentTarget(winningHead, pr.GetHead().GetRef()) {
				continue
			}
			slog.Info("closing duplicate pr",
				"worker", w.Name(), "pr", pr.GetNumber(), "winning", winning.GetNumber())
			if err := w.Connector().ClosePR(ctx, pr.GetNumber()); err != nil {
				return err
			}
			delete(prs, title)
		}
	}
	return nil
}
