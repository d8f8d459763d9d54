package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	gh "github.com/google/go-github/v82/github"
	"golang.org/x/sync/errgroup"

	"github.com/kernel-patches/kpd/internal/config"
	"github.com/kernel-patches/kpd/internal/github"
	"github.com/kernel-patches/kpd/internal/patchwork"
	"github.com/kernel-patches/kpd/internal/stats"
	"github.com/kernel-patches/kpd/internal/worker"
)

// Cycle counter names. The supervisor predeclares them alongside its own.
const (
	CounterFullCycle      = "full_cycle_duration"
	CounterMirror         = "mirror_duration"
	CounterTrackerFetch   = "pw_fetch_duration"
	CounterPatchAndUpdate = "patch_and_update_duration"
	CounterPRsTotal       = "prs_total"
	CounterEmptyPR        = "empty_pr"
	CounterKnownSubjects  = "all_known_subjects"
)

// CounterNames lists every counter one cycle writes.
func CounterNames() []string {
	return []string{
		CounterFullCycle,
		CounterMirror,
		CounterTrackerFetch,
		CounterPatchAndUpdate,
		CounterPRsTotal,
		CounterEmptyPR,
		CounterKnownSubjects,
	}
}

// Options carries the constructor parameters for GithubSync.
type Options struct {
	Config   *config.Config
	Counters *stats.Stats
	// Since is the start of the previous successful cycle; zero on the
	// first iteration, leaving the tracker window at the configured
	// lookback.
	Since       time.Time
	LabelColors map[string]string

	// GithubBaseURL overrides the code host API endpoint, used by tests.
	GithubBaseURL string
}

// GithubSync is the per-cycle sync unit: fresh tracker and host clients,
// fresh worker caches. The supervisor builds a new one each iteration so a
// poisoned transport never outlives its cycle.
type GithubSync struct {
	pw       *patchwork.Client
	router   *Router
	counters *stats.Stats

	workers map[string]*worker.Worker
	order   []string
}

// NewGithubSync builds the cycle unit: one tracker client and one worker per
// configured branch. Connector construction resolves the bot login, so this
// performs network I/O and can fail.
func NewGithubSync(ctx context.Context, opts Options) (*GithubSync, error) {
	cfg := opts.Config

	pw := patchwork.NewClient(patchwork.ClientConfig{
		Server:         cfg.Patchwork.Server,
		Project:        cfg.Patchwork.Project,
		SearchPatterns: cfg.Patchwork.SearchPatterns,
		LookbackDays:   cfg.Patchwork.Lookback,
		APIToken:       cfg.Patchwork.APIToken,
		Since:          opts.Since,
	})

	s := &GithubSync{
		pw:       pw,
		router:   NewRouter(cfg.TagToBranchMapping),
		counters: opts.Counters,
		workers:  make(map[string]*worker.Worker, len(cfg.Branches)),
	}

	allPRs := make(map[string]map[string][]*gh.PullRequest)
	extractor := github.ExtractorForProject(cfg.Patchwork.Project)

	for _, name := range sortedBranchNames(cfg.Branches) {
		bcfg := cfg.Branches[name]
		conn, err := newConnector(ctx, bcfg, opts.GithubBaseURL)
		if err != nil {
			return nil, fmt.Errorf("initializing worker %s: %w", name, err)
		}
		s.workers[name] = worker.New(worker.Options{
			Name:          name,
			Config:        bcfg,
			BaseDirectory: cfg.BaseDirectory,
			Connector:     conn,
			Tracker:       pw,
			Counters:      opts.Counters,
			Email:         cfg.Email,
			LabelColors:   opts.LabelColors,
			AllPRs:        allPRs,
			Extractor:     extractor,
		})
		s.order = append(s.order, name)
	}
	return s, nil
}

func newConnector(ctx context.Context, bcfg config.BranchConfig, baseURL string) (*github.Connector, error) {
	cc := github.ConnectorConfig{
		RepoURL:    bcfg.Repo,
		OauthToken: bcfg.GithubOauthToken,
		BaseURL:    baseURL,
	}
	if app := bcfg.GithubAppAuth; app != nil {
		cc.AppAuth = &github.AppAuth{
			AppID:          app.AppID,
			InstallationID: app.InstallationID,
			PrivateKey:     []byte(app.PrivateKey),
		}
	}
	return github.NewConnector(ctx, cc)
}

func sortedBranchNames(branches map[string]config.BranchConfig) []string {
	names := make([]string, 0, len(branches))
	for name := range branches {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// SyncPatches runs one full cycle: mirror, fetch subjects, per-subject
// apply, orphan sweep, expiry and telemetry.
func (s *GithubSync) SyncPatches(ctx context.Context) error {
	var active []*worker.Worker
	for _, name := range s.order {
		if w := s.workers[name]; w.CanDoSync() {
			active = append(active, w)
		} else {
			slog.Warn("worker cannot sync, skipping", "worker", name)
		}
	}
	if len(active) == 0 {
		slog.Error("no worker can sync, cycle skipped")
		return nil
	}

	syncStart := time.Now()

	// Git-heavy worker phase, fanned out. Shared caches are touched only in
	// the sequential pass below.
	g, gctx := errgroup.WithContext(ctx)
	for _, w := range active {
		g.Go(func() error {
			if err := w.FetchRepoBranch(gctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			if err := w.DoSync(gctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			if err := w.RefreshBranches(gctx); err != nil {
				return fmt.Errorf("worker %s: %w", w.Name(), err)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	for _, w := range active {
		if err := w.GetPulls(ctx); err != nil {
			return fmt.Errorf("worker %s: %w", w.Name(), err)
		}
		if err := w.CreateColorLabels(ctx); err != nil {
			return fmt.Errorf("worker %s: %w", w.Name(), err)
		}
	}
	mirrorDone := time.Now()

	for _, w := range active {
		if err := w.UpdateE2ETestBranchAndPRs(ctx); err != nil {
			return fmt.Errorf("worker %s: %w", w.Name(), err)
		}
	}

	subjects, err := s.pw.GetRelevantSubjects(ctx)
	if err != nil {
		return fmt.Errorf("fetching subjects: %w", err)
	}
	pwDone := time.Now()
	stats.PatchworkFetchSeconds.Observe(pwDone.Sub(mirrorDone).Seconds())

	observed := make(map[string]bool, len(subjects))
	for _, subject := range subjects {
		observed[subject.Subject] = true
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := s.syncRelevantSubject(ctx, active, subject); err != nil {
			slog.Error("subject sync failed", "subject", subject.Subject, "error", err)
		}
	}

	s.sweepOrphanedPRs(ctx, active, observed)

	for _, w := range active {
		if err := w.ExpireBranches(ctx); err != nil {
			slog.Error("branch expiry failed", "worker", w.Name(), "error", err)
		}
		if err := w.ExpireUserPRs(ctx, observed); err != nil {
			slog.Error("pr expiry failed", "worker", w.Name(), "error", err)
		}
		if remaining, err := w.Connector().RateLimitRemaining(ctx); err == nil {
			stats.RatelimitRemaining.WithLabelValues(w.Connector().UserLogin()).Set(float64(remaining))
		}
		s.counters.Set(CounterPRsTotal, s.counters.Get(CounterPRsTotal)+float64(len(w.PRs())))
		stats.ProcessedPRsTotal.Add(float64(len(w.PRs())))
	}

	end := time.Now()
	s.counters.Set(CounterFullCycle, end.Sub(syncStart).Seconds())
	s.counters.Set(CounterMirror, mirrorDone.Sub(syncStart).Seconds())
	s.counters.Set(CounterTrackerFetch, pwDone.Sub(mirrorDone).Seconds())
	s.counters.Set(CounterPatchAndUpdate, end.Sub(pwDone).Seconds())
	stats.FullCycleSeconds.Observe(end.Sub(syncStart).Seconds())
	return nil
}

// syncRelevantSubject routes one subject to its target branches and commits
// it to the first branch it applies on, or to the last mapped branch as a
// conflict PR when it applies nowhere.
func (s *GithubSync) syncRelevantSubject(ctx context.Context, active []*worker.Worker, subject *patchwork.Subject) error {
	series, err := subject.LatestSeries(ctx)
	if err != nil {
		return err
	}
	if series == nil {
		return nil
	}

	mapped, err := s.router.MappedBranches(ctx, series)
	if err != nil {
		return err
	}
	if len(mapped) == 0 {
		slog.Debug("subject maps to no branch", "subject", subject.Subject)
		return nil
	}
	targets, err := s.router.SelectTargetBranches(ctx, subject, mapped, s.workers)
	if err != nil {
		return err
	}

	last := targets[len(targets)-1]
	for _, branch := range targets {
		w, ok := s.workers[branch]
		if !ok || !activeWorker(active, w) {
			continue
		}

		branchName, err := w.SubjectToBranch(ctx, subject)
		if err != nil {
			return err
		}
		res, err := w.TryApplyMailboxSeries(ctx, branchName, series)
		if err != nil {
			return err
		}
		if !res.Applied && branch != last {
			continue
		}

		pr, err := s.checkoutAndPatchSafe(ctx, w, branchName, series, res)
		if err != nil {
			return err
		}
		if pr == nil {
			continue
		}
		if err := w.SyncChecks(ctx, pr, series); err != nil {
			slog.Error("check sync failed", "worker", w.Name(), "pr", pr.GetNumber(), "error", err)
		}
		if err := CloseExistingPRsForSeries(ctx, active, pr); err != nil {
			return err
		}
		break
	}
	return nil
}

// checkoutAndPatchSafe counts the publish attempt and turns empty-diff
// outcomes into skips instead of failures. Every attempt counts, including
// extra target branches of one subject and orphan refreshes.
func (s *GithubSync) checkoutAndPatchSafe(ctx context.Context, w *worker.Worker, branchName string, series *patchwork.Series, res worker.ApplyResult) (*gh.PullRequest, error) {
	s.counters.Increment(CounterKnownSubjects)
	pr, err := w.CheckoutAndPatch(ctx, branchName, series, res)
	if err != nil {
		var noChange *worker.NoChangeError
		if errors.As(err, &noChange) {
			slog.Info("series yields no changes, skipping",
				"worker", w.Name(), "branch", branchName)
			s.counters.Increment(CounterEmptyPR)
			return nil, nil
		}
		return nil, err
	}
	return pr, nil
}

// sweepOrphanedPRs revisits open PRs whose subject was not observed this
// cycle: a renamed cover letter shows up as a missing subject, so resolve
// the series behind the head ref, rename the PR and re-run the apply path.
func (s *GithubSync) sweepOrphanedPRs(ctx context.Context, active []*worker.Worker, observed map[string]bool) {
	for _, w := range active {
		type entry struct {
			title string
			pr    *gh.PullRequest
		}
		var orphans []entry
		for title, pr := range w.PRs() {
			if !observed[title] {
				orphans = append(orphans, entry{title, pr})
			}
		}
		sort.Slice(orphans, func(i, j int) bool { return orphans[i].title < orphans[j].title })

		for _, o := range orphans {
			parsed := worker.ParsePRRef(o.pr.GetHead().GetRef())
			if !parsed.OK() {
				slog.Warn("open pr with unparsable head ref",
					"worker", w.Name(), "pr", o.pr.GetNumber(), "head", o.pr.GetHead().GetRef())
				continue
			}
			if err := s.refreshOrphanedPR(ctx, w, o.pr, int(parsed.SeriesID)); err != nil {
				slog.Error("orphan refresh failed",
					"worker", w.Name(), "pr", o.pr.GetNumber(), "error", err)
			}
		}
	}
}

func (s *GithubSync) refreshOrphanedPR(ctx context.Context, w *worker.Worker, pr *gh.PullRequest, seriesID int) error {
	series, err := s.pw.GetSeriesByID(ctx, seriesID)
	if err != nil {
		return err
	}
	subject := s.pw.GetSubjectBySeries(series)
	latest, err := subject.LatestSeries(ctx)
	if err != nil {
		return err
	}
	if latest == nil {
		// Every series of the subject is done on the tracker; expiry will
		// close the PR in due time.
		return nil
	}

	branchName, err := w.SubjectToBranch(ctx, subject)
	if err != nil {
		return err
	}
	res, err := w.TryApplyMailboxSeries(ctx, branchName, latest)
	if err != nil {
		return err
	}
	refreshed, err := s.checkoutAndPatchSafe(ctx, w, branchName, latest, res)
	if err != nil {
		return err
	}
	if refreshed == nil {
		return nil
	}
	return w.SyncChecks(ctx, refreshed, latest)
}

func activeWorker(active []*worker.Worker, w *worker.Worker) bool {
	for _, a := range active {
		if a == w {
			return true
		}
	}
	return false
}
