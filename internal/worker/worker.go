package worker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"

	"github.com/kernel-patches/kpd/internal/config"
	"github.com/kernel-patches/kpd/internal/gitcmd"
	"github.com/kernel-patches/kpd/internal/github"
	"github.com/kernel-patches/kpd/internal/patchwork"
	"github.com/kernel-patches/kpd/internal/stats"
)

// committerName and committerEmail identify the daemon on the commits it
// creates (CI overlays, git am).
const (
	committerName  = "kernel-patches-daemon"
	committerEmail = "kpd@kernel-patches.invalid"
)

// NoChangeError reports that a series produced no diff against the pull
// request base, so no pull request was created.
type NoChangeError struct {
	Base string
	Head string
}

func (e *NoChangeError) Error() string {
	return fmt.Sprintf("no changes between %s and %s", e.Base, e.Head)
}

// Options carries the constructor parameters for Worker.
type Options struct {
	// Name is the target branch; it doubles as the worker id under the base
	// directory.
	Name          string
	Config        config.BranchConfig
	BaseDirectory string
	Connector     *github.Connector
	Tracker       *patchwork.Client
	Counters      *stats.Stats
	Email         *config.EmailConfig
	LabelColors   map[string]string
	// AllPRs is the cross-worker head-ref index, shared by every worker of
	// one cycle.
	AllPRs    map[string]map[string][]*gh.PullRequest
	Extractor github.LogExtractor

	// RepoPushURL overrides the authenticated origin URL of the downstream
	// repo, used by tests.
	RepoPushURL string
	// EmailBoundary overrides the MIME boundary, used by tests.
	EmailBoundary string
	// SendMail overrides email delivery, used by tests.
	SendMail func(ctx context.Context, argv []string, message string) error
}

// Worker owns one (downstream repository, target branch) pair: its local
// checkouts, its open and closed pull request caches and the branch list of
// the downstream repo.
type Worker struct {
	name     string
	cfg      config.BranchConfig
	gh       *github.Connector
	pw       *patchwork.Client
	counters *stats.Stats
	email    *config.EmailConfig

	repoDir string
	ciDir   string
	pushURL string
	repo    *gitcmd.Repo
	ciRepo  *gitcmd.Repo

	prs      map[string]*gh.PullRequest
	allPRs   map[string]map[string][]*gh.PullRequest
	branches []string

	closedPRs    []*gh.PullRequest
	closedLoaded bool

	labelColors   map[string]string
	extractor     github.LogExtractor
	emailBoundary string
	sendMail      func(ctx context.Context, argv []string, message string) error
}

// New builds a worker. No I/O happens until FetchRepoBranch.
func New(opts Options) *Worker {
	w := &Worker{
		name:          opts.Name,
		cfg:           opts.Config,
		gh:            opts.Connector,
		pw:            opts.Tracker,
		counters:      opts.Counters,
		email:         opts.Email,
		repoDir:       filepath.Join(opts.BaseDirectory, opts.Name),
		ciDir:         filepath.Join(opts.BaseDirectory, opts.Name+"_ci"),
		pushURL:       opts.RepoPushURL,
		prs:           make(map[string]*gh.PullRequest),
		allPRs:        opts.AllPRs,
		labelColors:   opts.LabelColors,
		extractor:     opts.Extractor,
		emailBoundary: opts.EmailBoundary,
		sendMail:      opts.SendMail,
	}
	if w.allPRs == nil {
		w.allPRs = make(map[string]map[string][]*gh.PullRequest)
	}
	if w.labelColors == nil {
		w.labelColors = DefaultLabelColors()
	}
	if w.extractor == nil {
		w.extractor = github.ErrorWindowExtractor{}
	}
	if w.emailBoundary == "" {
		w.emailBoundary = defaultEmailBoundary
	}
	if w.sendMail == nil {
		w.sendMail = runMailCommand
	}
	return w
}

// Name returns the target branch this worker owns.
func (w *Worker) Name() string { return w.name }

// PRBase returns the base branch of the worker's pull requests: the target
// tip plus the CI overlay commit.
func (w *Worker) PRBase() string { return w.name + "_base" }

// PRs returns the open relevant pull requests keyed by title.
func (w *Worker) PRs() map[string]*gh.PullRequest { return w.prs }

// Connector returns the worker's code host client.
func (w *Worker) Connector() *github.Connector { return w.gh }

// CanDoSync reports whether the worker has everything it needs to run a
// cycle: a host client and a usable checkout root.
func (w *Worker) CanDoSync() bool {
	if w.gh == nil || w.cfg.Repo == "" || w.cfg.Upstream == "" {
		return false
	}
	if err := os.MkdirAll(filepath.Dir(w.repoDir), 0o755); err != nil {
		slog.Error("checkout root not usable", "worker", w.name, "error", err)
		return false
	}
	return true
}

// FetchRepoBranch brings both local checkouts up to date: the downstream
// repo at the target branch and the CI repo checked out at its branch tip.
func (w *Worker) FetchRepoBranch(ctx context.Context) error {
	pushURL := w.pushURL
	if pushURL == "" {
		token, err := w.gh.Token()
		if err != nil {
			return err
		}
		pushURL = w.gh.AuthenticatedPushURL(token)
	}

	repo, err := w.fetchRepo(ctx, w.repoDir, pushURL, w.name)
	if err != nil {
		return fmt.Errorf("fetching downstream repo: %w", err)
	}
	w.repo = repo
	if err := w.repo.EnsureIdentity(ctx, committerName, committerEmail); err != nil {
		return err
	}

	ci, err := w.fetchRepo(ctx, w.ciDir, w.cfg.CIRepo, w.cfg.CIBranch)
	if err != nil {
		return fmt.Errorf("fetching ci repo: %w", err)
	}
	w.ciRepo = ci
	if err := w.ciRepo.Checkout(ctx, "origin/"+w.cfg.CIBranch); err != nil {
		return err
	}
	return nil
}

// fetchRepo fetches an existing checkout or falls back to a full re-clone
// when the directory is missing or git fails on it.
func (w *Worker) fetchRepo(ctx context.Context, dir, url, branch string) (*gitcmd.Repo, error) {
	if _, statErr := os.Stat(dir); statErr == nil {
		repo, err := gitcmd.Open(ctx, dir)
		if err == nil {
			start := time.Now()
			if err = repo.Fetch(ctx, "origin", "--prune"); err == nil {
				stats.GitFetchTotal.Inc()
				stats.GitFetchSeconds.Observe(time.Since(start).Seconds())
				return repo, nil
			}
		}
		var cmdErr *gitcmd.CommandError
		if err != nil && !errors.As(err, &cmdErr) {
			return nil, err
		}
		slog.Warn("fetch failed, re-cloning", "dir", dir, "error", err)
		if err := os.RemoveAll(dir); err != nil {
			return nil, fmt.Errorf("removing stale checkout %s: %w", dir, err)
		}
	}

	start := time.Now()
	repo, err := gitcmd.Clone(ctx, url, dir, "--branch", branch)
	if err != nil {
		return nil, err
	}
	stats.GitCloneTotal.Inc()
	stats.GitCloneSeconds.Observe(time.Since(start).Seconds())
	return repo, nil
}

// GetPulls refreshes the open pull request cache and the shared head-ref
// index with every relevant PR on the worker's base.
func (w *Worker) GetPulls(ctx context.Context) error {
	w.prs = make(map[string]*gh.PullRequest)
	open, err := w.gh.OpenPRs(ctx)
	if err != nil {
		return err
	}
	for _, pr := range open {
		if !w.isRelevantPR(pr) {
			continue
		}
		w.prs[pr.GetTitle()] = pr
		head := pr.GetHead().GetRef()
		if w.allPRs[head] == nil {
			w.allPRs[head] = make(map[string][]*gh.PullRequest)
		}
		w.allPRs[head][w.name] = append(w.allPRs[head][w.name], pr)
	}
	return nil
}

// isRelevantPR implements the ownership predicate: the daemon only ever
// touches pull requests it opened itself, on its own base branch.
func (w *Worker) isRelevantPR(pr *gh.PullRequest) bool {
	login := w.gh.UserLogin()
	return pr.GetState() == "open" &&
		pr.GetUser().GetLogin() == login &&
		pr.GetHead().GetUser().GetLogin() == login &&
		pr.GetBase().GetUser().GetLogin() == login &&
		pr.GetBase().GetRef() == w.PRBase()
}

// RefreshBranches reloads the remote branch list from the code host.
func (w *Worker) RefreshBranches(ctx context.Context) error {
	branches, err := w.gh.Branches(ctx)
	if err != nil {
		return err
	}
	w.branches = w.branches[:0]
	for _, b := range branches {
		w.branches = append(w.branches, b.GetName())
	}
	return nil
}

func (w *Worker) hasRemoteBranch(name string) bool {
	for _, b := range w.branches {
		if b == name {
			return true
		}
	}
	return false
}

// DoSync mirrors the upstream branch onto the downstream target: reconcile
// the upstream remote by URL, fetch it, reset the local tree and force-push
// the upstream tip to refs/heads/<target>.
func (w *Worker) DoSync(ctx context.Context) error {
	remotes, err := w.repo.Remotes(ctx)
	if err != nil {
		return err
	}
	have := false
	for _, r := range remotes {
		if r == UpstreamRemoteName {
			have = true
			break
		}
	}
	if have {
		url, err := w.repo.RemoteURL(ctx, UpstreamRemoteName)
		if err != nil {
			return err
		}
		if url != w.cfg.Upstream {
			slog.Info("upstream remote url changed, recreating",
				"worker", w.name, "old", url, "new", w.cfg.Upstream)
			if err := w.repo.RemoteRemove(ctx, UpstreamRemoteName); err != nil {
				return err
			}
			have = false
		}
	}
	if !have {
		if err := w.repo.RemoteAdd(ctx, UpstreamRemoteName, w.cfg.Upstream); err != nil {
			return err
		}
	}

	if err := w.repo.Fetch(ctx, UpstreamRemoteName); err != nil {
		return err
	}
	src := UpstreamRemoteName + "/" + w.cfg.UpstreamBranch
	if err := w.repo.CheckoutNew(ctx, w.name, src); err != nil {
		return err
	}
	return w.repo.Push(ctx, "origin", src+":refs/heads/"+w.name, true)
}

// UpdateE2ETestBranchAndPRs rebuilds the PR base overlay: target tip plus
// the CI repo's tree, pushed only when it differs from the remote overlay.
// Open pull requests on the base pick the change up through the host.
func (w *Worker) UpdateE2ETestBranchAndPRs(ctx context.Context) error {
	base := w.PRBase()
	if err := w.repo.Fetch(ctx, "origin", "--prune"); err != nil {
		return err
	}
	if err := w.repo.CheckoutNew(ctx, base, "origin/"+w.name); err != nil {
		return err
	}
	if err := w.repo.Clean(ctx); err != nil {
		return err
	}
	if err := copyTree(w.ciDir, w.repoDir); err != nil {
		return fmt.Errorf("overlaying ci tree: %w", err)
	}
	if _, err := w.repo.CommitAll(ctx, "adding ci files"); err != nil {
		return err
	}

	push := true
	if w.repo.HasRef(ctx, "origin/"+base) {
		changed, err := w.isBranchChanged(ctx, "origin/"+w.name, base, "origin/"+base)
		if err != nil {
			return err
		}
		push = changed
	}
	if !push {
		return nil
	}
	slog.Info("updating e2e base branch", "worker", w.name, "base", base)
	return w.repo.Push(ctx, "origin", base+":refs/heads/"+base, true)
}

// isBranchChanged compares two branches by commit structure relative to a
// shared base: differing commit counts mean changed even when the net diff
// is identical, because reviewers and CI see the commit series.
func (w *Worker) isBranchChanged(ctx context.Context, base, a, b string) (bool, error) {
	commitsA, err := w.repo.Commits(ctx, base, a)
	if err != nil {
		return true, err
	}
	commitsB, err := w.repo.Commits(ctx, base, b)
	if err != nil {
		return true, err
	}
	if len(commitsA) != len(commitsB) {
		return true, nil
	}
	for i := range commitsA {
		if commitsA[i].Subject != commitsB[i].Subject {
			return true, nil
		}
		patchA, err := w.repo.CommitPatch(ctx, commitsA[i].SHA)
		if err != nil {
			return true, err
		}
		patchB, err := w.repo.CommitPatch(ctx, commitsB[i].SHA)
		if err != nil {
			return true, err
		}
		if patchA != patchB {
			return true, nil
		}
	}
	return false, nil
}

// SubjectToBranch returns the head ref a subject lives on for this worker:
// "series/<first series id>=><target>".
func (w *Worker) SubjectToBranch(ctx context.Context, subject *patchwork.Subject) (string, error) {
	prefix, err := subject.Branch(ctx)
	if err != nil {
		return "", err
	}
	return prefix + config.SeriesTargetSeparator + w.name, nil
}

// CheckoutAndPatch publishes the branch prepared by TryApplyMailboxSeries
// and creates or updates its pull request. Returns nil when the matching PR
// is closed: the subject is done on this target and the remote branch stays
// untouched.
func (w *Worker) CheckoutAndPatch(ctx context.Context, branchName string, series *patchwork.Series, res ApplyResult) (*gh.PullRequest, error) {
	pr, err := w.guessPR(ctx, series, branchName)
	if err != nil {
		return nil, err
	}
	if pr != nil && pr.GetState() == "closed" {
		slog.Debug("subject has a closed pr, leaving it alone",
			"worker", w.name, "pr", pr.GetNumber())
		return nil, nil
	}

	push := true
	if w.hasRemoteBranch(branchName) {
		changed, err := w.isBranchChanged(ctx, "origin/"+w.name, branchName, "origin/"+branchName)
		if err != nil {
			slog.Warn("branch comparison failed, pushing anyway",
				"worker", w.name, "branch", branchName, "error", err)
		} else {
			push = changed
		}
	}
	if push {
		if err := w.repo.Push(ctx, "origin", branchName+":refs/heads/"+branchName, true); err != nil {
			return nil, err
		}
	}

	if pr == nil {
		pr, err = w.gh.CreatePR(ctx, series.Subject(), branchName, w.PRBase(), furnishPRBody(series))
		if err != nil {
			if errors.Is(err, github.ErrNewPRWithNoChange) {
				return nil, &NoChangeError{Base: w.PRBase(), Head: branchName}
			}
			return nil, err
		}
		w.prs[pr.GetTitle()] = pr
	} else if pr.GetTitle() != series.Subject() {
		renamed, err := w.gh.UpdatePRTitle(ctx, pr.GetNumber(), series.Subject())
		if err != nil {
			return nil, err
		}
		delete(w.prs, pr.GetTitle())
		pr = renamed
		w.prs[pr.GetTitle()] = pr
	}

	if err := w.applyPushComment(ctx, pr, series, res); err != nil {
		slog.Warn("label/comment upkeep failed", "worker", w.name, "pr", pr.GetNumber(), "error", err)
	}
	return pr, nil
}

// guessPR resolves the pull request a (series, branch) pair belongs to:
// open PR by title, then the shared head-ref index, then closed PRs of any
// earlier version of the subject, then closed PRs of the branch itself.
func (w *Worker) guessPR(ctx context.Context, series *patchwork.Series, branchName string) (*gh.PullRequest, error) {
	if pr, ok := w.prs[series.Subject()]; ok {
		return pr, nil
	}
	if byTarget, ok := w.allPRs[branchName]; ok {
		if prs := byTarget[w.name]; len(prs) > 0 {
			return prs[0], nil
		}
	}

	if series.Version > 1 {
		subject := w.pw.GetSubjectBySeries(series)
		relevant, err := subject.RelevantSeries(ctx)
		if err != nil {
			return nil, err
		}
		for _, rs := range relevant {
			ref := fmt.Sprintf("series/%d%s%s", rs.ID, config.SeriesTargetSeparator, w.name)
			pr, err := w.FilterClosedPR(ctx, ref)
			if err != nil {
				return nil, err
			}
			if pr != nil {
				return pr, nil
			}
		}
	}
	return w.FilterClosedPR(ctx, branchName)
}

// applyPushComment reconciles labels after a push: the conflict path labels
// and explains; the applied path applies tag labels and clears the conflict
// marker.
func (w *Worker) applyPushComment(ctx context.Context, pr *gh.PullRequest, series *patchwork.Series, res ApplyResult) error {
	if res.Conflict != nil {
		if err := w.gh.AddLabels(ctx, pr.GetNumber(), []string{MergeConflictLabel}); err != nil {
			return err
		}
		body := fmt.Sprintf("At least one diff in series %s failed to apply:\n\n```\n%s\n```",
			series.WebURL, strings.TrimSpace(res.Conflict.Output))
		return w.gh.Comment(ctx, pr.GetNumber(), body)
	}

	if err := w.gh.RemoveLabel(ctx, pr.GetNumber(), MergeConflictLabel); err != nil {
		return err
	}
	tags, err := series.VisibleTags(ctx)
	if err != nil {
		return err
	}
	return w.gh.AddLabels(ctx, pr.GetNumber(), tags)
}

// SyncChecks reports the pull request's CI verdict back to the tracker as
// one check per patch, and notifies the submitter on terminal failures.
func (w *Worker) SyncChecks(ctx context.Context, pr *gh.PullRequest, series *patchwork.Series) error {
	status := github.StatusConflict
	if !HasLabel(pr, MergeConflictLabel) {
		var err error
		status, err = w.gh.HeadStatus(ctx, pr.GetHead().GetSHA())
		if err != nil {
			return err
		}
	}

	patches, err := series.Patches(ctx)
	if err != nil {
		return err
	}
	posted := false
	for _, patch := range patches {
		p, err := w.pw.PostCheck(ctx, patch.ID, patchwork.Check{
			Context:     w.name + "-PR",
			State:       trackerCheckState(status),
			Description: "PR summary",
			TargetURL:   pr.GetHTMLURL(),
		})
		if err != nil {
			return fmt.Errorf("posting check for patch %d: %w", patch.ID, err)
		}
		posted = posted || p
	}

	if posted && (status == github.StatusFailure || status == github.StatusConflict) {
		if err := w.SendCIEmail(ctx, series, pr, status); err != nil {
			slog.Error("ci email delivery failed", "worker", w.name, "series", series.ID, "error", err)
		}
	}
	return nil
}

// trackerCheckState maps the host verdict onto the tracker's check states.
func trackerCheckState(status github.Status) string {
	switch status {
	case github.StatusFailure, github.StatusConflict:
		return "fail"
	default:
		return string(status)
	}
}

func furnishPRBody(series *patchwork.Series) string {
	return fmt.Sprintf("Pull request for series with\nsubject: %s\nversion: %d\nurl: %s\n",
		series.Subject(), series.Version, series.WebURL)
}

// copyTree copies the file tree at src into dst, skipping .git. Existing
// files are overwritten; files only present in dst are left alone.
func copyTree(src, dst string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		if d.IsDir() {
			if d.Name() == ".git" {
				return filepath.SkipDir
			}
			return os.MkdirAll(filepath.Join(dst, rel), 0o755)
		}
		return copyFile(path, filepath.Join(dst, rel))
	})
}

func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, info.Mode().Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
