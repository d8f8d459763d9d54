// Package gitcmd wraps the git binary for the daemon's local checkouts.
// Every operation shells out with a context so a daemon shutdown can
// interrupt long fetches and clones.
package gitcmd

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strconv"
	"strings"
)

// CommandError is a failed git invocation. Callers branch on it to decide
// between a re-clone fallback and aborting the current operation.
type CommandError struct {
	Args   []string
	Output string
	Err    error
}

func (e *CommandError) Error() string {
	out := strings.TrimSpace(e.Output)
	if out == "" {
		return fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	}
	return fmt.Sprintf("git %s: %s: %v", strings.Join(e.Args, " "), out, e.Err)
}

func (e *CommandError) Unwrap() error { return e.Err }

// Commit is one commit on a branch, with enough detail to compare two
// branches by structure rather than by net diff.
type Commit struct {
	SHA     string
	Subject string
}

// Repo is a local git checkout rooted at Dir.
type Repo struct {
	Dir string
}

// Clone clones url into dir and returns the checkout. Extra args are passed
// through to git clone (e.g. --branch).
func Clone(ctx context.Context, url, dir string, extra ...string) (*Repo, error) {
	args := append([]string{"clone", url, dir}, extra...)
	cmd := exec.CommandContext(ctx, "git", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, &CommandError{Args: args, Output: string(out), Err: err}
	}
	return &Repo{Dir: dir}, nil
}

// Open returns a Repo for an existing checkout, verifying that dir actually
// holds one.
func Open(ctx context.Context, dir string) (*Repo, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, fmt.Errorf("opening repo %s: %w", dir, err)
	}
	r := &Repo{Dir: dir}
	if _, err := r.run(ctx, "rev-parse", "--git-dir"); err != nil {
		return nil, err
	}
	return r, nil
}

// run executes git with the given args inside the checkout and returns its
// combined output.
func (r *Repo) run(ctx context.Context, args ...string) (string, error) {
	return r.runStdin(ctx, nil, args...)
}

func (r *Repo) runStdin(ctx context.Context, stdin []byte, args ...string) (string, error) {
	slog.Debug("running git", "dir", r.Dir, "args", strings.Join(args, " "))
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.Dir
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}
	out, err := cmd.CombinedOutput()
	if err != nil {
		return string(out), &CommandError{Args: args, Output: string(out), Err: err}
	}
	return string(out), nil
}

// Fetch fetches a remote. Extra args are passed through (e.g. --prune).
func (r *Repo) Fetch(ctx context.Context, remote string, extra ...string) error {
	args := append([]string{"fetch", remote}, extra...)
	_, err := r.run(ctx, args...)
	return err
}

// Checkout checks out a ref, detaching when the ref is remote.
func (r *Repo) Checkout(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "checkout", ref)
	return err
}

// CheckoutNew resets branch to startPoint and checks it out, creating the
// branch when missing.
func (r *Repo) CheckoutNew(ctx context.Context, branch, startPoint string) error {
	_, err := r.run(ctx, "checkout", "-B", branch, startPoint)
	return err
}

// ResetHard hard-resets the working tree to ref.
func (r *Repo) ResetHard(ctx context.Context, ref string) error {
	_, err := r.run(ctx, "reset", "--hard", ref)
	return err
}

// Clean removes untracked files and directories.
func (r *Repo) Clean(ctx context.Context) error {
	_, err := r.run(ctx, "clean", "-xdf")
	return err
}

// ApplyMbox applies a mailbox with git am --3way, feeding the mbox on stdin.
// The output is returned even on failure so callers can surface the conflict.
func (r *Repo) ApplyMbox(ctx context.Context, mbox []byte) (string, error) {
	return r.runStdin(ctx, mbox, "am", "--3way")
}

// AbortApply aborts an in-progress git am, restoring the working tree.
func (r *Repo) AbortApply(ctx context.Context) error {
	_, err := r.run(ctx, "am", "--abort")
	return err
}

// Push pushes a refspec to a remote.
func (r *Repo) Push(ctx context.Context, remote, refspec string, force bool) error {
	args := []string{"push"}
	if force {
		args = append(args, "--force")
	}
	args = append(args, remote, refspec)
	_, err := r.run(ctx, args...)
	return err
}

// Remotes lists the configured remote names.
func (r *Repo) Remotes(ctx context.Context) ([]string, error) {
	out, err := r.run(ctx, "remote")
	if err != nil {
		return nil, err
	}
	var remotes []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimSpace(line); line != "" {
			remotes = append(remotes, line)
		}
	}
	return remotes, nil
}

// RemoteURL returns the fetch URL of a remote.
func (r *Repo) RemoteURL(ctx context.Context, name string) (string, error) {
	out, err := r.run(ctx, "remote", "get-url", name)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// RemoteAdd registers a new remote.
func (r *Repo) RemoteAdd(ctx context.Context, name, url string) error {
	_, err := r.run(ctx, "remote", "add", name, url)
	return err
}

// RemoteRemove deletes a remote.
func (r *Repo) RemoteRemove(ctx context.Context, name string) error {
	_, err := r.run(ctx, "remote", "remove", name)
	return err
}

// HasRef reports whether ref resolves in this checkout.
func (r *Repo) HasRef(ctx context.Context, ref string) bool {
	_, err := r.run(ctx, "rev-parse", "--verify", "--quiet", ref)
	return err == nil
}

// CountCommits returns the number of commits on head that are not on base.
func (r *Repo) CountCommits(ctx context.Context, base, head string) (int, error) {
	out, err := r.run(ctx, "rev-list", "--count", base+".."+head)
	if err != nil {
		return 0, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(out))
	if err != nil {
		return 0, fmt.Errorf("parsing rev-list count %q: %w", strings.TrimSpace(out), err)
	}
	return n, nil
}

// Commits lists the commits on head that are not on base, oldest first.
func (r *Repo) Commits(ctx context.Context, base, head string) ([]Commit, error) {
	out, err := r.run(ctx, "log", "--reverse", "--format=%H %s", base+".."+head)
	if err != nil {
		return nil, err
	}
	var commits []Commit
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		sha, subject, _ := strings.Cut(line, " ")
		commits = append(commits, Commit{SHA: sha, Subject: subject})
	}
	return commits, nil
}

// Subjects returns the last n commit subjects reachable from ref, newest
// first.
func (r *Repo) Subjects(ctx context.Context, ref string, n int) ([]string, error) {
	out, err := r.run(ctx, "log", "--format=%s", "-n", strconv.Itoa(n), ref)
	if err != nil {
		return nil, err
	}
	var subjects []string
	for _, line := range strings.Split(out, "\n") {
		if line = strings.TrimRight(line, "\r"); line != "" {
			subjects = append(subjects, line)
		}
	}
	return subjects, nil
}

// CommitPatch returns the textual patch of a single commit, without the
// commit header, for structural branch comparison.
func (r *Repo) CommitPatch(ctx context.Context, sha string) (string, error) {
	return r.run(ctx, "show", "--format=", "--no-color", sha)
}

// CommitAll stages the full working tree and commits it. Committing a clean
// tree is not an error; the bool reports whether a commit was made.
func (r *Repo) CommitAll(ctx context.Context, message string) (bool, error) {
	out, err := r.run(ctx, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	if strings.TrimSpace(out) == "" {
		return false, nil
	}
	if _, err := r.run(ctx, "add", "-A"); err != nil {
		return false, err
	}
	if _, err := r.run(ctx, "commit", "-m", message); err != nil {
		return false, err
	}
	return true, nil
}

// EnsureIdentity sets user.name and user.email when the checkout has none,
// so git am and commit have a committer.
func (r *Repo) EnsureIdentity(ctx context.Context, name, email string) error {
	if _, err := r.run(ctx, "config", "--get", "user.email"); err != nil {
		if _, err := r.run(ctx, "config", "user.email", email); err != nil {
			return err
		}
	}
	if _, err := r.run(ctx, "config", "--get", "user.name"); err != nil {
		if _, err := r.run(ctx, "config", "user.name", name); err != nil {
			return err
		}
	}
	return nil
}
