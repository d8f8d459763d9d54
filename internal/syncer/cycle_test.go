package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel-patches/kpd/internal/config"
	"github.com/kernel-patches/kpd/internal/github"
	"github.com/kernel-patches/kpd/internal/patchwork"
	"github.com/kernel-patches/kpd/internal/stats"
	"github.com/kernel-patches/kpd/internal/worker"
)

// cycleMbox is a single-patch mailbox that applies cleanly on the fixture
// history.
const cycleMbox = `From 0000000000000000000000000000000000000000 Mon Sep 17 00:00:00 2001
From: Dev <dev@example.org>
Date: Thu, 20 Aug 2026 10:00:00 +0000
Subject: [PATCH bpf-next] a change

---
 feature.txt | 1 +
 1 file changed, 1 insertion(+)

diff --git a/feature.txt b/feature.txt
new file mode 100644
index 0000000..257cc56
--- /dev/null
+++ b/feature.txt
@@ -0,0 +1 @@
+foo
--
2.39.0
`

func gitIn(t *testing.T, dir string, args ...string) string {
	t.Helper()
	cmd := exec.Command("git", args...)
	cmd.Dir = dir
	out, err := cmd.CombinedOutput()
	require.NoError(t, err, "git %v: %s", args, out)
	return strings.TrimSpace(string(out))
}

// cycleRepos is the git side of a cycle test: an upstream history, a bare
// downstream remote seeded with the target branch, and a CI overlay repo.
type cycleRepos struct {
	upstream string
	origin   string
	ci       string
}

func newCycleRepos(t *testing.T) cycleRepos {
	t.Helper()
	upstream := t.TempDir()
	gitIn(t, upstream, "init", "-b", "master")
	gitIn(t, upstream, "config", "user.email", "test@example.org")
	gitIn(t, upstream, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(upstream, "base.txt"), []byte("base\n"), 0o644))
	gitIn(t, upstream, "add", "-A")
	gitIn(t, upstream, "commit", "-m", "initial commit")

	origin := t.TempDir()
	gitIn(t, origin, "init", "--bare", "-b", "master")
	gitIn(t, upstream, "push", origin, "master:refs/heads/bpf")

	ci := t.TempDir()
	gitIn(t, ci, "init", "-b", "main")
	gitIn(t, ci, "config", "user.email", "test@example.org")
	gitIn(t, ci, "config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(ci, "ci.txt"), []byte("ci\n"), 0o644))
	gitIn(t, ci, "add", "-A")
	gitIn(t, ci, "commit", "-m", "ci overlay")

	return cycleRepos{upstream: upstream, origin: origin, ci: ci}
}

func cyclePR(number int, title, head, sha string) string {
	return fmt.Sprintf(`{
		"number": %d, "title": %q, "state": "open",
		"html_url": "https://github.example.org/pull/%d",
		"user": {"login": %q},
		"head": {"ref": %q, "sha": %q, "user": {"login": %q}},
		"base": {"ref": "bpf_base", "user": {"login": %q}},
		"labels": [],
		"updated_at": %q
	}`, number, title, number, botLogin, head, sha, botLogin, botLogin,
		time.Now().UTC().Format(time.RFC3339))
}

// cycleHost is a stateful code host covering the API surface one cycle
// touches. CI verdicts are always green.
type cycleHost struct {
	mu      sync.Mutex
	openPRs string
	created []string // bodies of pull request creations
	edited  []string // "<number>:<body>" of pull request edits
	labeled []string // bodies of label additions
}

func newCycleHost(t *testing.T, openPRs string) (*cycleHost, *github.Connector) {
	t.Helper()
	h := &cycleHost{openPRs: openPRs}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"login": %q}`, botLogin)
	})
	mux.HandleFunc("/api/v3/rate_limit", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"resources": {"core": {"limit": 5000, "remaining": 4999}}}`)
	})
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/branches", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `[{"name": "bpf"}, {"name": "bpf_base"}]`)
	})
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/labels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"name": "x"}`)
			return
		}
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/pulls", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			var req struct{ Title, Head string }
			_ = json.Unmarshal(body, &req)
			h.mu.Lock()
			h.created = append(h.created, string(body))
			h.mu.Unlock()
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, cyclePR(101, req.Title, req.Head, "feed0101"))
			return
		}
		if r.URL.Query().Get("state") == "closed" {
			fmt.Fprint(w, `[]`)
			return
		}
		h.mu.Lock()
		open := h.openPRs
		h.mu.Unlock()
		fmt.Fprint(w, open)
	})
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/pulls/", func(w http.ResponseWriter, r *http.Request) {
		number, _ := strconv.Atoi(strings.TrimPrefix(r.URL.Path, "/api/v3/repos/kernel-patches/bpf/pulls/"))
		body, _ := io.ReadAll(r.Body)
		var req struct{ Title, State string }
		_ = json.Unmarshal(body, &req)
		if r.Method == http.MethodPatch {
			h.mu.Lock()
			h.edited = append(h.edited, fmt.Sprintf("%d:%s", number, body))
			h.mu.Unlock()
		}
		if req.State == "closed" {
			fmt.Fprintf(w, `{"number": %d, "state": "closed"}`, number)
			return
		}
		fmt.Fprint(w, cyclePR(number, req.Title, "series/42=>bpf", "feed0202"))
	})
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/issues/", func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/comments"):
			if r.Method == http.MethodPost {
				fmt.Fprint(w, `{"id": 1}`)
				return
			}
			fmt.Fprint(w, `[]`)
		case r.Method == http.MethodDelete:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodPost:
			body, _ := io.ReadAll(r.Body)
			h.mu.Lock()
			h.labeled = append(h.labeled, string(body))
			h.mu.Unlock()
			fmt.Fprint(w, `[]`)
		default:
			fmt.Fprint(w, `[]`)
		}
	})
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/commits/", func(w http.ResponseWriter, r *http.Request) {
		if strings.HasSuffix(r.URL.Path, "/check-runs") {
			fmt.Fprint(w, `{"total_count": 1, "check_runs": [{"status": "completed", "conclusion": "success"}]}`)
			return
		}
		fmt.Fprint(w, `{"state": "success", "statuses": []}`)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	conn, err := github.NewConnector(context.Background(), github.ConnectorConfig{
		RepoURL:    "https://github.com/kernel-patches/bpf",
		HTTPClient: http.DefaultClient,
		BaseURL:    server.URL + "/",
	})
	require.NoError(t, err)
	return h, conn
}

// cycleTracker serves series 42 under the given name, its mbox, and records
// posted checks. When hidden is true the windowed search comes back empty
// and only the by-name query finds the series, which is how a subject
// renamed on the tracker looks to the cycle.
func cycleTracker(t *testing.T, name string, hidden bool, checks *[]string) *patchwork.Client {
	t.Helper()
	mux := http.NewServeMux()
	var server *httptest.Server
	seriesBody := func() string {
		return fmt.Sprintf(`{
			"id": 42, "name": %q, "version": 1, "date": "2026-08-20T10:00:00",
			"mbox": %q, "web_url": "https://pw.example.org/series/42",
			"submitter": {"email": "dev@example.org"},
			"patches": [{"id": 100, "name": %q, "msgid": "<100@x>"}]
		}`, name, server.URL+"/series/42/mbox/", name)
	}
	mux.HandleFunc("/api/1.1/series/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/1.1/series/42/" {
			fmt.Fprint(w, seriesBody())
			return
		}
		if hidden && r.URL.Query().Get("q") == "" {
			fmt.Fprint(w, `[]`)
			return
		}
		fmt.Fprintf(w, "[%s]", seriesBody())
	})
	mux.HandleFunc("/api/1.1/patches/100/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"id": 100, "name": %q, "msgid": "<100@x>", "state": "new", "archived": false}`, name)
	})
	mux.HandleFunc("/api/1.1/patches/100/checks/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			*checks = append(*checks, string(body))
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"id": 1}`)
			return
		}
		fmt.Fprint(w, `[]`)
	})
	mux.HandleFunc("/series/42/mbox/", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, cycleMbox)
	})
	server = httptest.NewServer(mux)
	t.Cleanup(server.Close)

	return patchwork.NewClient(patchwork.ClientConfig{
		Server: server.URL, Project: "bpf", LookbackDays: 5,
		SearchPatterns: []map[string]any{{"project": 1}},
	})
}

func newCycleSync(t *testing.T, pw *patchwork.Client, conn *github.Connector, repos cycleRepos, counters *stats.Stats) *GithubSync {
	t.Helper()
	w := worker.New(worker.Options{
		Name: "bpf",
		Config: config.BranchConfig{
			Repo:           "https://github.com/kernel-patches/bpf",
			Upstream:       repos.upstream,
			UpstreamBranch: "master",
			CIRepo:         repos.ci,
			CIBranch:       "main",
		},
		BaseDirectory: t.TempDir(),
		Connector:     conn,
		Tracker:       pw,
		Counters:      counters,
		RepoPushURL:   repos.origin,
	})
	return &GithubSync{
		pw: pw,
		router: NewRouter(config.NewTagMapping(
			config.TagBranches{Tag: config.DefaultTag, Branches: []string{"bpf"}},
		)),
		counters: counters,
		workers:  map[string]*worker.Worker{"bpf": w},
		order:    []string{"bpf"},
	}
}

// A series never seen before runs the whole pipeline: mirror, base overlay,
// apply, branch push, PR creation and check reporting.
func TestSyncPatchesCreatesPRForNewSeries(t *testing.T) {
	ctx := context.Background()
	repos := newCycleRepos(t)
	var checks []string
	pw := cycleTracker(t, "[PATCH bpf-next] a change", false, &checks)
	host, conn := newCycleHost(t, `[]`)
	counters := stats.New(CounterNames()...)
	s := newCycleSync(t, pw, conn, repos, counters)

	require.NoError(t, s.SyncPatches(ctx))

	// The mirror and the base overlay reached the downstream remote.
	gitIn(t, repos.origin, "show-ref", "--verify", "refs/heads/bpf")
	assert.Equal(t, "ci", gitIn(t, repos.origin, "show", "refs/heads/bpf_base:ci.txt"))

	// The series branch carries the patch on top of the target tip.
	gitIn(t, repos.origin, "show-ref", "--verify", "refs/heads/series/42=>bpf")
	assert.Equal(t, "foo", gitIn(t, repos.origin, "show", "refs/heads/series/42=>bpf:feature.txt"))

	require.Len(t, host.created, 1)
	var created struct{ Title, Head, Base string }
	require.NoError(t, json.Unmarshal([]byte(host.created[0]), &created))
	assert.Equal(t, "a change", created.Title)
	assert.Equal(t, "series/42=>bpf", created.Head)
	assert.Equal(t, "bpf_base", created.Base)
	assert.Empty(t, host.edited)

	require.Len(t, checks, 1)
	assert.Contains(t, checks[0], "context=bpf-PR")
	assert.Contains(t, checks[0], "state=success")

	assert.Equal(t, 1.0, counters.Get(CounterKnownSubjects))
	assert.Equal(t, 1.0, counters.Get(CounterPRsTotal))
	assert.Equal(t, 0.0, counters.Get(CounterEmptyPR))
}

// An open PR whose subject fell out of the tracker search window is
// revisited through its head ref: the series id resolves to the renamed
// subject, the branch is rebuilt and the PR follows the new title.
func TestSyncPatchesRefreshesOrphanedPR(t *testing.T) {
	ctx := context.Background()
	repos := newCycleRepos(t)
	var checks []string
	pw := cycleTracker(t, "[PATCH bpf-next] renamed change", true, &checks)
	host, conn := newCycleHost(t, "["+cyclePR(7, "old change", "series/42=>bpf", "feed0007")+"]")
	counters := stats.New(CounterNames()...)
	s := newCycleSync(t, pw, conn, repos, counters)

	require.NoError(t, s.SyncPatches(ctx))

	require.Len(t, host.edited, 1)
	assert.True(t, strings.HasPrefix(host.edited[0], "7:"))
	assert.Contains(t, host.edited[0], "renamed change")
	assert.Empty(t, host.created, "the orphaned pr is renamed, not replaced")

	gitIn(t, repos.origin, "show-ref", "--verify", "refs/heads/series/42=>bpf")

	require.Len(t, checks, 1)
	assert.Contains(t, checks[0], "context=bpf-PR")

	// The orphan refresh counts as a publish attempt even though the
	// windowed search saw no subject at all.
	assert.Equal(t, 1.0, counters.Get(CounterKnownSubjects))
}
