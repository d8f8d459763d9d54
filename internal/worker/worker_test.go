package worker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	gh "github.com/google/go-github/v82/github"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kernel-patches/kpd/internal/config"
	"github.com/kernel-patches/kpd/internal/github"
	"github.com/kernel-patches/kpd/internal/patchwork"
)

const botLogin = "kernel-patches-bot"

func testConnector(t *testing.T, mux *http.ServeMux) *github.Connector {
	mux.HandleFunc("/api/v3/user", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"login": %q}`, botLogin)
	})
	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)

	conn, err := github.NewConnector(context.Background(), github.ConnectorConfig{
		RepoURL:    "https://github.com/kernel-patches/bpf",
		HTTPClient: http.DefaultClient,
		BaseURL:    server.URL + "/",
	})
	require.NoError(t, err)
	return conn
}

func testWorker(t *testing.T, mux *http.ServeMux) *Worker {
	return New(Options{
		Name:          "bpf",
		Config:        config.BranchConfig{Repo: "https://github.com/kernel-patches/bpf", Upstream: "https://git.example.org/bpf.git"},
		BaseDirectory: t.TempDir(),
		Connector:     testConnector(t, mux),
	})
}

func prJSON(number int, title, headRef, baseRef, state, login string, labels ...string) string {
	var labelJSON []string
	for _, l := range labels {
		labelJSON = append(labelJSON, fmt.Sprintf(`{"name": %q}`, l))
	}
	return fmt.Sprintf(`{
		"number": %d, "title": %q, "state": %q,
		"user": {"login": %q},
		"head": {"ref": %q, "user": {"login": %q}},
		"base": {"ref": %q, "user": {"login": %q}},
		"labels": [%s],
		"updated_at": "2026-08-20T00:00:00Z"
	}`, number, title, state, login, headRef, login, baseRef, login, strings.Join(labelJSON, ","))
}

func TestGetPullsFiltersIrrelevant(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/pulls", func(w http.ResponseWriter, r *http.Request) {
		foreign := `{
			"number": 3, "title": "someone else", "state": "open",
			"user": {"login": "random-dev"},
			"head": {"ref": "feature", "user": {"login": "random-dev"}},
			"base": {"ref": "bpf_base", "user": {"login": "kernel-patches-bot"}}
		}`
		wrongBase := prJSON(4, "wrong base", "series/9=>bpf", "bpf", "open", botLogin)
		mine := prJSON(5, "my change", "series/7=>bpf", "bpf_base", "open", botLogin)
		fmt.Fprintf(w, "[%s, %s, %s]", foreign, wrongBase, mine)
	})
	w := testWorker(t, mux)

	require.NoError(t, w.GetPulls(context.Background()))

	require.Len(t, w.prs, 1)
	assert.Equal(t, 5, w.prs["my change"].GetNumber())
	require.Contains(t, w.allPRs, "series/7=>bpf")
	assert.Len(t, w.allPRs["series/7=>bpf"]["bpf"], 1)
}

func TestExpireBranches(t *testing.T) {
	old := time.Now().Add(-40 * 24 * time.Hour).UTC().Format(time.RFC3339)
	recent := time.Now().Add(-2 * 24 * time.Hour).UTC().Format(time.RFC3339)

	var deleted []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"number": 1, "state": "closed", "head": {"ref": "series/1=>bpf"}, "updated_at": %q},
			{"number": 3, "state": "closed", "head": {"ref": "series/3=>bpf"}, "updated_at": %q}
		]`, old, recent)
	})
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/git/refs/", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodDelete, r.Method)
		deleted = append(deleted, strings.TrimPrefix(r.URL.Path, "/api/v3/repos/kernel-patches/bpf/git/refs/heads/"))
		w.WriteHeader(http.StatusNoContent)
	})
	w := testWorker(t, mux)

	w.branches = []string{
		"bpf",            // own target branch, untouchable
		"bpf_base",       // own base branch, untouchable
		"random-branch",  // not a series ref
		"series/1=>bpf",  // closed PR past TTL: delete
		"series/2=>bpf",  // open PR exists
		"series/3=>bpf",  // closed PR inside TTL
		"series/4=>bpf",  // no closed PR at all
	}
	w.allPRs["series/2=>bpf"] = map[string][]*gh.PullRequest{"bpf": {{Number: gh.Ptr(2)}}}

	require.NoError(t, w.ExpireBranches(context.Background()))
	assert.Equal(t, []string{"series/1=>bpf"}, deleted)
}

func TestExpireUserPRs(t *testing.T) {
	var closed []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/pulls/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPatch {
			closed = append(closed, r.URL.Path)
		}
		fmt.Fprint(w, `{"number": 1, "state": "closed"}`)
	})
	w := testWorker(t, mux)

	stale := &gh.PullRequest{Number: gh.Ptr(1),
		UpdatedAt: &gh.Timestamp{Time: time.Now().Add(-45 * 24 * time.Hour)}}
	fresh := &gh.PullRequest{Number: gh.Ptr(2),
		UpdatedAt: &gh.Timestamp{Time: time.Now().Add(-45 * 24 * time.Hour)}}
	active := &gh.PullRequest{Number: gh.Ptr(3),
		UpdatedAt: &gh.Timestamp{Time: time.Now().Add(-1 * time.Hour)}}
	w.prs = map[string]*gh.PullRequest{
		"stale subject":    stale,
		"observed subject": fresh,
		"active subject":   active,
	}

	observed := map[string]bool{"observed subject": true}
	require.NoError(t, w.ExpireUserPRs(context.Background(), observed))

	assert.Len(t, closed, 1)
	assert.Contains(t, closed[0], "/pulls/1")
	assert.NotContains(t, w.prs, "stale subject")
	assert.Contains(t, w.prs, "observed subject")
	assert.Contains(t, w.prs, "active subject")
}

func TestFilterClosedPRPicksNewest(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/pulls", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `[
			{"number": 1, "state": "closed", "head": {"ref": "series/5=>bpf"}, "updated_at": "2026-08-01T00:00:00Z"},
			{"number": 2, "state": "closed", "head": {"ref": "series/5=>bpf"}, "updated_at": "2026-08-10T00:00:00Z"},
			{"number": 3, "state": "closed", "head": {"ref": "series/6=>bpf"}, "updated_at": "2026-08-20T00:00:00Z"}
		]`)
	})
	w := testWorker(t, mux)

	pr, err := w.FilterClosedPR(context.Background(), "series/5=>bpf")
	require.NoError(t, err)
	require.NotNil(t, pr)
	assert.Equal(t, 2, pr.GetNumber())

	missing, err := w.FilterClosedPR(context.Background(), "series/999=>bpf")
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestCreateColorLabelsIdempotent(t *testing.T) {
	var created []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/labels", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			created = append(created, "post")
			w.WriteHeader(http.StatusCreated)
			fmt.Fprint(w, `{"name": "x"}`)
			return
		}
		// Existing labels cover the palette, with different casing.
		fmt.Fprint(w, `[{"name": "Changes-Requested"}, {"name": "merge-conflict"},
			{"name": "rfc"}, {"name": "NEW"}]`)
	})
	w := testWorker(t, mux)

	require.NoError(t, w.CreateColorLabels(context.Background()))
	assert.Empty(t, created, "existing labels must not be re-created regardless of case")
}

func TestCheckoutAndPatchClosedPRLeavesBranchAlone(t *testing.T) {
	ctx := context.Background()
	w := applyTestWorker(t, "[PATCH] add feature file", applyTestMbox)

	recent := time.Now().Add(-time.Hour).UTC().Format(time.RFC3339)
	var created int
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/pulls", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			created++
			fmt.Fprint(rw, `{"number": 9}`)
			return
		}
		fmt.Fprintf(rw, `[{"number": 8, "state": "closed",
			"head": {"ref": "series/10=>bpf"}, "updated_at": %q}]`, recent)
	})
	w.gh = testConnector(t, mux)

	series, err := w.pw.GetSeriesByID(ctx, 10)
	require.NoError(t, err)
	res, err := w.TryApplyMailboxSeries(ctx, "series/10=>bpf", series)
	require.NoError(t, err)
	require.True(t, res.Applied)

	// The checkout has no origin remote, so any push attempt would error
	// out: a clean nil result means the closed PR was honored before the
	// branch was touched.
	pr, err := w.CheckoutAndPatch(ctx, "series/10=>bpf", series, res)
	require.NoError(t, err)
	assert.Nil(t, pr)
	assert.Zero(t, created)
}

func TestApplyPushCommentConflict(t *testing.T) {
	ctx := context.Background()
	var labels, comments []string
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/issues/7/labels", func(rw http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		labels = append(labels, string(body))
		fmt.Fprint(rw, `[]`)
	})
	mux.HandleFunc("/api/v3/repos/kernel-patches/bpf/issues/7/comments", func(rw http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			body, _ := io.ReadAll(r.Body)
			comments = append(comments, string(body))
			fmt.Fprint(rw, `{"id": 1}`)
			return
		}
		fmt.Fprint(rw, `[]`)
	})
	w := testWorker(t, mux)

	pr := &gh.PullRequest{Number: gh.Ptr(7)}
	series := &patchwork.Series{WebURL: "https://pw.example.org/series/10"}
	res := ApplyResult{Conflict: &Conflict{Output: "error: patch failed: missing.txt\n"}}

	require.NoError(t, w.applyPushComment(ctx, pr, series, res))

	require.Len(t, labels, 1)
	assert.Contains(t, labels[0], MergeConflictLabel)
	require.Len(t, comments, 1)
	assert.Contains(t, comments[0], "failed to apply")
	assert.Contains(t, comments[0], "error: patch failed: missing.txt")
	assert.Contains(t, comments[0], series.WebURL)
}

func TestTrackerCheckState(t *testing.T) {
	assert.Equal(t, "fail", trackerCheckState(github.StatusFailure))
	assert.Equal(t, "fail", trackerCheckState(github.StatusConflict))
	assert.Equal(t, "success", trackerCheckState(github.StatusSuccess))
	assert.Equal(t, "pending", trackerCheckState(github.StatusPending))
	assert.Equal(t, "warning", trackerCheckState(github.StatusWarning))
}
