package patchwork

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSubject(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{"[PATCH] fix the frobnicator", "fix the frobnicator"},
		{"[PATCH bpf-next v2 1/3] fix the frobnicator", "fix the frobnicator"},
		{"[PATCH][RFC] two groups", "two groups"},
		{"  [tag] leading space", "leading space"},
		{"no tags at all", "no tags at all"},
		{"middle [tag] stays", "middle [tag] stays"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NormalizeSubject(tc.in), "input %q", tc.in)
	}
}

func TestParseTags(t *testing.T) {
	cases := []struct {
		in   string
		want []string
	}{
		{"[PATCH bpf-next v2 1/3] fix", []string{"PATCH", "bpf-next", "v2", "1/3"}},
		{"[PATCH][RFC] fix", []string{"PATCH", "RFC"}},
		{"[a,b\tc] fix", []string{"a", "b", "c"}},
		{"no tags", nil},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, ParseTags(tc.in), "input %q", tc.in)
	}
}

func TestNextLink(t *testing.T) {
	header := `<https://pw.example.org/api/1.1/series/?page=2>; rel="next", ` +
		`<https://pw.example.org/api/1.1/series/?page=9>; rel="last"`
	assert.Equal(t, "https://pw.example.org/api/1.1/series/?page=2", nextLink(header))
	assert.Equal(t, "", nextLink(`<https://x>; rel="prev"`))
	assert.Equal(t, "", nextLink(""))
}

// fakeTracker serves a minimal Patchwork API from in-memory fixtures.
type fakeTracker struct {
	t *testing.T

	series  []map[string]any
	patches map[int]map[string]any
	checks  map[int][]map[string]any

	checkPosts []map[string]string
}

func (f *fakeTracker) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/1.1/series/", func(w http.ResponseWriter, r *http.Request) {
		var id int
		if n, _ := fmt.Sscanf(r.URL.Path, "/api/1.1/series/%d/", &id); n == 1 {
			for _, s := range f.series {
				if int(s["id"].(float64)) == id {
					writeJSON(f.t, w, s)
					return
				}
			}
			http.NotFound(w, r)
			return
		}
		writeJSON(f.t, w, f.series)
	})
	mux.HandleFunc("/api/1.1/patches/", func(w http.ResponseWriter, r *http.Request) {
		var id int
		if strings.HasSuffix(r.URL.Path, "/checks/") {
			_, err := fmt.Sscanf(r.URL.Path, "/api/1.1/patches/%d/", &id)
			require.NoError(f.t, err)
			if r.Method == http.MethodPost {
				require.NoError(f.t, r.ParseForm())
				post := map[string]string{}
				for key := range r.PostForm {
					post[key] = r.PostForm.Get(key)
				}
				post["patch"] = fmt.Sprint(id)
				f.checkPosts = append(f.checkPosts, post)
				w.WriteHeader(http.StatusCreated)
				return
			}
			writeJSON(f.t, w, f.checks[id])
			return
		}
		if n, _ := fmt.Sscanf(r.URL.Path, "/api/1.1/patches/%d/", &id); n == 1 {
			if p, ok := f.patches[id]; ok {
				writeJSON(f.t, w, p)
				return
			}
		}
		http.NotFound(w, r)
	})
	return mux
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func seriesFixture(id int, name string, version int, date string, patchIDs ...int) map[string]any {
	var patches []map[string]any
	for _, pid := range patchIDs {
		patches = append(patches, map[string]any{
			"id": pid, "name": name, "msgid": fmt.Sprintf("<%d@example.org>", pid),
		})
	}
	return map[string]any{
		"id":        id,
		"name":      name,
		"version":   version,
		"date":      date,
		"mbox":      fmt.Sprintf("https://pw.example.org/series/%d/mbox/", id),
		"web_url":   fmt.Sprintf("https://pw.example.org/project/test/list/?series=%d", id),
		"submitter": map[string]any{"email": "dev@example.org"},
		"patches":   patches,
	}
}

func patchFixture(id int, name, state string, archived bool) map[string]any {
	return map[string]any{
		"id": id, "name": name, "msgid": fmt.Sprintf("<%d@example.org>", id),
		"state": state, "archived": archived,
	}
}

func newTestClient(t *testing.T, tracker *fakeTracker) *Client {
	server := httptest.NewServer(tracker.handler())
	t.Cleanup(server.Close)
	return NewClient(ClientConfig{
		Server:         server.URL,
		Project:        "test",
		SearchPatterns: []map[string]any{{"project": float64(42), "archived": false}},
		LookbackDays:   5,
		APIToken:       "secret",
	})
}

func TestGetRelevantSubjects(t *testing.T) {
	tracker := &fakeTracker{
		t: t,
		series: []map[string]any{
			seriesFixture(10, "[PATCH] first change", 1, "2026-08-20T10:00:00", 100),
			seriesFixture(11, "[PATCH v2] first change", 2, "2026-08-21T10:00:00", 101),
			seriesFixture(12, "[PATCH] second change", 1, "2026-08-22T09:00:00", 102),
			seriesFixture(13, "[PATCH] archived change", 1, "2026-08-22T10:00:00", 103),
		},
		patches: map[int]map[string]any{
			100: patchFixture(100, "[PATCH] first change", "new", false),
			101: patchFixture(101, "[PATCH v2] first change", "under-review", false),
			102: patchFixture(102, "[PATCH] second change", "new", false),
			103: patchFixture(103, "[PATCH] archived change", "new", true),
		},
	}
	client := newTestClient(t, tracker)

	subjects, err := client.GetRelevantSubjects(context.Background())
	require.NoError(t, err)

	require.Len(t, subjects, 2)
	// Newest activity first.
	assert.Equal(t, "second change", subjects[0].Subject)
	assert.Equal(t, "first change", subjects[1].Subject)
}

func TestSubjectLatestSeriesPrefersVersion(t *testing.T) {
	tracker := &fakeTracker{
		t: t,
		series: []map[string]any{
			seriesFixture(10, "[PATCH] a change", 1, "2026-08-23T10:00:00", 100),
			seriesFixture(11, "[PATCH v2] a change", 2, "2026-08-21T10:00:00", 101),
		},
		patches: map[int]map[string]any{
			100: patchFixture(100, "[PATCH] a change", "new", false),
			101: patchFixture(101, "[PATCH v2] a change", "new", false),
		},
	}
	client := newTestClient(t, tracker)

	subject := &Subject{Subject: "a change", client: client}
	latest, err := subject.LatestSeries(context.Background())
	require.NoError(t, err)
	require.NotNil(t, latest)

	// v2 wins even though v1 is dated later.
	assert.Equal(t, 11, latest.ID)
	assert.Equal(t, 2, latest.Version)
}

func TestSubjectBranchUsesFirstSeries(t *testing.T) {
	tracker := &fakeTracker{
		t: t,
		series: []map[string]any{
			seriesFixture(20, "[PATCH] a change", 1, "2026-08-20T10:00:00", 100),
			seriesFixture(21, "[PATCH v2] a change", 2, "2026-08-21T10:00:00", 101),
		},
		patches: map[int]map[string]any{
			100: patchFixture(100, "[PATCH] a change", "new", false),
			101: patchFixture(101, "[PATCH v2] a change", "new", false),
		},
	}
	client := newTestClient(t, tracker)

	subject := &Subject{Subject: "a change", client: client}
	branch, err := subject.Branch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "series/20", branch)
}

func TestPostCheckDedup(t *testing.T) {
	tracker := &fakeTracker{
		t: t,
		checks: map[int][]map[string]any{
			100: {
				{"id": 1, "context": "bpf-PR", "state": "pending", "target_url": "https://g/1"},
				{"id": 2, "context": "bpf-PR", "state": "success", "target_url": "https://g/1"},
			},
		},
	}
	client := newTestClient(t, tracker)
	ctx := context.Background()

	// Same state and URL as the newest check: no POST.
	posted, err := client.PostCheck(ctx, 100, Check{
		Context: "bpf-PR", State: "success", TargetURL: "https://g/1", Description: "PR summary",
	})
	require.NoError(t, err)
	assert.False(t, posted)
	assert.Empty(t, tracker.checkPosts)

	// Changed URL: POST goes out.
	posted, err = client.PostCheck(ctx, 100, Check{
		Context: "bpf-PR", State: "success", TargetURL: "https://g/2", Description: "PR summary",
	})
	require.NoError(t, err)
	assert.True(t, posted)
	require.Len(t, tracker.checkPosts, 1)
	assert.Equal(t, "success", tracker.checkPosts[0]["state"])
	assert.Equal(t, "https://g/2", tracker.checkPosts[0]["target_url"])
	assert.Equal(t, "bpf-PR", tracker.checkPosts[0]["context"])

	// Different context with no history: POST goes out.
	posted, err = client.PostCheck(ctx, 100, Check{
		Context: "net-PR", State: "pending", TargetURL: "https://g/3",
	})
	require.NoError(t, err)
	assert.True(t, posted)
}

func TestSeriesVisibleTags(t *testing.T) {
	tracker := &fakeTracker{
		t: t,
		patches: map[int]map[string]any{
			100: patchFixture(100, "[PATCH bpf-next v2 1/2] part one", "new", false),
			101: patchFixture(101, "[PATCH bpf-next v2 2/2] part two", "new", false),
		},
	}
	client := newTestClient(t, tracker)

	series := &Series{
		ID:      5,
		Name:    "[PATCH bpf-next v2 0/2] a change",
		Version: 2,
		client:  client,
		patches: []Patch{{ID: 100}, {ID: 101}},
	}

	tags, err := series.VisibleTags(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"V2", "bpf-next"}, tags)
}

func TestClientSinceFloor(t *testing.T) {
	client := NewClient(ClientConfig{
		Server:       "pw.example.org",
		Project:      "test",
		LookbackDays: 5,
	})
	floor := time.Now().Add(-5 * 24 * time.Hour)
	assert.WithinDuration(t, floor, client.Since(), time.Minute)

	// An explicit since inside the window is honored.
	since := time.Now().Add(-time.Hour)
	client = NewClient(ClientConfig{
		Server: "pw.example.org", Project: "test", LookbackDays: 5, Since: since,
	})
	assert.Equal(t, since, client.Since())
}
