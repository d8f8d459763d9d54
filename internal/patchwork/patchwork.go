// Package patchwork is the client for the mailing-list patch tracker. It
// exposes the subject/series view the sync cycle consumes and the per-patch
// check API the cycle reports into.
package patchwork

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

// DefaultHTTPRetries is the retry budget applied to every tracker request.
const DefaultHTTPRetries = 3

const apiVersion = "1.1"

// timeLayout is the tracker's timestamp format, ISO 8601 without a zone.
const timeLayout = "2006-01-02T15:04:05"

// Check is one CI check posted against a patch. The tracker keeps the full
// history; the latest post per (patch, context) wins.
type Check struct {
	Context     string
	State       string
	Description string
	TargetURL   string
}

// Client talks to one Patchwork server for one project.
type Client struct {
	baseURL        string
	project        string
	searchPatterns []map[string]any
	token          string
	since          time.Time
	http           *http.Client
}

// ClientConfig carries the constructor parameters for Client.
type ClientConfig struct {
	// Server is the tracker host, optionally with an explicit scheme.
	// Plain hosts default to https.
	Server         string
	Project        string
	SearchPatterns []map[string]any
	LookbackDays   int
	APIToken       string
	HTTPRetries    int
	// Since overrides the lookback-derived search window start when set.
	// The supervisor passes the previous successful cycle start here.
	Since time.Time
}

// NewClient builds a tracker client. All requests retry transient transport
// failures up to the configured budget.
func NewClient(cfg ClientConfig) *Client {
	server := cfg.Server
	if !strings.Contains(server, "://") {
		server = "https://" + server
	}

	since := cfg.Since
	lookback := time.Duration(cfg.LookbackDays) * 24 * time.Hour
	if floor := time.Now().Add(-lookback); since.IsZero() || since.Before(floor) {
		since = floor
	}

	retries := cfg.HTTPRetries
	if retries == 0 {
		retries = DefaultHTTPRetries
	}
	rc := retryablehttp.NewClient()
	rc.RetryMax = retries
	rc.Logger = nil

	return &Client{
		baseURL:        strings.TrimRight(server, "/") + "/api/" + apiVersion,
		project:        cfg.Project,
		searchPatterns: cfg.SearchPatterns,
		token:          cfg.APIToken,
		since:          since,
		http:           rc.StandardClient(),
	}
}

// Since returns the lower bound of the search window.
func (c *Client) Since() time.Time { return c.since }

// Project returns the configured tracker project.
func (c *Client) Project() string { return c.project }

// GetRelevantSubjects runs every configured search pattern bounded by the
// search window, dedupes the series by id, groups them by normalized
// subject, and drops subjects with no relevant series left. Subjects are
// ordered newest first.
func (c *Client) GetRelevantSubjects(ctx context.Context) ([]*Subject, error) {
	seen := make(map[int]bool)
	newest := make(map[string]time.Time)
	var names []string

	for _, pattern := range c.searchPatterns {
		params := patternValues(pattern)
		params.Set("since", c.since.UTC().Format(timeLayout))

		found, err := c.listSeries(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("searching series: %w", err)
		}
		for _, series := range found {
			if seen[series.ID] {
				continue
			}
			seen[series.ID] = true
			name := series.Subject()
			if _, known := newest[name]; !known {
				names = append(names, name)
			}
			if series.Date.After(newest[name]) {
				newest[name] = series.Date
			}
		}
	}

	sort.SliceStable(names, func(i, j int) bool {
		return newest[names[i]].After(newest[names[j]])
	})

	var subjects []*Subject
	for _, name := range names {
		subject := &Subject{Subject: name, client: c}
		latest, err := subject.LatestSeries(ctx)
		if err != nil {
			slog.Warn("skipping subject, cannot resolve series", "subject", name, "error", err)
			continue
		}
		if latest == nil {
			continue
		}
		subjects = append(subjects, subject)
	}
	return subjects, nil
}

// GetSeriesByID fetches a single series, strongly consistent.
func (c *Client) GetSeriesByID(ctx context.Context, id int) (*Series, error) {
	var raw seriesJSON
	if err := c.getJSON(ctx, fmt.Sprintf("%s/series/%d/", c.baseURL, id), &raw); err != nil {
		return nil, fmt.Errorf("fetching series %d: %w", id, err)
	}
	return raw.toSeries(c)
}

// GetSubjectBySeries returns the Subject grouping of a series.
func (c *Client) GetSubjectBySeries(series *Series) *Subject {
	return &Subject{Subject: series.Subject(), client: c}
}

// PostCheck posts a per-patch check result, skipping the POST when the
// newest existing check for the same context already carries the identical
// state and target URL. Returns whether a POST was made.
func (c *Client) PostCheck(ctx context.Context, patchID int, check Check) (bool, error) {
	existing, err := c.listChecks(ctx, patchID)
	if err != nil {
		return false, err
	}
	var newest *checkJSON
	for i := range existing {
		if existing[i].Context != check.Context {
			continue
		}
		if newest == nil || existing[i].ID > newest.ID {
			newest = &existing[i]
		}
	}
	if newest != nil && newest.State == check.State && newest.TargetURL == check.TargetURL {
		slog.Debug("check already current, skipping post",
			"patch", patchID, "context", check.Context, "state", check.State)
		return false, nil
	}

	form := url.Values{}
	form.Set("context", check.Context)
	form.Set("state", check.State)
	form.Set("description", check.Description)
	form.Set("target_url", check.TargetURL)

	endpoint := fmt.Sprintf("%s/patches/%d/checks/", c.baseURL, patchID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return false, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("posting check for patch %d: %w", patchID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return false, fmt.Errorf("posting check for patch %d: status %d: %s", patchID, resp.StatusCode, body)
	}
	return true, nil
}

// DownloadMbox fetches the raw mailbox of a series for git am.
func (c *Client) DownloadMbox(ctx context.Context, series *Series) ([]byte, error) {
	if series.MboxURL == "" {
		return nil, fmt.Errorf("series %d has no mbox url", series.ID)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, series.MboxURL, nil)
	if err != nil {
		return nil, err
	}
	c.authorize(req)
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading mbox for series %d: %w", series.ID, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading mbox for series %d: status %d", series.ID, resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

// searchSeriesByName runs the configured search patterns with a free-text
// query, used to recover the full version history of one subject.
func (c *Client) searchSeriesByName(ctx context.Context, name string) ([]*Series, error) {
	seen := make(map[int]bool)
	var all []*Series

	patterns := c.searchPatterns
	if len(patterns) == 0 {
		patterns = []map[string]any{{}}
	}
	for _, pattern := range patterns {
		params := patternValues(pattern)
		params.Set("q", name)

		found, err := c.listSeries(ctx, params)
		if err != nil {
			return nil, fmt.Errorf("searching series by name %q: %w", name, err)
		}
		for _, series := range found {
			if !seen[series.ID] {
				seen[series.ID] = true
				all = append(all, series)
			}
		}
	}
	return all, nil
}

func (c *Client) listSeries(ctx context.Context, params url.Values) ([]*Series, error) {
	endpoint := c.baseURL + "/series/?" + params.Encode()

	var all []*Series
	for endpoint != "" {
		var page []seriesJSON
		next, err := c.getJSONPage(ctx, endpoint, &page)
		if err != nil {
			return nil, err
		}
		for i := range page {
			series, err := page[i].toSeries(c)
			if err != nil {
				slog.Warn("skipping malformed series", "id", page[i].ID, "error", err)
				continue
			}
			all = append(all, series)
		}
		endpoint = next
	}
	return all, nil
}

func (c *Client) getPatch(ctx context.Context, id int) (*Patch, error) {
	var raw patchJSON
	if err := c.getJSON(ctx, fmt.Sprintf("%s/patches/%d/", c.baseURL, id), &raw); err != nil {
		return nil, err
	}
	return &Patch{
		ID:       raw.ID,
		Name:     raw.Name,
		MsgID:    raw.MsgID,
		State:    raw.State,
		Archived: raw.Archived,
	}, nil
}

func (c *Client) listChecks(ctx context.Context, patchID int) ([]checkJSON, error) {
	var checks []checkJSON
	endpoint := fmt.Sprintf("%s/patches/%d/checks/", c.baseURL, patchID)
	for endpoint != "" {
		var page []checkJSON
		next, err := c.getJSONPage(ctx, endpoint, &page)
		if err != nil {
			return nil, fmt.Errorf("listing checks for patch %d: %w", patchID, err)
		}
		checks = append(checks, page...)
		endpoint = next
	}
	return checks, nil
}

// getJSON fetches a single JSON object.
func (c *Client) getJSON(ctx context.Context, endpoint string, out any) error {
	_, err := c.getJSONPage(ctx, endpoint, out)
	return err
}

// getJSONPage fetches one JSON document and returns the rel="next" link of
// the response, empty when the listing is exhausted.
func (c *Client) getJSONPage(ctx context.Context, endpoint string, out any) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return "", err
	}
	c.authorize(req)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("GET %s: status %d: %s", endpoint, resp.StatusCode, body)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return "", fmt.Errorf("decoding %s: %w", endpoint, err)
	}
	return nextLink(resp.Header.Get("Link")), nil
}

func (c *Client) authorize(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Token "+c.token)
	}
}

// nextLink extracts the rel="next" target from an RFC 8288 Link header.
func nextLink(header string) string {
	for _, part := range strings.Split(header, ",") {
		section := strings.Split(part, ";")
		if len(section) < 2 {
			continue
		}
		target := strings.Trim(strings.TrimSpace(section[0]), "<>")
		for _, param := range section[1:] {
			if strings.TrimSpace(param) == `rel="next"` {
				return target
			}
		}
	}
	return ""
}

func patternValues(pattern map[string]any) url.Values {
	params := url.Values{}
	for key, value := range pattern {
		switch v := value.(type) {
		case float64:
			// JSON numbers decode as float64; keep integers readable.
			if v == float64(int64(v)) {
				params.Set(key, fmt.Sprintf("%d", int64(v)))
				continue
			}
			params.Set(key, fmt.Sprintf("%v", v))
		default:
			params.Set(key, fmt.Sprintf("%v", v))
		}
	}
	return params
}

// Wire representations.

type seriesJSON struct {
	ID        int         `json:"id"`
	Name      string      `json:"name"`
	Version   int         `json:"version"`
	Date      string      `json:"date"`
	Mbox      string      `json:"mbox"`
	WebURL    string      `json:"web_url"`
	Submitter submitter   `json:"submitter"`
	Cover     *coverJSON  `json:"cover_letter"`
	Patches   []patchJSON `json:"patches"`
}

type submitter struct {
	Email string `json:"email"`
}

type coverJSON struct {
	Name string `json:"name"`
}

type patchJSON struct {
	ID       int    `json:"id"`
	Name     string `json:"name"`
	MsgID    string `json:"msgid"`
	State    string `json:"state"`
	Archived bool   `json:"archived"`
}

type checkJSON struct {
	ID        int    `json:"id"`
	Context   string `json:"context"`
	State     string `json:"state"`
	TargetURL string `json:"target_url"`
}

func (j *seriesJSON) toSeries(c *Client) (*Series, error) {
	date, err := parseTime(j.Date)
	if err != nil {
		return nil, fmt.Errorf("series %d: bad date %q: %w", j.ID, j.Date, err)
	}
	series := &Series{
		ID:        j.ID,
		Name:      j.Name,
		Version:   j.Version,
		Date:      date,
		Submitter: j.Submitter.Email,
		MboxURL:   j.Mbox,
		WebURL:    j.WebURL,
		client:    c,
	}
	if j.Cover != nil {
		series.CoverName = j.Cover.Name
	}
	for _, p := range j.Patches {
		series.patches = append(series.patches, Patch{
			ID:    p.ID,
			Name:  p.Name,
			MsgID: p.MsgID,
		})
	}
	return series, nil
}

func parseTime(raw string) (time.Time, error) {
	if t, err := time.Parse(time.RFC3339, raw); err == nil {
		return t, nil
	}
	return time.Parse(timeLayout, raw)
}
