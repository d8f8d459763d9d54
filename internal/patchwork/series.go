package patchwork

import (
	"context"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"
)

// tagPattern matches one leading bracket group of a subject line, e.g.
// "[PATCH bpf-next v2 1/3]".
var tagPattern = regexp.MustCompile(`^\s*\[([^\]]*)\]\s*`)

// ignoredTagPattern matches tags that carry no routing or labeling meaning:
// the word PATCH, part counters like 3/7, version markers, and RESEND.
var ignoredTagPattern = regexp.MustCompile(`(?i)^(patch|resend|\d+/\d+|v\d+)$`)

// relevantPatchStates are the tracker states in which a patch still awaits
// action. A series with no patch in any of these states is expired.
var relevantPatchStates = map[string]bool{
	"new":               true,
	"under-review":      true,
	"rfc":               true,
	"changes-requested": true,
	"queued":            true,
	"needs-review-ack":  true,
}

// Patch is one patch of a series. State and Archived are populated from the
// patch detail endpoint; the series endpoint only carries stubs.
type Patch struct {
	ID       int
	Name     string
	MsgID    string
	State    string
	Archived bool
}

// Series is an immutable, versioned bundle of patches observed on the
// tracker.
type Series struct {
	ID        int
	Name      string
	Version   int
	Date      time.Time
	Submitter string
	MboxURL   string
	WebURL    string
	CoverName string

	client   *Client
	patches  []Patch
	hydrated bool
}

// Subject returns the series title with all leading bracket tags stripped,
// which is the identity key grouping versions of the same submission.
func (s *Series) Subject() string {
	return NormalizeSubject(s.Name)
}

// Patches returns the patches of the series, fetching per-patch details from
// the tracker on first use.
func (s *Series) Patches(ctx context.Context) ([]Patch, error) {
	if s.hydrated {
		return s.patches, nil
	}
	for i := range s.patches {
		detail, err := s.client.getPatch(ctx, s.patches[i].ID)
		if err != nil {
			return nil, fmt.Errorf("fetching patch %d of series %d: %w", s.patches[i].ID, s.ID, err)
		}
		if detail.Name != "" {
			s.patches[i].Name = detail.Name
		}
		if detail.MsgID != "" {
			s.patches[i].MsgID = detail.MsgID
		}
		s.patches[i].State = detail.State
		s.patches[i].Archived = detail.Archived
	}
	s.hydrated = true
	return s.patches, nil
}

// PatchStubs returns the patches as listed on the series object itself,
// without hitting the per-patch endpoints.
func (s *Series) PatchStubs() []Patch {
	return s.patches
}

// Relevant reports whether any patch of the series still awaits action on
// the tracker.
func (s *Series) Relevant(ctx context.Context) (bool, error) {
	patches, err := s.Patches(ctx)
	if err != nil {
		return false, err
	}
	for _, p := range patches {
		if !p.Archived && relevantPatchStates[p.State] {
			return true, nil
		}
	}
	return false, nil
}

// AllTags returns the union of bracket tags across the series name, the
// cover letter, and every patch name, plus the version tag "V<n>". Sorted
// for determinism.
func (s *Series) AllTags(ctx context.Context) ([]string, error) {
	tags := make(map[string]bool)
	for _, tag := range ParseTags(s.Name) {
		tags[tag] = true
	}
	if s.CoverName != "" {
		for _, tag := range ParseTags(s.CoverName) {
			tags[tag] = true
		}
	}
	patches, err := s.Patches(ctx)
	if err != nil {
		return nil, err
	}
	for _, p := range patches {
		for _, tag := range ParseTags(p.Name) {
			tags[tag] = true
		}
	}
	tags[fmt.Sprintf("V%d", s.Version)] = true

	return sortedTags(tags), nil
}

// VisibleTags returns the tags worth surfacing to humans as PR labels: the
// version tag plus everything ParseTags keeps that is not an ignored
// counter or boilerplate tag.
func (s *Series) VisibleTags(ctx context.Context) ([]string, error) {
	all, err := s.AllTags(ctx)
	if err != nil {
		return nil, err
	}
	versionTag := fmt.Sprintf("V%d", s.Version)
	visible := map[string]bool{versionTag: true}
	for _, tag := range all {
		if ignoredTagPattern.MatchString(tag) {
			continue
		}
		visible[tag] = true
	}
	return sortedTags(visible), nil
}

func sortedTags(set map[string]bool) []string {
	tags := make([]string, 0, len(set))
	for tag := range set {
		tags = append(tags, tag)
	}
	sort.Strings(tags)
	return tags
}

// NormalizeSubject strips every leading bracket tag group from a subject
// line.
func NormalizeSubject(name string) string {
	for {
		stripped := tagPattern.ReplaceAllString(name, "")
		if stripped == name {
			return strings.TrimSpace(stripped)
		}
		name = stripped
	}
}

// ParseTags extracts the individual tags from the leading bracket groups of
// a subject line; "[PATCH bpf-next v2 1/3]" yields PATCH, bpf-next, v2 and
// 1/3.
func ParseTags(name string) []string {
	var tags []string
	for {
		m := tagPattern.FindStringSubmatch(name)
		if m == nil {
			return tags
		}
		for _, field := range strings.FieldsFunc(m[1], func(r rune) bool {
			return r == ' ' || r == ',' || r == '\t'
		}) {
			if field != "" {
				tags = append(tags, field)
			}
		}
		name = name[len(m[0]):]
	}
}

// Subject is the equivalence class of all series sharing a normalized
// title. Its series list is fetched lazily so version history older than the
// search window is still visible.
type Subject struct {
	Subject string

	client *Client
	series []*Series
	loaded bool
}

// RelevantSeries returns the tracker's relevant series for this subject,
// oldest first.
func (s *Subject) RelevantSeries(ctx context.Context) ([]*Series, error) {
	if s.loaded {
		return s.series, nil
	}
	found, err := s.client.searchSeriesByName(ctx, s.Subject)
	if err != nil {
		return nil, err
	}

	var relevant []*Series
	for _, series := range found {
		if series.Subject() != s.Subject {
			continue
		}
		ok, err := series.Relevant(ctx)
		if err != nil {
			return nil, err
		}
		if ok {
			relevant = append(relevant, series)
		}
	}
	sort.Slice(relevant, func(i, j int) bool {
		if !relevant[i].Date.Equal(relevant[j].Date) {
			return relevant[i].Date.Before(relevant[j].Date)
		}
		return relevant[i].ID < relevant[j].ID
	})

	s.series = relevant
	s.loaded = true
	return s.series, nil
}

// LatestSeries returns the newest series of the subject: highest version,
// ties broken by date then id. Nil when the subject has no relevant series.
func (s *Subject) LatestSeries(ctx context.Context) (*Series, error) {
	series, err := s.RelevantSeries(ctx)
	if err != nil {
		return nil, err
	}
	var latest *Series
	for _, candidate := range series {
		if latest == nil || newerSeries(candidate, latest) {
			latest = candidate
		}
	}
	return latest, nil
}

func newerSeries(a, b *Series) bool {
	if a.Version != b.Version {
		return a.Version > b.Version
	}
	if !a.Date.Equal(b.Date) {
		return a.Date.After(b.Date)
	}
	return a.ID > b.ID
}

// AllTags returns the tag union across every relevant series of the
// subject.
func (s *Subject) AllTags(ctx context.Context) ([]string, error) {
	series, err := s.RelevantSeries(ctx)
	if err != nil {
		return nil, err
	}
	tags := make(map[string]bool)
	for _, one := range series {
		t, err := one.AllTags(ctx)
		if err != nil {
			return nil, err
		}
		for _, tag := range t {
			tags[tag] = true
		}
	}
	return sortedTags(tags), nil
}

// Branch returns the stable branch prefix of the subject,
// "series/<id of the first known series>". The target suffix is appended by
// the branch workers.
func (s *Subject) Branch(ctx context.Context) (string, error) {
	series, err := s.RelevantSeries(ctx)
	if err != nil {
		return "", err
	}
	if len(series) == 0 {
		return "", fmt.Errorf("subject %q has no relevant series", s.Subject)
	}
	return fmt.Sprintf("series/%d", series[0].ID), nil
}
