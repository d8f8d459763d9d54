// Package worker implements the per-(repository, target branch) unit of the
// sync cycle: mirroring, series application, pull request upkeep, check
// reporting and expiry.
package worker

import (
	"math"
	"strings"
	"time"

	gh "github.com/google/go-github/v82/github"

	"github.com/kernel-patches/kpd/internal/config"
)

const (
	// UpstreamRemoteName is the git remote tracking the mirrored upstream.
	UpstreamRemoteName = "upstream"
	// MergeConflictLabel marks pull requests whose series failed to apply.
	MergeConflictLabel = "merge-conflict"
	// BranchTTL bounds how long a series branch survives after its pull
	// request closed, and how long a stale pull request stays open.
	BranchTTL = 30 * 24 * time.Hour
	// AlreadyMergedLookback is how many commit summaries of the target
	// branch the already-applied scan inspects.
	AlreadyMergedLookback = 100
)

// ParsedRef is the decomposition of a pull request head ref of the shape
// "series/<id>=><target>". Every field except Ref may be absent.
type ParsedRef struct {
	// Ref is the input, unchanged.
	Ref string
	// Series is everything before the target separator, or the whole ref
	// when the separator is absent.
	Series string
	// Target is everything after the first target separator. It may itself
	// contain further separators.
	Target string
	// SeriesID is set when the series part splits into a prefix and a pure
	// decimal remainder.
	SeriesID    int64
	HasSeriesID bool
}

// ParsePRRef decomposes a head ref. It is total: every string yields a
// record, with the optional parts left unset when the shape does not match.
func ParsePRRef(ref string) ParsedRef {
	parsed := ParsedRef{Ref: ref, Series: ref}

	if series, target, found := strings.Cut(ref, config.SeriesTargetSeparator); found {
		parsed.Series = series
		parsed.Target = target
	}

	if _, id, found := strings.Cut(parsed.Series, config.SeriesIDSeparator); found {
		if n, ok := parseSeriesID(id); ok {
			parsed.SeriesID = n
			parsed.HasSeriesID = true
		}
	}
	return parsed
}

// OK reports whether the ref carries both a series id and a target, i.e.
// whether it is one of ours.
func (p ParsedRef) OK() bool {
	return p.HasSeriesID && p.Target != ""
}

// parseSeriesID accepts only non-empty pure decimal strings. Values beyond
// int64 are treated as not-an-id.
func parseSeriesID(s string) (int64, bool) {
	if s == "" {
		return 0, false
	}
	var n int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0, false
		}
		if n > (math.MaxInt64-int64(r-'0'))/10 {
			return 0, false
		}
		n = n*10 + int64(r-'0')
	}
	return n, true
}

// SameSeriesDifferentTarget reports whether two head refs belong to the same
// series but point at different target branches, which makes one of the pull
// requests a duplicate.
func SameSeriesDifferentTarget(a, b string) bool {
	pa, pb := ParsePRRef(a), ParsePRRef(b)
	return pa.Series == pb.Series && pa.Target != pb.Target
}

// HasLabel reports whether a pull request carries the named label.
func HasLabel(pr *gh.PullRequest, name string) bool {
	for _, label := range pr.Labels {
		if label.GetName() == name {
			return true
		}
	}
	return false
}
