package github

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"strings"
	"time"
)

// ansiPattern matches ANSI escape codes for stripping from build logs.
var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// maxLogSize caps the amount of log data read per job to 10 MB.
const maxLogSize = 10 * 1024 * 1024

// LogExtractor distills a raw job log into the part worth forwarding to a
// patch submitter.
type LogExtractor interface {
	Extract(log string) string
}

// ExtractorForProject picks the extractor matching a tracker project. The
// bpf projects run the kernel selftest harness whose logs have per-test
// sections; everything else gets the generic error-window extractor.
func ExtractorForProject(project string) LogExtractor {
	if strings.Contains(strings.ToLower(project), "bpf") {
		return TestSectionExtractor{}
	}
	return ErrorWindowExtractor{}
}

// ErrorWindowExtractor keeps a context window around GitHub Actions error
// markers, falling back to the log tail when no marker is present.
type ErrorWindowExtractor struct{}

func (ErrorWindowExtractor) Extract(log string) string {
	const contextWindow = 5
	const fallbackTail = 50

	lines := strings.Split(log, "\n")
	var markers []int
	for i, line := range lines {
		if strings.Contains(line, "##[error]") {
			markers = append(markers, i)
		}
	}
	if len(markers) == 0 {
		start := max(0, len(lines)-fallbackTail)
		return strings.Join(lines[start:], "\n")
	}

	included := make(map[int]bool)
	for _, idx := range markers {
		for i := max(0, idx-contextWindow); i < min(len(lines), idx+contextWindow+1); i++ {
			included[i] = true
		}
	}

	var out strings.Builder
	gap := false
	for i, line := range lines {
		if !included[i] {
			gap = true
			continue
		}
		if gap && out.Len() > 0 {
			out.WriteString("...\n")
		}
		gap = false
		out.WriteString(line)
		out.WriteString("\n")
	}
	return out.String()
}

// testSectionPattern matches the kernel selftest harness section headers,
// e.g. "#123 some_test:FAIL" or "#123 some_test:OK".
var testSectionPattern = regexp.MustCompile(`^#\d+(?:/\d+)?\s+\S+:(OK|FAIL|SKIP)`)

// TestSectionExtractor keeps only the sections of failing selftests. A
// section starts at a harness header line and runs until the next one;
// preamble before the first header is always kept.
type TestSectionExtractor struct{}

func (TestSectionExtractor) Extract(log string) string {
	var out strings.Builder
	keep := true

	for _, line := range strings.Split(log, "\n") {
		if m := testSectionPattern.FindStringSubmatch(line); m != nil {
			keep = m[1] == "FAIL"
		}
		if keep {
			out.WriteString(line)
			out.WriteString("\n")
		}
	}
	return out.String()
}

// downloadLog fetches a pre-signed log URL without auth headers.
func downloadLog(ctx context.Context, logURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, logURL, nil)
	if err != nil {
		return "", err
	}
	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("downloading log: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("log download returned status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxLogSize))
	if err != nil {
		return "", fmt.Errorf("reading log body: %w", err)
	}
	return string(body), nil
}

func stripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}
