package worker

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"regexp"
	"strings"

	gh "github.com/google/go-github/v82/github"

	"github.com/kernel-patches/kpd/internal/config"
	"github.com/kernel-patches/kpd/internal/github"
	"github.com/kernel-patches/kpd/internal/patchwork"
)

// defaultEmailBoundary is the fixed MIME boundary of CI result emails.
// Fixed so the full message is comparable in tests.
const defaultEmailBoundary = "===============kpd-ci-results=="

// buildEmail composes the delivery command and the MIME message for one CI
// result notification. The argv is an observable contract: curl speaking
// smtps with one --mail-rcpt per recipient and the message on stdin.
func buildEmail(cfg *config.EmailConfig, submitter, subject, msgID, body, boundary string) ([]string, string) {
	argv := []string{
		"curl",
		"--silent",
		"--show-error",
		"--ssl-reqd",
		"smtps://" + cfg.Host,
		"--mail-from", cfg.From,
		"--user", cfg.User + ":" + cfg.Pass,
		"--crlf",
		"--upload-file", "-",
	}

	to := append([]string{}, cfg.To...)
	for _, rcpt := range cfg.To {
		argv = append(argv, "--mail-rcpt", rcpt)
	}
	if submitter != "" && submitterAllowed(cfg, submitter) {
		argv = append(argv, "--mail-rcpt", submitter)
		to = append(to, submitter)
	}
	for _, rcpt := range cfg.CC {
		argv = append(argv, "--mail-rcpt", rcpt)
	}
	if cfg.HTTPProxy != "" {
		argv = append(argv, "--proxy", cfg.HTTPProxy)
	}

	var msg strings.Builder
	fmt.Fprintf(&msg, "From: %s\n", cfg.From)
	fmt.Fprintf(&msg, "To: %s\n", strings.Join(to, ", "))
	if len(cfg.CC) > 0 {
		fmt.Fprintf(&msg, "Cc: %s\n", strings.Join(cfg.CC, ", "))
	}
	fmt.Fprintf(&msg, "Subject: %s\n", subject)
	if msgID != "" {
		fmt.Fprintf(&msg, "In-Reply-To: %s\n", msgID)
		fmt.Fprintf(&msg, "References: %s\n", msgID)
	}
	msg.WriteString("MIME-Version: 1.0\n")
	fmt.Fprintf(&msg, "Content-Type: multipart/alternative; boundary=%q\n", boundary)
	msg.WriteString("\n")
	fmt.Fprintf(&msg, "--%s\n", boundary)
	msg.WriteString("Content-Type: text/plain; charset=\"utf-8\"\n")
	msg.WriteString("\n")
	msg.WriteString(body)
	if !strings.HasSuffix(body, "\n") {
		msg.WriteString("\n")
	}
	fmt.Fprintf(&msg, "--%s--\n", boundary)

	return argv, msg.String()
}

// submitterAllowed implements the notification rollout gate: either the
// allowlist is ignored wholesale, or some pattern matches the submitter's
// full address.
func submitterAllowed(cfg *config.EmailConfig, submitter string) bool {
	if cfg.IgnoreAllowlist {
		return true
	}
	return EmailInSubmitterAllowlist(submitter, cfg.SubmitterAllowlist)
}

// EmailInSubmitterAllowlist reports whether any allowlist pattern matches
// the whole submitter address. Invalid patterns never match.
func EmailInSubmitterAllowlist(submitter string, patterns []string) bool {
	for _, pattern := range patterns {
		re, err := regexp.Compile("^(?:" + pattern + ")$")
		if err != nil {
			slog.Warn("invalid submitter allowlist pattern", "pattern", pattern, "error", err)
			continue
		}
		if re.MatchString(submitter) {
			return true
		}
	}
	return false
}

// SendCIEmail notifies the configured recipients, and the submitter when
// allowed, about a terminal CI result. A nil email config disables it.
func (w *Worker) SendCIEmail(ctx context.Context, series *patchwork.Series, pr *gh.PullRequest, status github.Status) error {
	if w.email == nil {
		return nil
	}

	body, err := w.furnishCIEmailBody(ctx, series, pr, status)
	if err != nil {
		return err
	}

	subject := "Re: " + series.Name
	argv, message := buildEmail(w.email, series.Submitter, subject, seriesMessageID(series), body, w.emailBoundary)
	return w.sendMail(ctx, argv, message)
}

// furnishCIEmailBody renders the plain-text report: verdict, links and the
// distilled logs of failing jobs.
func (w *Worker) furnishCIEmailBody(ctx context.Context, series *patchwork.Series, pr *gh.PullRequest, status github.Status) (string, error) {
	var body strings.Builder
	fmt.Fprintf(&body, "Dear patch submitter,\n\n")
	fmt.Fprintf(&body, "CI has tested the following submission:\n")
	fmt.Fprintf(&body, "Status:     %s\n", strings.ToUpper(string(status)))
	fmt.Fprintf(&body, "Name:       %s\n", series.Name)
	fmt.Fprintf(&body, "Patchwork:  %s\n", series.WebURL)
	fmt.Fprintf(&body, "PR:         %s\n", pr.GetHTMLURL())

	if status == github.StatusFailure {
		logs, err := w.failedRunLogs(ctx, pr.GetHead().GetSHA())
		if err != nil {
			slog.Warn("cannot collect failure logs for email", "worker", w.name, "error", err)
		} else if logs != "" {
			fmt.Fprintf(&body, "\nFailed jobs:\n%s", logs)
		}
	}

	body.WriteString("\nPlease note: this email is coming from an unmonitored mailbox.\n")
	return body.String(), nil
}

func (w *Worker) failedRunLogs(ctx context.Context, sha string) (string, error) {
	runs, err := w.gh.FailedWorkflowRuns(ctx, sha)
	if err != nil {
		return "", err
	}
	var logs strings.Builder
	for _, run := range runs {
		text, err := w.gh.FailedWorkflowLogs(ctx, run.GetID(), w.extractor)
		if err != nil {
			return "", err
		}
		logs.WriteString(text)
	}
	return logs.String(), nil
}

// seriesMessageID returns the message id of the first patch, used to thread
// the notification into the original submission.
func seriesMessageID(series *patchwork.Series) string {
	stubs := series.PatchStubs()
	if len(stubs) == 0 {
		return ""
	}
	return stubs[0].MsgID
}

// runMailCommand is the production delivery path: run the composed argv with
// the message on stdin.
func runMailCommand(ctx context.Context, argv []string, message string) error {
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Stdin = strings.NewReader(message)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("running %s: %s: %w", argv[0], strings.TrimSpace(string(out)), err)
	}
	return nil
}
