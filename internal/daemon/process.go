package daemon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/gofrs/flock"
)

// lockTimeout bounds how long start/stop wait for the instance lock.
const lockTimeout = 5 * time.Second

// PIDFilePath returns the daemon PID file inside the checkout tree, so one
// daemon per base directory is enforced rather than one per host.
func PIDFilePath(baseDir string) string {
	return filepath.Join(baseDir, "kpd.pid")
}

// LogFilePath returns the log file the forked daemon writes to.
func LogFilePath(baseDir string) string {
	return filepath.Join(baseDir, "logs", "kpd.log")
}

// withInstanceLock serializes start/stop/status mutations on the base
// directory through a flock.
func withInstanceLock(baseDir string, fn func() error) error {
	lockPath := filepath.Join(baseDir, "kpd.lock")
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return fmt.Errorf("creating base directory: %w", err)
	}
	fileLock := flock.New(lockPath)

	ctx, cancel := context.WithTimeout(context.Background(), lockTimeout)
	defer cancel()

	locked, err := fileLock.TryLockContext(ctx, 100*time.Millisecond)
	if err != nil {
		return fmt.Errorf("acquiring lock on %s: %w", lockPath, err)
	}
	if !locked {
		return fmt.Errorf("timed out acquiring lock on %s", lockPath)
	}
	defer fileLock.Unlock()

	return fn()
}

// StartDaemon starts the supervisor. With foreground it runs inline; otherwise
// it re-execs the binary detached with forkArgs (which must include
// --foreground) and returns once the child is off the ground.
func StartDaemon(baseDir string, foreground bool, forkArgs []string, run func(ctx context.Context) error) error {
	return withInstanceLock(baseDir, func() error {
		if running, pid, _, _ := DaemonStatus(baseDir); running {
			return fmt.Errorf("daemon already running (PID %d)", pid)
		}
		if foreground {
			return runForeground(baseDir, run)
		}
		return forkDaemon(baseDir, forkArgs)
	})
}

func forkDaemon(baseDir string, forkArgs []string) error {
	logFile := LogFilePath(baseDir)
	if err := os.MkdirAll(filepath.Dir(logFile), 0o755); err != nil {
		return fmt.Errorf("creating log directory: %w", err)
	}

	cmd := exec.Command(os.Args[0], forkArgs...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	f, err := os.OpenFile(logFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	cmd.Stdout = f
	cmd.Stderr = f
	cmd.Stdin = nil

	if err := cmd.Start(); err != nil {
		f.Close()
		return fmt.Errorf("starting daemon: %w", err)
	}

	pid := cmd.Process.Pid

	// The child writes its own PID file; do not Wait in the parent.
	cmd.Process.Release()
	f.Close()

	fmt.Printf("daemon started (PID: %d)\n", pid)
	fmt.Printf("log file: %s\n", logFile)
	return nil
}

func runForeground(baseDir string, run func(ctx context.Context) error) error {
	if err := writePIDFile(baseDir, os.Getpid()); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer removePIDFile(baseDir)

	ctx, stop := signal.NotifyContext(
		context.Background(),
		syscall.SIGTERM, syscall.SIGINT,
	)
	defer stop()

	return run(ctx)
}

// StopDaemon sends SIGTERM to the running daemon and waits for exit,
// escalating to SIGKILL after ten seconds.
func StopDaemon(baseDir string) error {
	running, pid, _, err := DaemonStatus(baseDir)
	if err != nil {
		return err
	}
	if !running {
		return fmt.Errorf("daemon is not running")
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("finding process: %w", err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, syscall.ESRCH) || errors.Is(err, os.ErrProcessDone) {
			removePIDFile(baseDir)
			return nil
		}
		return fmt.Errorf("sending SIGTERM: %w", err)
	}

	deadline := time.After(10 * time.Second)
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-deadline:
			_ = proc.Signal(syscall.SIGKILL)
			removePIDFile(baseDir)
			return fmt.Errorf("daemon did not stop gracefully, sent SIGKILL")
		case <-ticker.C:
			if err := proc.Signal(syscall.Signal(0)); err != nil {
				removePIDFile(baseDir)
				return nil
			}
		}
	}
}

// DaemonStatus reports whether the daemon for this base directory is running.
// Stale PID files are cleaned up on the way.
func DaemonStatus(baseDir string) (bool, int, time.Duration, error) {
	pidFile := PIDFilePath(baseDir)
	data, err := os.ReadFile(pidFile)
	if err != nil {
		if os.IsNotExist(err) {
			return false, 0, 0, nil
		}
		return false, 0, 0, fmt.Errorf("reading PID file: %w", err)
	}

	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return false, 0, 0, fmt.Errorf("invalid PID file: %w", err)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		removePIDFile(baseDir)
		return false, 0, 0, nil
	}
	if err := proc.Signal(syscall.Signal(0)); err != nil {
		removePIDFile(baseDir)
		return false, 0, 0, nil
	}

	// Uptime approximated from the PID file modification time.
	info, err := os.Stat(pidFile)
	if err != nil {
		return true, pid, 0, nil
	}
	return true, pid, time.Since(info.ModTime()), nil
}

func writePIDFile(baseDir string, pid int) error {
	pidFile := PIDFilePath(baseDir)
	if err := os.MkdirAll(filepath.Dir(pidFile), 0o755); err != nil {
		return fmt.Errorf("creating PID directory: %w", err)
	}

	tmp := pidFile + ".tmp"
	if err := os.WriteFile(tmp, []byte(strconv.Itoa(pid)), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, pidFile)
}

func removePIDFile(baseDir string) {
	_ = os.Remove(PIDFilePath(baseDir))
}

// InstallSystemdService writes a systemd user unit running the daemon in the
// foreground and enables it.
func InstallSystemdService(configPath string) error {
	home, err := os.UserHomeDir()
	if err != nil {
		return fmt.Errorf("getting home dir: %w", err)
	}

	unitDir := filepath.Join(home, ".config", "systemd", "user")
	if err := os.MkdirAll(unitDir, 0o755); err != nil {
		return fmt.Errorf("creating systemd directory: %w", err)
	}

	execPath, err := os.Executable()
	if err != nil {
		return fmt.Errorf("finding executable path: %w", err)
	}
	absConfig, err := filepath.Abs(configPath)
	if err != nil {
		return fmt.Errorf("resolving config path: %w", err)
	}

	unit := fmt.Sprintf(`[Unit]
Description=Kernel Patches Daemon
After=network.target

[Service]
Type=simple
ExecStart=%s daemon start --foreground --config %s
Restart=on-failure
RestartSec=5s
TimeoutStopSec=30
Environment=HOME=%s

[Install]
WantedBy=default.target
`, execPath, absConfig, home)

	unitPath := filepath.Join(unitDir, "kpd.service")
	if err := os.WriteFile(unitPath, []byte(unit), 0o644); err != nil {
		return fmt.Errorf("writing unit file: %w", err)
	}

	reloadCmd := exec.Command("systemctl", "--user", "daemon-reload")
	if out, err := reloadCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("daemon-reload: %s: %w", string(out), err)
	}

	enableCmd := exec.Command("systemctl", "--user", "enable", "kpd")
	if out, err := enableCmd.CombinedOutput(); err != nil {
		return fmt.Errorf("enabling service: %s: %w", string(out), err)
	}

	fmt.Printf("installed kpd.service at %s\n", unitPath)
	fmt.Println("service enabled — start with: systemctl --user start kpd")
	return nil
}
