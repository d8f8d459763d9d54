package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/kernel-patches/kpd/internal/config"
	"github.com/kernel-patches/kpd/internal/daemon"
	"github.com/kernel-patches/kpd/internal/stats"
	"github.com/kernel-patches/kpd/internal/worker"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Manage the kpd daemon",
	Long:  `Start, stop, and inspect the background synchronization daemon.`,
}

var (
	foregroundFlag  bool
	labelsFlag      string
	metricsAddrFlag string
	loopDelayFlag   time.Duration
)

func init() {
	daemonCmd.AddCommand(daemonStartCmd)
	daemonCmd.AddCommand(daemonStopCmd)
	daemonCmd.AddCommand(daemonStatusCmd)
	daemonCmd.AddCommand(daemonInstallCmd)
	rootCmd.AddCommand(daemonCmd)

	daemonStartCmd.Flags().BoolVar(&foregroundFlag, "foreground", false, "Run in foreground (don't daemonize)")
	daemonStartCmd.Flags().StringVar(&labelsFlag, "labels", "", "YAML file overriding pull request label colors")
	daemonStartCmd.Flags().StringVar(&metricsAddrFlag, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	daemonStartCmd.Flags().DurationVar(&loopDelayFlag, "loop-delay", daemon.DefaultLoopDelay, "Sleep between synchronization cycles")
}

var daemonStartCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the kpd daemon",
	Example: `  kpd daemon start --config /etc/kpd/kpd.jsonc
  kpd daemon start --foreground --metrics-addr :9090`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		labelColors := worker.DefaultLabelColors()
		if labelsFlag != "" {
			labelColors, err = worker.LoadLabelColors(labelsFlag)
			if err != nil {
				return err
			}
		}

		run := func(ctx context.Context) error {
			if metricsAddrFlag != "" {
				go daemon.ServeMetrics(ctx, metricsAddrFlag)
			}
			supervisor := daemon.NewWorker(daemon.WorkerOptions{
				Config:      cfg,
				Sinks:       []stats.Sink{stats.NewPromSink()},
				LabelColors: labelColors,
				LoopDelay:   loopDelayFlag,
			})
			return supervisor.Run(ctx)
		}

		return daemon.StartDaemon(cfg.BaseDirectory, foregroundFlag, forkArgs(), run)
	},
}

// forkArgs rebuilds the start invocation for the detached child.
func forkArgs() []string {
	args := []string{"daemon", "start", "--foreground", "--config", configPath}
	if verbose {
		args = append(args, "--verbose")
	}
	if labelsFlag != "" {
		args = append(args, "--labels", labelsFlag)
	}
	if metricsAddrFlag != "" {
		args = append(args, "--metrics-addr", metricsAddrFlag)
	}
	if loopDelayFlag != daemon.DefaultLoopDelay {
		args = append(args, "--loop-delay", loopDelayFlag.String())
	}
	return args
}

var daemonStopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the kpd daemon",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		if err := daemon.StopDaemon(cfg.BaseDirectory); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "daemon stopped")
		return nil
	},
}

var daemonStatusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}
		running, pid, uptime, err := daemon.DaemonStatus(cfg.BaseDirectory)
		if err != nil {
			return err
		}

		if running {
			state := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("2")).Render("running")
			fmt.Fprintf(cmd.OutOrStdout(), "daemon is %s (PID %d, uptime %s)\n",
				state, pid, uptime.Round(time.Second))
		} else {
			state := lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("1")).Render("not running")
			fmt.Fprintf(cmd.OutOrStdout(), "daemon is %s\n", state)
		}
		return nil
	},
}

var daemonInstallCmd = &cobra.Command{
	Use:   "install",
	Short: "Install as systemd user service",
	RunE: func(cmd *cobra.Command, args []string) error {
		// Validate before installing a unit that would crash-loop.
		if _, err := config.Load(configPath); err != nil {
			return err
		}
		return daemon.InstallSystemdService(configPath)
	},
}
