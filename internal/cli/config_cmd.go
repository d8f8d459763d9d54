package cli

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/tidwall/jsonc"
	"github.com/tidwall/sjson"

	"github.com/kernel-patches/kpd/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage kpd configuration",
	Long:  `Show, modify, and bootstrap the kpd configuration file.`,
}

var configJSONFlag bool

func init() {
	configShowCmd.Flags().BoolVar(&configJSONFlag, "json", false, "Output raw JSON without formatting")
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
	configCmd.AddCommand(configInitCmd)
	rootCmd.AddCommand(configCmd)
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show merged configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		redacted := redactConfig(cfg)

		var data []byte
		if configJSONFlag {
			data, err = json.Marshal(redacted)
		} else {
			data, err = json.MarshalIndent(redacted, "", "  ")
		}
		if err != nil {
			return fmt.Errorf("marshaling config: %w", err)
		}

		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

// redactConfig returns a copy of the config with secret fields masked.
func redactConfig(cfg *config.Config) *config.Config {
	copy := *cfg

	if copy.Patchwork.APIToken != "" {
		copy.Patchwork.APIToken = "***"
	}

	if copy.Branches != nil {
		redacted := make(map[string]config.BranchConfig, len(copy.Branches))
		for name, branch := range copy.Branches {
			if branch.GithubOauthToken != "" {
				branch.GithubOauthToken = "***"
			}
			if branch.GithubAppAuth != nil {
				auth := *branch.GithubAppAuth
				if auth.PrivateKey != "" {
					auth.PrivateKey = "***"
				}
				branch.GithubAppAuth = &auth
			}
			redacted[name] = branch
		}
		copy.Branches = redacted
	}

	if copy.Email != nil {
		email := *copy.Email
		if email.Pass != "" {
			email.Pass = "***"
		}
		copy.Email = &email
	}

	return &copy
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a config value",
	Long: `Set a configuration value using a dotted key path.

The value is written back to the config file, which is created if it
does not exist.

Note: JSONC comments are not preserved on write.

Examples:
  kpd config set patchwork.project bpf
  kpd config set patchwork.lookback 7
  kpd config set email.ignore_allowlist true`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key := args[0]
		rawValue := args[1]

		// Determine value type: try bool, then number, then string.
		var value any
		if b, err := strconv.ParseBool(rawValue); err == nil {
			value = b
		} else if i, err := strconv.ParseInt(rawValue, 10, 64); err == nil {
			value = i
		} else if f, err := strconv.ParseFloat(rawValue, 64); err == nil {
			value = f
		} else {
			value = rawValue
		}

		// Read existing file or start with an empty JSON object.
		var existing []byte
		if data, err := os.ReadFile(configPath); err == nil {
			// Strip JSONC comments before passing to sjson, which
			// requires valid JSON.
			existing = jsonc.ToJSON(data)
		} else {
			existing = []byte("{}")
		}

		updated, err := sjson.SetBytes(existing, key, value)
		if err != nil {
			return fmt.Errorf("setting key %q: %w", key, err)
		}

		if dir := filepath.Dir(configPath); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return fmt.Errorf("creating config directory: %w", err)
			}
		}
		if err := os.WriteFile(configPath, updated, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %v\n", key, value)
		return nil
	},
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Create a starter configuration interactively",
	Long: `Launch an interactive form asking for the Patchwork project, the
base directory, and one downstream branch, then write a starter config
file that passes validation.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(configPath); err == nil {
			return fmt.Errorf("%s already exists, refusing to overwrite", configPath)
		}

		cwd, _ := os.Getwd()
		baseDir := filepath.Join(cwd, "kpd-data")
		server := "https://patchwork.kernel.org"
		project := ""
		branchName := "bpf-next"
		repo := ""
		upstream := ""
		ciRepo := ""
		ciBranch := "main"

		form := huh.NewForm(
			huh.NewGroup(
				huh.NewInput().
					Title("Patchwork server").
					Value(&server),
				huh.NewInput().
					Title("Patchwork project").
					Value(&project).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("project is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Base directory (git checkouts and state)").
					Value(&baseDir),
			),
			huh.NewGroup(
				huh.NewInput().
					Title("Target branch name").
					Value(&branchName),
				huh.NewInput().
					Title("Downstream GitHub repo (https://github.com/org/repo)").
					Value(&repo).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("repo is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("Upstream git URL to mirror").
					Value(&upstream).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("upstream is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("CI repo with workflow overlay files").
					Value(&ciRepo).
					Validate(func(s string) error {
						if s == "" {
							return fmt.Errorf("ci repo is required")
						}
						return nil
					}),
				huh.NewInput().
					Title("CI branch").
					Value(&ciBranch),
			),
		)
		if err := form.Run(); err != nil {
			return fmt.Errorf("form cancelled: %w", err)
		}

		cfg := map[string]any{
			"version":        config.SupportedVersion,
			"base_directory": baseDir,
			"patchwork": map[string]any{
				"server":          server,
				"project":         project,
				"lookback":        5,
				"search_patterns": []map[string]any{{"archived": false}},
			},
			"branches": map[string]any{
				branchName: map[string]any{
					"repo":      repo,
					"upstream":  upstream,
					"ci_repo":   ciRepo,
					"ci_branch": ciBranch,
				},
			},
			"tag_to_branch_mapping": map[string]any{
				config.DefaultTag: []string{branchName},
			},
		}

		data, err := json.MarshalIndent(cfg, "", "  ")
		if err != nil {
			return err
		}
		if err := os.WriteFile(configPath, data, 0o644); err != nil {
			return fmt.Errorf("writing config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Wrote %s\n", configPath)
		fmt.Fprintln(cmd.OutOrStdout(), "Add credentials with `kpd config set` or the KPD_* environment variables.")
		return nil
	},
}
