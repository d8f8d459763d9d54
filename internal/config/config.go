// Package config loads and validates the kpd configuration file, a JSONC
// document following schema version 3.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"regexp"

	"dario.cat/mergo"
	"github.com/tidwall/jsonc"
)

// DefaultConfig returns the built-in defaults that the config file is
// merged over. The version is deliberately left unset so a file without one
// fails validation.
func DefaultConfig() Config {
	return Config{
		Patchwork: PatchworkConfig{
			Lookback: 5,
		},
	}
}

// Load reads, merges, and validates a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	cfg, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}
	return cfg, nil
}

// Parse decodes a JSONC config document, applies defaults and environment
// overrides, and validates the result.
func Parse(data []byte) (*Config, error) {
	jsonData := jsonc.ToJSON(data)

	cfg := DefaultConfig()
	var m map[string]any
	if err := json.Unmarshal(jsonData, &m); err != nil {
		return nil, err
	}
	if err := mergeIntoConfig(&cfg, m); err != nil {
		return nil, fmt.Errorf("merging config: %w", err)
	}

	// The mergo roundtrip goes through Go maps and loses the declaration
	// order of the routing table, which encodes tag priority. Re-decode the
	// mapping straight from the source bytes.
	var ordered struct {
		TagToBranchMapping TagMapping `json:"tag_to_branch_mapping"`
	}
	if err := json.Unmarshal(jsonData, &ordered); err != nil {
		return nil, err
	}
	cfg.TagToBranchMapping = ordered.TagToBranchMapping

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// mergeIntoConfig marshals the config to a map, deep-merges the source map
// over it, then unmarshals back to the Config struct.
func mergeIntoConfig(cfg *Config, src map[string]any) error {
	cfgBytes, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var dst map[string]any
	if err := json.Unmarshal(cfgBytes, &dst); err != nil {
		return err
	}

	if err := mergo.Merge(&dst, src, mergo.WithOverride); err != nil {
		return err
	}

	merged, err := json.Marshal(dst)
	if err != nil {
		return err
	}
	return json.Unmarshal(merged, cfg)
}

// applyEnvOverrides fills empty credential fields from the environment so
// secrets can stay out of the config file.
func applyEnvOverrides(cfg *Config) {
	if token := os.Getenv("KPD_PATCHWORK_TOKEN"); token != "" && cfg.Patchwork.APIToken == "" {
		cfg.Patchwork.APIToken = token
	}
	if token := os.Getenv("KPD_GITHUB_OAUTH_TOKEN"); token != "" {
		for name, branch := range cfg.Branches {
			if branch.GithubOauthToken == "" && branch.GithubAppAuth == nil {
				branch.GithubOauthToken = token
				cfg.Branches[name] = branch
			}
		}
	}
}

func applyDefaults(cfg *Config) {
	for name, branch := range cfg.Branches {
		if branch.UpstreamBranch == "" {
			branch.UpstreamBranch = "master"
			cfg.Branches[name] = branch
		}
	}
	if cfg.Email != nil && cfg.Email.Port == 0 {
		cfg.Email.Port = 465
	}
}

// Validate checks the invariants the rest of the daemon relies on. It also
// resolves github_app_auth private_key_path entries into private_key.
func (c *Config) Validate() error {
	if c.Version != SupportedVersion {
		return &UnsupportedConfigVersionError{Version: c.Version}
	}
	if c.BaseDirectory == "" {
		return &InvalidConfigError{Reason: "base_directory is required"}
	}
	if c.Patchwork.Server == "" || c.Patchwork.Project == "" {
		return &InvalidConfigError{Reason: "patchwork.server and patchwork.project are required"}
	}
	if c.Patchwork.Lookback <= 0 {
		return &InvalidConfigError{Reason: "patchwork.lookback must be positive"}
	}
	if len(c.Branches) == 0 {
		return &InvalidConfigError{Reason: "at least one branch must be configured"}
	}

	for name, branch := range c.Branches {
		if branch.Repo == "" || branch.Upstream == "" {
			return &InvalidConfigError{Reason: fmt.Sprintf("branch %s: repo and upstream are required", name)}
		}
		if branch.CIRepo == "" || branch.CIBranch == "" {
			return &InvalidConfigError{Reason: fmt.Sprintf("branch %s: ci_repo and ci_branch are required", name)}
		}
		if branch.GithubAppAuth != nil {
			resolved, err := branch.GithubAppAuth.resolve()
			if err != nil {
				return err
			}
			branch.GithubAppAuth = resolved
			c.Branches[name] = branch
		}
	}

	for _, tag := range append(c.TagToBranchMapping.Tags(), DefaultTag) {
		branches, ok := c.TagToBranchMapping.Branches(tag)
		if !ok {
			continue
		}
		for _, branch := range branches {
			if _, defined := c.Branches[branch]; !defined {
				return &InvalidConfigError{
					Reason: fmt.Sprintf("branch *%s* in `tag_to_branch_mapping` is not defined in `branches`", branch),
				}
			}
		}
	}

	if c.Email != nil {
		if _, err := c.Email.AllowlistPatterns(); err != nil {
			return err
		}
	}
	return nil
}

// resolve enforces the exactly-one-of private_key / private_key_path rule
// and loads the key material from disk for the path variant.
func (a *GithubAppAuthConfig) resolve() (*GithubAppAuthConfig, error) {
	if (a.PrivateKey == "") == (a.PrivateKeyPath == "") {
		return nil, &InvalidConfigError{
			Reason: "github_app_auth expects to have private_key OR private_key_path",
		}
	}
	if a.AppID == 0 || a.InstallationID == 0 {
		return nil, &InvalidConfigError{Reason: "github_app_auth requires app_id and installation_id"}
	}

	resolved := *a
	if a.PrivateKeyPath != "" {
		key, err := os.ReadFile(a.PrivateKeyPath)
		if err != nil {
			return nil, &InvalidConfigError{
				Reason: fmt.Sprintf("failed to read github_app_auth private key %s: %v", a.PrivateKeyPath, err),
			}
		}
		resolved.PrivateKey = string(key)
		resolved.PrivateKeyPath = ""
	}
	return &resolved, nil
}

// AllowlistPatterns compiles the submitter allowlist into regexes.
func (e *EmailConfig) AllowlistPatterns() ([]*regexp.Regexp, error) {
	patterns := make([]*regexp.Regexp, 0, len(e.SubmitterAllowlist))
	for _, raw := range e.SubmitterAllowlist {
		p, err := regexp.Compile(raw)
		if err != nil {
			return nil, &InvalidConfigError{
				Reason: fmt.Sprintf("bad submitter_allowlist pattern %q: %v", raw, err),
			}
		}
		patterns = append(patterns, p)
	}
	return patterns, nil
}
