package config

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// Separator tokens for the branch reference grammar
// "series/<id>=><target>" used on pull request head refs.
const (
	SeriesTargetSeparator = "=>"
	SeriesIDSeparator     = "/"
)

// DefaultTag is the fallback entry of the tag-to-branch mapping, used when
// no tag of a series matches any configured tag.
const DefaultTag = "__DEFAULT__"

// SupportedVersion is the only config schema version this daemon accepts.
const SupportedVersion = 3

// UnsupportedConfigVersionError is returned for any config whose version is
// not SupportedVersion. Fatal at startup.
type UnsupportedConfigVersionError struct {
	Version int
}

func (e *UnsupportedConfigVersionError) Error() string {
	return fmt.Sprintf("unsupported config version %d", e.Version)
}

// InvalidConfigError reports a structurally valid config with invalid
// content. Fatal at startup.
type InvalidConfigError struct {
	Reason string
}

func (e *InvalidConfigError) Error() string {
	return "invalid config: " + e.Reason
}

// Config is the top-level kpd configuration (schema version 3).
type Config struct {
	Version            int                     `json:"version"`
	BaseDirectory      string                  `json:"base_directory"`
	Patchwork          PatchworkConfig         `json:"patchwork"`
	Email              *EmailConfig            `json:"email,omitempty"`
	Branches           map[string]BranchConfig `json:"branches"`
	TagToBranchMapping TagMapping              `json:"tag_to_branch_mapping"`
}

// PatchworkConfig points the daemon at a Patchwork server and scopes the
// series searches it runs each cycle.
type PatchworkConfig struct {
	Server         string           `json:"server"`
	Project        string           `json:"project"`
	SearchPatterns []map[string]any `json:"search_patterns"`
	Lookback       int              `json:"lookback"`
	APIUsername    string           `json:"api_username,omitempty"`
	APIToken       string           `json:"api_token,omitempty"`
}

// EmailConfig configures CI result notifications sent over SMTP.
type EmailConfig struct {
	Host      string   `json:"host"`
	Port      int      `json:"port"`
	User      string   `json:"user"`
	From      string   `json:"from"`
	Pass      string   `json:"pass"`
	To        []string `json:"to"`
	CC        []string `json:"cc"`
	HTTPProxy string   `json:"http_proxy,omitempty"`
	// SubmitterAllowlist holds regex patterns of submitter addresses that
	// receive notifications for their own submissions. This is a rollout
	// mechanism; once notifications go to every submitter it can go away.
	SubmitterAllowlist []string `json:"submitter_allowlist"`
	// IgnoreAllowlist sends notifications to all submitters, unconditionally.
	IgnoreAllowlist bool `json:"ignore_allowlist"`
}

// BranchConfig describes one (downstream repo, target branch) pair and the
// upstream it mirrors.
type BranchConfig struct {
	Repo             string               `json:"repo"`
	Upstream         string               `json:"upstream"`
	UpstreamBranch   string               `json:"upstream_branch"`
	CIRepo           string               `json:"ci_repo"`
	CIBranch         string               `json:"ci_branch"`
	GithubOauthToken string               `json:"github_oauth_token,omitempty"`
	GithubAppAuth    *GithubAppAuthConfig `json:"github_app_auth,omitempty"`
}

// GithubAppAuthConfig holds GitHub App installation credentials. Exactly one
// of PrivateKey and PrivateKeyPath must be set; Validate resolves the path
// variant into PrivateKey.
type GithubAppAuthConfig struct {
	AppID          int64  `json:"app_id"`
	InstallationID int64  `json:"installation_id"`
	PrivateKey     string `json:"private_key,omitempty"`
	PrivateKeyPath string `json:"private_key_path,omitempty"`
}

// TagMapping is the ordered tag-to-branch routing table. Iteration order is
// tag priority, so it must preserve the insertion order of the source JSON;
// a plain map would lose it.
type TagMapping struct {
	order    []string
	branches map[string][]string
}

// TagBranches is one ordered entry of a TagMapping.
type TagBranches struct {
	Tag      string
	Branches []string
}

// NewTagMapping builds a mapping from ordered (tag, branches) pairs. Used by
// tests and the config bootstrap.
func NewTagMapping(pairs ...TagBranches) TagMapping {
	m := TagMapping{branches: make(map[string][]string)}
	for _, p := range pairs {
		m.order = append(m.order, p.Tag)
		m.branches[p.Tag] = p.Branches
	}
	return m
}

// Tags returns the tag names in declaration order, excluding the default
// entry.
func (m *TagMapping) Tags() []string {
	tags := make([]string, 0, len(m.order))
	for _, tag := range m.order {
		if tag != DefaultTag {
			tags = append(tags, tag)
		}
	}
	return tags
}

// Branches returns the branch list for a tag.
func (m *TagMapping) Branches(tag string) ([]string, bool) {
	b, ok := m.branches[tag]
	return b, ok
}

// Default returns the branch list of the __DEFAULT__ entry, or nil when the
// entry is absent.
func (m *TagMapping) Default() []string {
	return m.branches[DefaultTag]
}

// Len returns the number of entries, the default included.
func (m *TagMapping) Len() int { return len(m.order) }

// UnmarshalJSON decodes the mapping with json.Decoder tokens so the source
// declaration order survives.
func (m *TagMapping) UnmarshalJSON(data []byte) error {
	m.order = nil
	m.branches = make(map[string][]string)

	dec := json.NewDecoder(bytes.NewReader(data))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return fmt.Errorf("tag_to_branch_mapping: expected object, got %v", tok)
	}
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			return err
		}
		key := keyTok.(string)
		var branches []string
		if err := dec.Decode(&branches); err != nil {
			return fmt.Errorf("tag_to_branch_mapping[%s]: %w", key, err)
		}
		if _, dup := m.branches[key]; !dup {
			m.order = append(m.order, key)
		}
		m.branches[key] = branches
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	return nil
}

// MarshalJSON writes the entries back in declaration order.
func (m TagMapping) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, tag := range m.order {
		if i > 0 {
			buf.WriteByte(',')
		}
		key, err := json.Marshal(tag)
		if err != nil {
			return nil, err
		}
		val, err := json.Marshal(m.branches[tag])
		if err != nil {
			return nil, err
		}
		buf.Write(key)
		buf.WriteByte(':')
		buf.Write(val)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}
