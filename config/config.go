// Package config loads operator configuration from the environment with an
// optional YAML overlay. Missing required settings surface as NotConfigured
// errors so HTTP handlers can map them to 500 without retrying.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// NotConfiguredError reports a missing prerequisite setting.
type NotConfiguredError struct {
	// Setting names the missing configuration key.
	Setting string
}

// Error implements the error interface.
func (e *NotConfiguredError) Error() string {
	return fmt.Sprintf("config: %s is not configured", e.Setting)
}

type (
	// Config is the operator process configuration.
	Config struct {
		// TableName is the primary single-table store.
		TableName string `yaml:"table_name"`
		// LinkTableName is the short-lived magic-link table (TTL enabled).
		LinkTableName string `yaml:"link_table_name"`
		// Bucket is the object store bucket for documents and agent artifacts.
		Bucket string `yaml:"bucket"`
		// ContractingQueueURL is the FIFO queue for contracting jobs.
		ContractingQueueURL string `yaml:"contracting_queue_url"`
		// Region is the AWS region for all service clients.
		Region string `yaml:"region"`

		// AI holds model selection and budget settings.
		AI AIConfig `yaml:"ai"`
		// Slack holds chat platform settings.
		Slack SlackConfig `yaml:"slack"`
		// GitHub holds git host settings.
		GitHub GitHubConfig `yaml:"github"`
		// Browser holds browser-worker RPC settings.
		Browser BrowserConfig `yaml:"browser"`

		// Production toggles user-facing error redaction.
		Production bool `yaml:"production"`
	}

	// AIConfig selects models per purpose and budget defaults.
	AIConfig struct {
		// APIKeySecret names the secret holding the primary provider API key.
		APIKeySecret string `yaml:"api_key_secret"`
		// AnthropicKeySecret names the secret holding the fallback provider key.
		AnthropicKeySecret string `yaml:"anthropic_key_secret"`
		// Organization and Project are sent as headers when configured.
		Organization string `yaml:"organization"`
		Project      string `yaml:"project"`
		// DefaultModel is the global default model identifier.
		DefaultModel string `yaml:"default_model"`
		// KnownSafeModel terminates every model chain.
		KnownSafeModel string `yaml:"known_safe_model"`
		// PurposeModels maps a purpose (agent, planning, writing, analysis) to
		// its primary model.
		PurposeModels map[string]string `yaml:"purpose_models"`
		// DefaultTimeBudget bounds background work when the payload names none.
		DefaultTimeBudget time.Duration `yaml:"default_time_budget"`
	}

	// SlackConfig holds chat settings.
	SlackConfig struct {
		// TokenSecret names the secret holding the bot token.
		TokenSecret string `yaml:"token_secret"`
		// AllowedChannels restricts where the agent may post. Empty allows all.
		AllowedChannels []string `yaml:"allowed_channels"`
	}

	// GitHubConfig holds git host settings.
	GitHubConfig struct {
		// TokenSecret names the secret holding the app or PAT token.
		TokenSecret string `yaml:"token_secret"`
		// AllowedRepos restricts owner/name pairs the agent may touch.
		AllowedRepos []string `yaml:"allowed_repos"`
	}

	// BrowserConfig holds browser-worker settings.
	BrowserConfig struct {
		// Endpoint is the worker RPC base URL.
		Endpoint string `yaml:"endpoint"`
		// AllowedDomains restricts navigable hosts.
		AllowedDomains []string `yaml:"allowed_domains"`
	}
)

// Load reads OPERATOR_* environment variables and, when OPERATOR_CONFIG names
// a YAML file, overlays its contents. Environment values win over file values.
func Load() (*Config, error) {
	cfg := &Config{
		Region: envOr("AWS_REGION", "us-east-1"),
		AI: AIConfig{
			DefaultModel:      envOr("OPERATOR_DEFAULT_MODEL", "gpt-5"),
			KnownSafeModel:    envOr("OPERATOR_KNOWN_SAFE_MODEL", "gpt-4.1-mini"),
			DefaultTimeBudget: 15 * time.Minute,
			PurposeModels:     map[string]string{},
		},
	}

	if path := os.Getenv("OPERATOR_CONFIG"); path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}

	overlayEnv(cfg)

	if cfg.TableName == "" {
		return nil, &NotConfiguredError{Setting: "OPERATOR_TABLE_NAME"}
	}
	if cfg.Bucket == "" {
		return nil, &NotConfiguredError{Setting: "OPERATOR_BUCKET"}
	}
	return cfg, nil
}

func overlayEnv(cfg *Config) {
	setIfEnv(&cfg.TableName, "OPERATOR_TABLE_NAME")
	setIfEnv(&cfg.LinkTableName, "OPERATOR_LINK_TABLE_NAME")
	setIfEnv(&cfg.Bucket, "OPERATOR_BUCKET")
	setIfEnv(&cfg.ContractingQueueURL, "OPERATOR_CONTRACTING_QUEUE_URL")
	setIfEnv(&cfg.AI.APIKeySecret, "OPERATOR_AI_API_KEY_SECRET")
	setIfEnv(&cfg.AI.AnthropicKeySecret, "OPERATOR_ANTHROPIC_KEY_SECRET")
	setIfEnv(&cfg.AI.Organization, "OPERATOR_AI_ORGANIZATION")
	setIfEnv(&cfg.AI.Project, "OPERATOR_AI_PROJECT")
	setIfEnv(&cfg.Slack.TokenSecret, "OPERATOR_SLACK_TOKEN_SECRET")
	setIfEnv(&cfg.GitHub.TokenSecret, "OPERATOR_GITHUB_TOKEN_SECRET")
	setIfEnv(&cfg.Browser.Endpoint, "OPERATOR_BROWSER_ENDPOINT")
	if v := os.Getenv("OPERATOR_SLACK_ALLOWED_CHANNELS"); v != "" {
		cfg.Slack.AllowedChannels = splitList(v)
	}
	if v := os.Getenv("OPERATOR_GITHUB_ALLOWED_REPOS"); v != "" {
		cfg.GitHub.AllowedRepos = splitList(v)
	}
	if v := os.Getenv("OPERATOR_BROWSER_ALLOWED_DOMAINS"); v != "" {
		cfg.Browser.AllowedDomains = splitList(v)
	}
	if v := os.Getenv("OPERATOR_PRODUCTION"); v != "" {
		cfg.Production, _ = strconv.ParseBool(v)
	}
	if v := os.Getenv("OPERATOR_DEFAULT_TIME_BUDGET"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.AI.DefaultTimeBudget = d
		}
	}
}

func setIfEnv(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func splitList(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
