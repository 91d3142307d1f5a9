// Package config provides configuration loading and validation for the
// server and the CLI.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/jonathan/leadflow/internal/outreach"
	"github.com/jonathan/leadflow/internal/resilience"
	"github.com/jonathan/leadflow/internal/types"
)

// Duration is a time.Duration written as a string ("250ms", "30s") in
// config files.
type Duration time.Duration

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("duration must be a string like \"30s\": %w", err)
	}
	return d.parse(s)
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	return d.parse(node.Value)
}

func (d *Duration) parse(s string) error {
	v, err := time.ParseDuration(strings.TrimSpace(s))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

// Config is the full application configuration. Every section is optional;
// MergeWithDefaults fills what a file leaves out.
type Config struct {
	Server    ServerConfig            `json:"server" yaml:"server"`
	Database  DatabaseConfig          `json:"database" yaml:"database"`
	Log       LogConfig               `json:"log" yaml:"log"`
	Run       types.RunConfig         `json:"run" yaml:"run"`
	Policies  map[string]PolicyConfig `json:"policies,omitempty" yaml:"policies" validate:"dive"`
	Outreach  OutreachConfig          `json:"outreach" yaml:"outreach"`
	Webhook   WebhookConfig           `json:"webhook" yaml:"webhook"`
	Providers ProvidersConfig         `json:"providers" yaml:"providers"`
}

// ServerConfig configures the HTTP control surface.
type ServerConfig struct {
	Port            int      `json:"port,omitempty" yaml:"port" validate:"min=0,max=65535"`
	ShutdownTimeout Duration `json:"shutdown_timeout,omitempty" yaml:"shutdown_timeout"`
	MaxBodyBytes    int64    `json:"max_body_bytes,omitempty" yaml:"max_body_bytes" validate:"min=0"`
}

// DatabaseConfig selects the run state store. An empty URL means the
// in-memory store.
type DatabaseConfig struct {
	URL string `json:"url,omitempty" yaml:"url"`
}

// LogConfig configures the zap logger.
type LogConfig struct {
	Level       string `json:"level,omitempty" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Development bool   `json:"development,omitempty" yaml:"development"`
}

// PolicyConfig is the file form of resilience.Policy.
type PolicyConfig struct {
	BaseDelay        Duration `json:"base_delay,omitempty" yaml:"base_delay"`
	MaxDelay         Duration `json:"max_delay,omitempty" yaml:"max_delay"`
	Jitter           float64  `json:"jitter,omitempty" yaml:"jitter" validate:"gte=0,lte=1"`
	MaxAttempts      int      `json:"max_attempts,omitempty" yaml:"max_attempts" validate:"min=0,max=20"`
	FailureThreshold uint32   `json:"failure_threshold,omitempty" yaml:"failure_threshold"`
	Window           Duration `json:"window,omitempty" yaml:"window"`
	Cooldown         Duration `json:"cooldown,omitempty" yaml:"cooldown"`
	FatalAfterTrips  int      `json:"fatal_after_trips,omitempty" yaml:"fatal_after_trips" validate:"min=0"`
	MaxOpenWait      Duration `json:"max_open_wait,omitempty" yaml:"max_open_wait"`
}

// Policy converts to a resilience.Policy with defaults applied.
func (p PolicyConfig) Policy() resilience.Policy {
	return resilience.Policy{
		BaseDelay:        p.BaseDelay.Std(),
		MaxDelay:         p.MaxDelay.Std(),
		Jitter:           p.Jitter,
		MaxAttempts:      p.MaxAttempts,
		FailureThreshold: p.FailureThreshold,
		Window:           p.Window.Std(),
		Cooldown:         p.Cooldown.Std(),
		FatalAfterTrips:  p.FatalAfterTrips,
		MaxOpenWait:      p.MaxOpenWait.Std(),
	}.WithDefaults()
}

// OutreachConfig configures campaign composition and test-mode routing.
type OutreachConfig struct {
	Sender         string                   `json:"sender,omitempty" yaml:"sender"`
	MaxAttempts    map[types.Channel]int    `json:"max_attempts,omitempty" yaml:"max_attempts" validate:"dive,keys,oneof=email sms whatsapp,endkeys,min=1,max=10"`
	TestRecipients map[types.Channel]string `json:"test_recipients,omitempty" yaml:"test_recipients" validate:"dive,keys,oneof=email sms whatsapp,endkeys,required"`
}

// WebhookConfig configures callback authentication. Insecure accepts
// unsigned callbacks and exists for local development only.
type WebhookConfig struct {
	Secret   string `json:"secret,omitempty" yaml:"secret"`
	Insecure bool   `json:"insecure,omitempty" yaml:"insecure"`
}

// ProvidersConfig configures the default external collaborators.
type ProvidersConfig struct {
	Discovery  DiscoveryConfig  `json:"discovery" yaml:"discovery"`
	Scoring    ScoringConfig    `json:"scoring" yaml:"scoring"`
	Generation GenerationConfig `json:"generation" yaml:"generation"`
	Messaging  MessagingConfig  `json:"messaging" yaml:"messaging"`
	Export     ExportConfig     `json:"export" yaml:"export"`
}

// DiscoveryConfig points the discovery collaborator at a seed file.
type DiscoveryConfig struct {
	SeedFile string `json:"seed_file,omitempty" yaml:"seed_file"`
}

// ScoringConfig configures website fetching for scoring.
type ScoringConfig struct {
	Timeout   Duration `json:"timeout,omitempty" yaml:"timeout"`
	UserAgent string   `json:"user_agent,omitempty" yaml:"user_agent"`
}

// GenerationConfig configures the Gemini generator.
type GenerationConfig struct {
	APIKey string `json:"api_key,omitempty" yaml:"api_key"`
	Model  string `json:"model,omitempty" yaml:"model"`
	// PublishDir receives generated pages as <entity_id>.html.
	PublishDir     string `json:"publish_dir,omitempty" yaml:"publish_dir"`
	PreviewBaseURL string `json:"preview_base_url,omitempty" yaml:"preview_base_url" validate:"omitempty,url"`
}

// MessagingConfig configures the HTTP messaging provider.
type MessagingConfig struct {
	BaseURL string   `json:"base_url,omitempty" yaml:"base_url" validate:"omitempty,url"`
	APIKey  string   `json:"api_key,omitempty" yaml:"api_key"`
	Timeout Duration `json:"timeout,omitempty" yaml:"timeout"`
}

// ExportConfig configures the JSON exporter. An empty Dir disables export.
type ExportConfig struct {
	Dir string `json:"dir,omitempty" yaml:"dir"`
}

// Default values
const (
	DefaultPort             = 8080
	DefaultShutdownTimeout  = 30 * time.Second
	DefaultLogLevel         = "info"
	DefaultSender           = "Leadflow <hello@leadflow.local>"
	DefaultScoringTimeout   = 15 * time.Second
	DefaultMessagingTimeout = 10 * time.Second
	DefaultConcurrency      = 4
	DefaultMaxEntities      = 50
	DefaultScoreThreshold   = 70
)

// DefaultPolicyKey names the policy applied to keys without their own entry.
const DefaultPolicyKey = "default"

// LoadConfig loads configuration from a JSON or YAML file, chosen by
// extension.
func LoadConfig(path string) (*Config, error) {
	if path == "" {
		return nil, fmt.Errorf("config path is empty")
	}
	if !filepath.IsAbs(path) {
		cwd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("failed to get current directory: %w", err)
		}
		path = filepath.Join(cwd, path)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data, filepath.Ext(path))
}

// Parse decodes a config document. ext selects the format: ".yaml" or
// ".yml" for YAML, anything else for JSON.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config JSON: %w", err)
		}
	}
	return &cfg, nil
}

// Validate checks struct tags and the cross-field rules tags cannot express.
// The run section is validated by the orchestrator when a run starts.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.StructExcept(c, "Run"); err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	for key, p := range c.Policies {
		if p.MaxDelay > 0 && p.BaseDelay > p.MaxDelay {
			return fmt.Errorf("config error: policy %q: 'base_delay' exceeds 'max_delay'", key)
		}
	}
	if c.Webhook.Insecure && c.Webhook.Secret != "" {
		return fmt.Errorf("config error: 'webhook.secret' and 'webhook.insecure' are mutually exclusive")
	}
	for _, ch := range c.Run.Outreach.Channels {
		if c.Run.Outreach.TestMode && c.Outreach.TestRecipients[ch] == "" {
			return fmt.Errorf("config error: test mode on %s requires 'outreach.test_recipients.%s'", ch, ch)
		}
	}
	if c.Providers.Discovery.SeedFile != "" {
		if _, err := os.Stat(c.Providers.Discovery.SeedFile); os.IsNotExist(err) {
			return fmt.Errorf("config error: seed file not found: %s", c.Providers.Discovery.SeedFile)
		}
	}
	return nil
}

// MergeWithDefaults returns a copy with zero values filled from defaults,
// then from the built-in defaults.
func (c *Config) MergeWithDefaults(defaults Config) Config {
	result := *c

	if result.Server.Port == 0 {
		result.Server.Port = firstInt(defaults.Server.Port, DefaultPort)
	}
	if result.Server.ShutdownTimeout == 0 {
		result.Server.ShutdownTimeout = Duration(firstDuration(defaults.Server.ShutdownTimeout.Std(), DefaultShutdownTimeout))
	}
	if result.Database.URL == "" {
		result.Database.URL = defaults.Database.URL
	}
	if result.Log.Level == "" {
		result.Log.Level = firstString(defaults.Log.Level, DefaultLogLevel)
	}

	if result.Run.Concurrency == 0 {
		result.Run.Concurrency = firstInt(defaults.Run.Concurrency, DefaultConcurrency)
	}
	if result.Run.Limits.MaxEntities == 0 {
		result.Run.Limits.MaxEntities = firstInt(defaults.Run.Limits.MaxEntities, DefaultMaxEntities)
	}
	if result.Run.ScoreThreshold == 0 {
		if defaults.Run.ScoreThreshold > 0 {
			result.Run.ScoreThreshold = defaults.Run.ScoreThreshold
		} else {
			result.Run.ScoreThreshold = DefaultScoreThreshold
		}
	}
	if result.Run.Location == "" {
		result.Run.Location = defaults.Run.Location
	}
	if result.Run.Niche == "" {
		result.Run.Niche = defaults.Run.Niche
	}

	result.Policies = make(map[string]PolicyConfig, len(c.Policies)+len(defaults.Policies))
	for k, v := range defaults.Policies {
		result.Policies[k] = v
	}
	for k, v := range c.Policies {
		result.Policies[k] = v
	}

	if result.Outreach.Sender == "" {
		result.Outreach.Sender = firstString(defaults.Outreach.Sender, DefaultSender)
	}
	result.Outreach.MaxAttempts = make(map[types.Channel]int, 3)
	result.Outreach.TestRecipients = make(map[types.Channel]string, 3)
	for _, ch := range types.AllChannels() {
		result.Outreach.MaxAttempts[ch] = firstInt(c.Outreach.MaxAttempts[ch], defaults.Outreach.MaxAttempts[ch], outreach.DefaultMaxAttempts)
		if r := firstString(c.Outreach.TestRecipients[ch], defaults.Outreach.TestRecipients[ch]); r != "" {
			result.Outreach.TestRecipients[ch] = r
		}
	}

	if result.Webhook.Secret == "" {
		result.Webhook.Secret = defaults.Webhook.Secret
	}

	p := &result.Providers
	if p.Discovery.SeedFile == "" {
		p.Discovery.SeedFile = defaults.Providers.Discovery.SeedFile
	}
	if p.Scoring.Timeout == 0 {
		p.Scoring.Timeout = Duration(firstDuration(defaults.Providers.Scoring.Timeout.Std(), DefaultScoringTimeout))
	}
	if p.Scoring.UserAgent == "" {
		p.Scoring.UserAgent = defaults.Providers.Scoring.UserAgent
	}
	if p.Generation.APIKey == "" {
		p.Generation.APIKey = defaults.Providers.Generation.APIKey
	}
	if p.Generation.Model == "" {
		p.Generation.Model = defaults.Providers.Generation.Model
	}
	if p.Generation.PublishDir == "" {
		p.Generation.PublishDir = defaults.Providers.Generation.PublishDir
	}
	if p.Generation.PreviewBaseURL == "" {
		p.Generation.PreviewBaseURL = defaults.Providers.Generation.PreviewBaseURL
	}
	if p.Messaging.BaseURL == "" {
		p.Messaging.BaseURL = defaults.Providers.Messaging.BaseURL
	}
	if p.Messaging.APIKey == "" {
		p.Messaging.APIKey = defaults.Providers.Messaging.APIKey
	}
	if p.Messaging.Timeout == 0 {
		p.Messaging.Timeout = Duration(firstDuration(defaults.Providers.Messaging.Timeout.Std(), DefaultMessagingTimeout))
	}
	if p.Export.Dir == "" {
		p.Export.Dir = defaults.Providers.Export.Dir
	}

	// Bool fields cannot distinguish unset from false; the file wins.
	return result
}

// ExecutorPolicies splits Policies into the default policy and the
// per-key overrides resilience.NewExecutor takes.
func (c *Config) ExecutorPolicies() (resilience.Policy, map[string]resilience.Policy) {
	def := resilience.DefaultPolicy()
	if p, ok := c.Policies[DefaultPolicyKey]; ok {
		def = p.Policy()
	}
	perKey := make(map[string]resilience.Policy, len(c.Policies))
	for key, p := range c.Policies {
		if key == DefaultPolicyKey {
			continue
		}
		perKey[key] = p.Policy()
	}
	return def, perKey
}

// OutreachSettings returns the settings of the outreach service.
func (c *Config) OutreachSettings() outreach.Settings {
	return outreach.Settings{
		Sender:         c.Outreach.Sender,
		MaxAttempts:    c.Outreach.MaxAttempts,
		TestRecipients: c.Outreach.TestRecipients,
	}
}

func firstInt(vs ...int) int {
	for _, v := range vs {
		if v != 0 {
			return v
		}
	}
	return 0
}

func firstString(vs ...string) string {
	for _, v := range vs {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstDuration(vs ...time.Duration) time.Duration {
	for _, v := range vs {
		if v != 0 {
			return v
		}
	}
	return 0
}
