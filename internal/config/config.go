package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"

	"opsloop/internal/policy"
)

// Config models opsloop.yml.
type Config struct {
	Heartbeat struct {
		Interval string `yaml:"interval"`
	} `yaml:"heartbeat"`
	Worker struct {
		PollInterval string `yaml:"poll_interval"`
	} `yaml:"worker"`
	Policies struct {
		AutoApprove         policy.AutoApprove `yaml:"auto_approve"`
		DailyProposalCap    int                `yaml:"daily_proposal_cap"`
		KindCaps            map[string]int     `yaml:"kind_caps"`
		StaleStepTimeoutMin int                `yaml:"stale_step_timeout_min"`
	} `yaml:"policies"`
	StepTemplates map[string][]StepTemplate `yaml:"step_templates"`
	Bridge        struct {
		Inbox   string `yaml:"inbox"`
		Outputs string `yaml:"outputs"`
	} `yaml:"bridge"`
}

// StepTemplate is one entry of a kind-specific mission plan.
type StepTemplate struct {
	Kind  string `yaml:"kind"`
	Title string `yaml:"title"`
}

// HeartbeatInterval parses the configured heartbeat cadence.
func (c *Config) HeartbeatInterval() time.Duration {
	return durationOr(c.Heartbeat.Interval, 5*time.Minute)
}

// WorkerPollInterval parses the worker idle backoff.
func (c *Config) WorkerPollInterval() time.Duration {
	return durationOr(c.Worker.PollInterval, 5*time.Second)
}

func durationOr(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		return fallback
	}
	return d
}

// StepsFor returns the step plan for a proposal kind. Unknown kinds get a
// single analyze step titled after the proposal.
func (c *Config) StepsFor(kind, title string) []StepTemplate {
	if tmpl, ok := c.StepTemplates[kind]; ok && len(tmpl) > 0 {
		return tmpl
	}
	return []StepTemplate{{Kind: "analyze", Title: title}}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Heartbeat.Interval != "" {
		if _, err := time.ParseDuration(c.Heartbeat.Interval); err != nil {
			return fmt.Errorf("config.heartbeat.interval: %w", err)
		}
	}
	if c.Worker.PollInterval != "" {
		if _, err := time.ParseDuration(c.Worker.PollInterval); err != nil {
			return fmt.Errorf("config.worker.poll_interval: %w", err)
		}
	}
	if c.Policies.DailyProposalCap < 0 {
		return fmt.Errorf("config.policies.daily_proposal_cap must be >= 0")
	}
	if c.Policies.StaleStepTimeoutMin < 0 {
		return fmt.Errorf("config.policies.stale_step_timeout_min must be >= 0")
	}
	for kind, max := range c.Policies.KindCaps {
		if kind == "" {
			return fmt.Errorf("config.policies.kind_caps contains empty kind")
		}
		if max < 0 {
			return fmt.Errorf("config.policies.kind_caps.%s must be >= 0", kind)
		}
	}
	for kind, steps := range c.StepTemplates {
		if kind == "" {
			return fmt.Errorf("config.step_templates contains empty proposal kind")
		}
		if len(steps) == 0 {
			return fmt.Errorf("config.step_templates.%s has no steps", kind)
		}
		for i, s := range steps {
			if s.Kind == "" {
				return fmt.Errorf("config.step_templates.%s[%d] missing kind", kind, i)
			}
			if s.Title == "" {
				return fmt.Errorf("config.step_templates.%s[%d] missing title", kind, i)
			}
		}
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "opsloop.yml")
}

// Load reads and validates config from workspace.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run ol init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// LoadOptional returns defaults if the config file does not exist.
func LoadOptional(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes.
func FromYAML(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the default Config struct.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

const defaultTemplate = `heartbeat:
  interval: 5m

worker:
  poll_interval: 5s

policies:
  auto_approve:
    enabled: true
    kinds: [analysis, research]
  daily_proposal_cap: 50
  kind_caps:
    content: 10
    deploy: 3
  stale_step_timeout_min: 30

step_templates:
  analysis:
    - kind: analyze
      title: Run analysis
  content:
    - kind: analyze
      title: Research topic
    - kind: generate
      title: Generate content
    - kind: review
      title: Review content
  research:
    - kind: analyze
      title: Deep research
  deploy:
    - kind: analyze
      title: Pre-deploy checks
    - kind: review
      title: Deploy review
    - kind: publish
      title: Execute deploy

bridge:
  inbox: ""
  outputs: ""
`
