package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"specflow/internal/domain"
	"specflow/internal/sheet"
	"specflow/internal/workflow"
)

// Config models specflow.yml.
type Config struct {
	Workflow struct {
		Labels      map[domain.StepID]string `yaml:"labels"`
		Permissions struct {
			Internal []domain.StepID `yaml:"internal"`
			External []domain.StepID `yaml:"external"`
		} `yaml:"permissions"`
	} `yaml:"workflow"`
	Document struct {
		Template []sheet.Question `yaml:"template"`
	} `yaml:"document"`
	Views struct {
		WelcomeText  string `yaml:"welcome_text"`
		ApprovalText string `yaml:"approval_text"`
	} `yaml:"views"`
	Sync        SyncConfig        `yaml:"sync"`
	Integration IntegrationConfig `yaml:"integration"`
	Webhooks    []WebhookConfig   `yaml:"webhooks"`
}

type SyncConfig struct {
	WorkflowInterval  time.Duration `yaml:"workflow_interval"`
	ApprovalsInterval time.Duration `yaml:"approvals_interval"`
	WriteTimeout      time.Duration `yaml:"write_timeout"`
}

type IntegrationConfig struct {
	URL     string        `yaml:"url"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
}

// WebhookConfig subscribes an endpoint to the event log. An empty Events list means every event.
type WebhookConfig struct {
	URL     string        `yaml:"url"`
	Events  []string      `yaml:"events"`
	Secret  string        `yaml:"secret"`
	Timeout time.Duration `yaml:"timeout"`
	Enabled *bool         `yaml:"enabled"`
}

// Active reports whether the hook should receive deliveries.
func (w WebhookConfig) Active() bool {
	return strings.TrimSpace(w.URL) != "" && (w.Enabled == nil || *w.Enabled)
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	for id := range c.Workflow.Labels {
		if workflow.Index(id) < 0 {
			return fmt.Errorf("workflow.labels has unknown step %s", id)
		}
	}
	seen := map[domain.StepID]string{}
	for role, steps := range map[string][]domain.StepID{
		"internal": c.Workflow.Permissions.Internal,
		"external": c.Workflow.Permissions.External,
	} {
		for _, id := range steps {
			if workflow.Index(id) < 0 {
				return fmt.Errorf("workflow.permissions.%s has unknown step %s", role, id)
			}
			if other, ok := seen[id]; ok && other != role {
				return fmt.Errorf("step %s granted to both internal and external", id)
			}
			seen[id] = role
		}
	}
	if len(c.Document.Template) == 0 {
		return fmt.Errorf("document.template requires at least one question")
	}
	ids := map[string]bool{}
	for i, q := range c.Document.Template {
		if q.ID == "" || q.Question == "" {
			return fmt.Errorf("document.template[%d] needs id and question", i)
		}
		if ids[q.ID] {
			return fmt.Errorf("document.template has duplicate id %s", q.ID)
		}
		ids[q.ID] = true
	}
	if c.Views.WelcomeText == "" || c.Views.ApprovalText == "" {
		return fmt.Errorf("views.welcome_text and views.approval_text are required")
	}
	if c.Sync.WorkflowInterval <= 0 || c.Sync.ApprovalsInterval <= 0 || c.Sync.WriteTimeout <= 0 {
		return fmt.Errorf("sync intervals and write_timeout must be positive")
	}
	if c.Integration.URL != "" && c.Integration.Timeout <= 0 {
		return fmt.Errorf("integration.timeout must be positive when integration.url is set")
	}
	for i, hook := range c.Webhooks {
		if strings.TrimSpace(hook.URL) == "" {
			return fmt.Errorf("webhooks[%d].url is required", i)
		}
		if hook.Timeout < 0 {
			return fmt.Errorf("webhooks[%d].timeout must not be negative", i)
		}
	}
	return nil
}

// Allows reports whether role may transition step.
func (c *Config) Allows(role domain.Role, step domain.StepID) bool {
	var steps []domain.StepID
	switch role {
	case domain.RoleInternal:
		steps = c.Workflow.Permissions.Internal
	case domain.RoleExternal:
		steps = c.Workflow.Permissions.External
	}
	for _, s := range steps {
		if s == step {
			return true
		}
	}
	return false
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "specflow.yml")
}

// GenerateDefault returns default config YAML.
func GenerateDefault() string {
	return defaultTemplate
}

// Load reads config from the workspace, falling back to defaults when the file is absent.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// Default returns the built-in configuration.
func Default() *Config {
	var cfg Config
	_ = yaml.NewDecoder(bytes.NewBufferString(defaultTemplate)).Decode(&cfg)
	return &cfg
}

// FromYAML parses and validates config from raw YAML bytes. Omitted sections keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  labels:
    prepare: Prepare specification
    review: Internal review
    send: Send to supplier
    feedback: Supplier feedback
    finalize: Approve and finalize
  permissions:
    internal: [prepare, review, send, finalize]
    external: [feedback]

document:
  template:
    - id: "1"
      question: Product name and supplier article number
    - id: "2"
      question: Full ingredient declaration in descending order
    - id: "3"
      question: Allergens present (EU 1169/2011 Annex II)
    - id: "4"
      question: Country of origin of main ingredients
    - id: "5"
      question: GMO status
    - id: "6"
      question: Shelf life and storage conditions
    - id: "7"
      question: Certifications held (organic, kosher, halal)

views:
  welcome_text: "Welcome. Please review the specification sheet below and fill in every answer with its source."
  approval_text: "The supplier has submitted this specification. Review the answers and approve to finalize."

sync:
  workflow_interval: 5s
  approvals_interval: 10s
  write_timeout: 10s

integration:
  url: ""
  secret: ""
  timeout: 10s

# Event log subscribers, e.g.
# webhooks:
#   - url: https://hooks.example.com/specflow
#     events: [subject.submit, subject.finalize]
#     secret: change-me
webhooks: []
`
