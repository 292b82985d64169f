package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Config models sprintline.yml: the ordered phase workflow a session
// walks through, plus per-phase validation and artifact requirements.
type Config struct {
	Workflow struct {
		Phases []Phase `yaml:"phases"`
	} `yaml:"workflow"`
}

type Phase struct {
	ID          string `yaml:"id"`
	Goal        string `yaml:"goal"`
	Description string `yaml:"description"`
	Validation  struct {
		RequiredFields []string `yaml:"required_fields"`
		WarnIfMissing  []string `yaml:"warn_if_missing"`
	} `yaml:"validation"`
	Artifacts struct {
		Required []string `yaml:"required"`
		Optional []string `yaml:"optional"`
	} `yaml:"artifacts"`
	NextStepText      string `yaml:"next_step_text"`
	CompletionCommand string `yaml:"completion_command"`
}

// Load reads and validates config from the workspace. A missing file is
// fatal; there is no implicit default workflow at runtime.
func Load(workspace string) (*Config, error) {
	path := Path(workspace)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config %s not found; run spl init first", path)
		}
		return nil, err
	}
	return FromYAML(data)
}

// Validate ensures the workflow is usable: at least two phases (an
// entry and a terminal), unique ids, no empty validation entries.
func (c *Config) Validate() error {
	phases := c.Workflow.Phases
	if len(phases) < 2 {
		return fmt.Errorf("workflow.phases requires at least an initial and a terminal phase")
	}
	seen := map[string]bool{}
	for _, p := range phases {
		if p.ID == "" {
			return fmt.Errorf("workflow.phases contains a phase with empty id")
		}
		if seen[p.ID] {
			return fmt.Errorf("duplicate phase id %s", p.ID)
		}
		seen[p.ID] = true
		for _, f := range p.Validation.RequiredFields {
			if f == "" {
				return fmt.Errorf("phase %s has empty required field", p.ID)
			}
		}
		for _, f := range p.Validation.WarnIfMissing {
			if f == "" {
				return fmt.Errorf("phase %s has empty warn_if_missing field", p.ID)
			}
		}
		for _, a := range p.Artifacts.Required {
			if a == "" {
				return fmt.Errorf("phase %s has empty required artifact", p.ID)
			}
		}
	}
	return nil
}

// InitialPhase returns the workflow entry phase.
func (c *Config) InitialPhase() Phase {
	return c.Workflow.Phases[0]
}

// PhaseByID returns the phase and its index, or ok=false.
func (c *Config) PhaseByID(id string) (Phase, int, bool) {
	for i, p := range c.Workflow.Phases {
		if p.ID == id {
			return p, i, true
		}
	}
	return Phase{}, 0, false
}

// NextPhase returns the phase following id in declared order. ok=false
// means id is the terminal phase (or unknown).
func (c *Config) NextPhase(id string) (Phase, bool) {
	_, i, ok := c.PhaseByID(id)
	if !ok || i+1 >= len(c.Workflow.Phases) {
		return Phase{}, false
	}
	return c.Workflow.Phases[i+1], true
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "sprintline.yml")
}

// GenerateDefault returns default config YAML for spl init.
func GenerateDefault() string {
	return defaultTemplate
}

// Default returns the default Config struct, used by init and tests.
func Default() *Config {
	cfg, err := FromYAML([]byte(defaultTemplate))
	if err != nil {
		panic(fmt.Sprintf("default workflow config invalid: %v", err))
	}
	return cfg
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

// FromFile reads YAML config from the given path.
func FromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return FromYAML(data)
}

const defaultTemplate = `workflow:
  phases:
    - id: intake
      goal: "Understand the work item and capture its objective"
      description: "Entry phase for a new session"
      validation:
        required_fields: [objective]
        warn_if_missing: [acceptance_criteria]
      artifacts:
        required: []
        optional: [context-notes]
      next_step_text: "Write down the objective, then complete intake"
      completion_command: "spl session complete"

    - id: plan
      goal: "Break the objective into an actionable approach"
      validation:
        required_fields: [objective, approach]
        warn_if_missing: [risks]
      artifacts:
        required: [plan]
        optional: [design-sketch]
      next_step_text: "Produce the plan artifact, then complete plan"
      completion_command: "spl session complete"

    - id: execute
      goal: "Carry out the plan"
      validation:
        required_fields: [objective]
        warn_if_missing: []
      artifacts:
        required: [work-log]
        optional: [test-report]
      next_step_text: "Record a work log, then complete execute"
      completion_command: "spl session complete"

    - id: verify
      goal: "Check the result against the objective"
      validation:
        required_fields: [objective]
        warn_if_missing: [review_notes]
      artifacts:
        required: [verification]
        optional: []
      next_step_text: "Attach verification, then complete verify"
      completion_command: "spl session complete"

    - id: close
      goal: "Wrap up and end the session"
      validation:
        required_fields: []
        warn_if_missing: []
      artifacts:
        required: []
        optional: []
      next_step_text: "End the session with spl session end"
      completion_command: "spl session end"
`
