package process

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bytedance/sonic"
	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/aretw0/waymark/pkg/domain"
	"github.com/aretw0/waymark/pkg/registry"
)

// ToolConfig declares an external tool in tools.yaml.
type ToolConfig struct {
	Name        string            `yaml:"name" json:"name" validate:"required"`
	Description string            `yaml:"description" json:"description"`
	Command     string            `yaml:"command" json:"command" validate:"required"`
	Args        []string          `yaml:"args" json:"args"`
	Environment map[string]string `yaml:"env" json:"env"`
	Timeout     string            `yaml:"timeout" json:"timeout"`

	// Gating. Empty values fall back to a built-in tool of the same name.
	Stages   []string      `yaml:"stages" json:"stages"`
	Requires []string      `yaml:"requires" json:"requires"`
	Advance  string        `yaml:"advance" json:"advance"`
	Params   []ParamConfig `yaml:"params" json:"params" validate:"dive"`
}

// ParamConfig documents one argument of an external tool.
type ParamConfig struct {
	Name        string `yaml:"name" json:"name" validate:"required"`
	Type        string `yaml:"type" json:"type"`
	Description string `yaml:"description" json:"description"`
	Required    bool   `yaml:"required" json:"required"`
}

// ConfigFile represents the structure of tools.yaml
type ConfigFile struct {
	Tools []ToolConfig `yaml:"tools" json:"tools" validate:"dive"`
}

var validate = validator.New()

// LoadTools reads a configuration file (YAML or JSON). A missing file means
// no external tools.
func LoadTools(path string) ([]ToolConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read tools config: %w", err)
	}

	var cfg ConfigFile
	if strings.EqualFold(filepath.Ext(path), ".json") {
		if err := sonic.ConfigStd.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	} else {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	}
	if err := validate.Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid tools config %s: %w", path, err)
	}

	seen := make(map[string]bool, len(cfg.Tools))
	for _, t := range cfg.Tools {
		if seen[t.Name] {
			return nil, fmt.Errorf("invalid tools config %s: duplicate tool %q", path, t.Name)
		}
		seen[t.Name] = true
		if _, err := t.timeout(); err != nil {
			return nil, err
		}
	}
	return cfg.Tools, nil
}

func (c ToolConfig) timeout() (time.Duration, error) {
	if c.Timeout == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 0, fmt.Errorf("tool %s: invalid timeout %q: %w", c.Name, c.Timeout, err)
	}
	return d, nil
}

// Specs turns tool configs into registry specs backed by runner. A config
// named like a spec in base replaces that tool's handler and keeps any gating
// the config leaves empty; the rest are appended after base.
func Specs(tools []ToolConfig, runner *Runner, base []registry.Spec) ([]registry.Spec, error) {
	byName := make(map[string]int, len(base))
	out := make([]registry.Spec, len(base))
	for i, s := range base {
		out[i] = s
		byName[s.Name] = i
	}

	for _, t := range tools {
		spec := registry.Spec{Name: t.Name}
		i, overrides := byName[t.Name]
		if overrides {
			spec = out[i]
		}
		if err := t.applyGating(&spec); err != nil {
			return nil, err
		}
		if t.Description != "" {
			spec.Description = t.Description
		}
		if spec.Description == "" {
			spec.Description = fmt.Sprintf("Runs %s.", t.Command)
		}
		spec.Handler = runner.Handler(t.Name)

		if overrides {
			out[i] = spec
		} else {
			out = append(out, spec)
		}
	}
	return out, nil
}

func (c ToolConfig) applyGating(spec *registry.Spec) error {
	if len(c.Stages) > 0 {
		spec.Stages = spec.Stages[:0:0]
		for _, name := range c.Stages {
			s, err := domain.ParseStage(name)
			if err != nil {
				return fmt.Errorf("tool %s: %w", c.Name, err)
			}
			spec.Stages = append(spec.Stages, s)
		}
	}
	if len(c.Requires) > 0 {
		spec.Requires = nil
		for _, name := range c.Requires {
			spec.Requires = append(spec.Requires, domain.Field(name))
		}
	}
	if c.Advance != "" {
		s, err := domain.ParseStage(c.Advance)
		if err != nil {
			return fmt.Errorf("tool %s: %w", c.Name, err)
		}
		spec.Advance = s
	}
	if len(c.Params) > 0 {
		spec.Params = nil
		for _, p := range c.Params {
			spec.Params = append(spec.Params, registry.Param{
				Name:        p.Name,
				Type:        p.Type,
				Description: p.Description,
				Required:    p.Required,
			})
		}
	}
	return nil
}
