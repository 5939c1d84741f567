package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/loomworks/loom/pkg/agent"
)

// personasYAML is the on-disk shape of personas.yaml.
type personasYAML struct {
	DefaultPersona string                       `yaml:"default_persona"`
	PlannerPersona string                       `yaml:"planner_persona"`
	IdeaAgents     []string                     `yaml:"idea_agents"`
	Personas       map[string]personaYAMLConfig `yaml:"personas"`
}

type personaYAMLConfig struct {
	SystemPrompt string  `yaml:"system_prompt"`
	Model        string  `yaml:"model,omitempty"`
	MaxTokens    int64   `yaml:"max_tokens,omitempty"`
	Temperature  float64 `yaml:"temperature,omitempty"`
}

// PersonaSet is the resolved agent roster.
type PersonaSet struct {
	ByName     map[string]agent.Persona
	Default    agent.Persona
	Planner    agent.Persona
	IdeaAgents []string
}

// builtinPersonas covers a missing or partial personas.yaml.
func builtinPersonas(model string) map[string]agent.Persona {
	return map[string]agent.Persona{
		"assistant": {
			Name:         "assistant",
			SystemPrompt: "You are a capable general-purpose assistant. Complete the task you are given and state the result plainly.",
			Model:        model,
		},
		"planner": {
			Name:         "planner",
			SystemPrompt: "You are a planning assistant. You decompose tasks into concrete, ordered steps.",
			Model:        model,
		},
	}
}

// LoadPersonas reads personas.yaml and merges it over the built-in roster.
// A missing file yields the built-ins; personas without a model inherit
// defaultModel.
func LoadPersonas(path, defaultModel string) (*PersonaSet, error) {
	roster := builtinPersonas(defaultModel)
	doc := personasYAML{}

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
		// Built-ins only.
	case err != nil:
		return nil, err
	default:
		if err := yaml.Unmarshal(data, &doc); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		for name, pc := range doc.Personas {
			p := agent.Persona{
				Name:         name,
				SystemPrompt: pc.SystemPrompt,
				Model:        pc.Model,
				MaxTokens:    pc.MaxTokens,
				Temperature:  pc.Temperature,
			}
			if p.Model == "" {
				p.Model = defaultModel
			}
			roster[name] = p
		}
	}

	set := &PersonaSet{ByName: roster, IdeaAgents: doc.IdeaAgents}

	defaultName := doc.DefaultPersona
	if defaultName == "" {
		defaultName = "assistant"
	}
	var ok bool
	if set.Default, ok = roster[defaultName]; !ok {
		return nil, fmt.Errorf("default persona %q is not defined", defaultName)
	}

	plannerName := doc.PlannerPersona
	if plannerName == "" {
		plannerName = "planner"
	}
	if set.Planner, ok = roster[plannerName]; !ok {
		return nil, fmt.Errorf("planner persona %q is not defined", plannerName)
	}

	for _, name := range doc.IdeaAgents {
		if _, ok := roster[name]; !ok {
			return nil, fmt.Errorf("idea agent %q is not defined", name)
		}
	}
	return set, nil
}
