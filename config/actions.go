package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Action is a user-defined agent action: a named prompt template the UI
// can trigger against a thread.
type Action struct {
	ID          string `yaml:"id"`
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	Prompt      string `yaml:"prompt"`
}

// actionsFile is the top-level shape of the actions YAML file.
type actionsFile struct {
	Actions []Action `yaml:"actions"`
}

// LoadActions reads the custom actions file. A missing file is not an
// error; it yields no actions.
func LoadActions(path string) ([]Action, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read actions file: %w", err)
	}

	var file actionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse actions file %s: %w", path, err)
	}

	seen := make(map[string]bool)
	for _, a := range file.Actions {
		if a.ID == "" {
			return nil, fmt.Errorf("action with empty id in %s", path)
		}
		if seen[a.ID] {
			return nil, fmt.Errorf("duplicate action id %q in %s", a.ID, path)
		}
		if a.Prompt == "" {
			return nil, fmt.Errorf("action %q has no prompt", a.ID)
		}
		seen[a.ID] = true
	}

	return file.Actions, nil
}

// RenderPrompt substitutes {{key}} placeholders in the action's prompt
// template with the supplied parameters. Unknown placeholders are left
// in place so the agent sees what was not provided.
func (a Action) RenderPrompt(params map[string]string) string {
	prompt := a.Prompt
	for key, value := range params {
		prompt = strings.ReplaceAll(prompt, "{{"+key+"}}", value)
	}
	return prompt
}
