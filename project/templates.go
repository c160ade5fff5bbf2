// Package project scaffolds new projects on the remote host from a
// static template registry, with a tool-availability preflight.
package project

import (
	"fmt"
	"os"
	"sort"

	"gopkg.in/yaml.v3"
)

// Template describes one scaffold recipe.  Command carries a {name}
// placeholder substituted with the project name at init time.
type Template struct {
	Display string   `yaml:"display"`
	Command string   `yaml:"command"`
	Tools   []string `yaml:"tools"`
}

// builtins is the static registry.  A YAML overlay file may add to or
// override these entries.
var builtins = map[string]Template{
	"react": {
		Display: "React (Vite)",
		Command: "npm create vite@latest {name} -- --template react",
		Tools:   []string{"node", "npm"},
	},
	"next": {
		Display: "Next.js",
		Command: "npx create-next-app@latest {name} --yes",
		Tools:   []string{"node", "npx"},
	},
	"vue": {
		Display: "Vue 3 (Vite)",
		Command: "npm create vite@latest {name} -- --template vue",
		Tools:   []string{"node", "npm"},
	},
	"node": {
		Display: "Node.js (empty)",
		Command: "mkdir -p {name} && cd {name} && npm init -y",
		Tools:   []string{"node", "npm"},
	},
	"go": {
		Display: "Go module",
		Command: "mkdir -p {name} && cd {name} && go mod init {name}",
		Tools:   []string{"go"},
	},
	"python": {
		Display: "Python (venv)",
		Command: "mkdir -p {name} && cd {name} && python3 -m venv .venv",
		Tools:   []string{"python3"},
	},
}

// Registry resolves template names to recipes.
type Registry struct {
	templates map[string]Template
}

// NewRegistry returns the builtin registry, extended by the optional
// YAML overlay file when path is non-empty.
func NewRegistry(overlayPath string) (*Registry, error) {
	t := make(map[string]Template, len(builtins))
	for k, v := range builtins {
		t[k] = v
	}
	if overlayPath != "" {
		data, err := os.ReadFile(overlayPath)
		if err != nil {
			return nil, fmt.Errorf("reading template overlay: %w", err)
		}
		var overlay map[string]Template
		if err := yaml.Unmarshal(data, &overlay); err != nil {
			return nil, fmt.Errorf("parsing template overlay: %w", err)
		}
		for k, v := range overlay {
			t[k] = v
		}
	}
	return &Registry{templates: t}, nil
}

// Lookup returns the template for name.
func (r *Registry) Lookup(name string) (Template, bool) {
	t, ok := r.templates[name]
	return t, ok
}

// Names lists the registered template names, sorted.
func (r *Registry) Names() []string {
	out := make([]string, 0, len(r.templates))
	for k := range r.templates {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
