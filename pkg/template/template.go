// Package template generates starter [[projects]] entries for a devdock
// configuration file.
package template

import (
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// TemplateType names a project toolchain.
type TemplateType string

const (
	TypeNode    TemplateType = "node"
	TypeNPM     TemplateType = "npm"
	TypeMake    TemplateType = "make"
	TypeCompose TemplateType = "compose"
	TypeDocker  TemplateType = "docker"
	TypeGo      TemplateType = "go"
	TypePython  TemplateType = "python"
	TypeSimple  TemplateType = "simple"
)

// Script is a named command of the generated project.
type Script struct {
	Name    string `json:"name" toml:"name"`
	Command string `json:"command" toml:"command"`
}

// ProjectTemplate mirrors one [[projects]] entry of the config file.
type ProjectTemplate struct {
	ID             string   `json:"id" toml:"id"`
	Name           string   `json:"name,omitempty" toml:"name,omitempty"`
	Path           string   `json:"path" toml:"path"`
	ConfigType     string   `json:"configType,omitempty" toml:"config_type,omitempty"`
	HealthEndpoint string   `json:"healthEndpoint,omitempty" toml:"health_endpoint,omitempty"`
	Group          string   `json:"group,omitempty" toml:"group,omitempty"`
	Scripts        []Script `json:"scripts" toml:"scripts"`
}

type Generator struct{}

func NewGenerator() *Generator {
	return &Generator{}
}

// Generate builds a project entry of the given type. path defaults to ./<id>.
func (g *Generator) Generate(templateType TemplateType, id, path string) (*ProjectTemplate, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\ `) {
		return nil, fmt.Errorf("invalid project id %q", id)
	}
	if path == "" {
		path = filepath.Join(".", id)
	}
	var t *ProjectTemplate
	switch templateType {
	case TypeNode, TypeNPM:
		t = nodeTemplate()
	case TypeMake:
		t = makeTemplate()
	case TypeCompose, TypeDocker:
		t = composeTemplate()
	case TypeGo:
		t = goTemplate()
	case TypePython:
		t = pythonTemplate()
	case TypeSimple:
		t = &ProjectTemplate{ConfigType: ".devdock.yml", Scripts: []Script{{Name: "run", Command: "echo 'hello from " + id + "'"}}}
	default:
		return nil, fmt.Errorf("unknown template type: %s (supported: %s)", templateType, strings.Join(g.GetSupportedTypes(), ", "))
	}
	t.ID, t.Name, t.Path = id, id, path
	return t, nil
}

// GenerateTOML renders the entry as a [[projects]] block ready to append to
// devdock.toml.
func (g *Generator) GenerateTOML(templateType TemplateType, id, path string) ([]byte, error) {
	t, err := g.Generate(templateType, id, path)
	if err != nil {
		return nil, err
	}
	doc := struct {
		Projects []ProjectTemplate `toml:"projects"`
	}{Projects: []ProjectTemplate{*t}}
	out, err := toml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return out, nil
}

func (g *Generator) GenerateJSON(templateType TemplateType, id, path string) ([]byte, error) {
	t, err := g.Generate(templateType, id, path)
	if err != nil {
		return nil, err
	}
	out, err := json.MarshalIndent(t, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal template: %w", err)
	}
	return out, nil
}

// GetSupportedTypes lists the primary type names (aliases omitted).
func (g *Generator) GetSupportedTypes() []string {
	return []string{
		string(TypeNode),
		string(TypeMake),
		string(TypeCompose),
		string(TypeGo),
		string(TypePython),
		string(TypeSimple),
	}
}

func nodeTemplate() *ProjectTemplate {
	return &ProjectTemplate{
		ConfigType:     "package.json",
		HealthEndpoint: "http://localhost:3000/health",
		Scripts: []Script{
			{Name: "dev", Command: "npm run dev"},
			{Name: "build", Command: "npm run build"},
			{Name: "start", Command: "npm start"},
		},
	}
}

// makeTemplate runs targets through make, the way Makefile projects are
// launched.
func makeTemplate() *ProjectTemplate {
	return &ProjectTemplate{
		ConfigType: "Makefile",
		Scripts: []Script{
			{Name: "run", Command: "make run"},
			{Name: "build", Command: "make build"},
			{Name: "test", Command: "make test"},
		},
	}
}

func composeTemplate() *ProjectTemplate {
	return &ProjectTemplate{
		ConfigType: "docker-compose.yml",
		Scripts: []Script{
			{Name: "up", Command: "docker-compose -f docker-compose.yml up"},
			{Name: "down", Command: "docker-compose -f docker-compose.yml down"},
		},
	}
}

func goTemplate() *ProjectTemplate {
	return &ProjectTemplate{
		ConfigType:     ".devdock.yml",
		HealthEndpoint: "http://localhost:8080/healthz",
		Scripts: []Script{
			{Name: "run", Command: "go run ."},
			{Name: "test", Command: "go test ./..."},
		},
	}
}

func pythonTemplate() *ProjectTemplate {
	return &ProjectTemplate{
		ConfigType: ".devdock.yml",
		Scripts: []Script{
			{Name: "serve", Command: "python -m http.server 8000"},
		},
	}
}
