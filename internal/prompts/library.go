package prompts

import (
	"bytes"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

// Prompt IDs used by the pipeline.
const (
	Outline       = "outline"
	SceneBatch    = "scene_batch"
	SceneRecovery = "scene_recovery"
	SceneFix      = "scene_fix"
	ImagePrompts  = "image_prompts"
	Metadata      = "metadata"
)

var ErrUnknownPrompt = errors.New("unknown prompt")

// Prompt is one system/user template pair.
type Prompt struct {
	ID     string `yaml:"id"`
	System string `yaml:"system"`
	User   string `yaml:"user"`
}

type document struct {
	Prompts []Prompt `yaml:"prompts"`
}

// Data is the template context shared by every prompt.
type Data struct {
	Input          string
	Outline        string
	Language       string
	Total          int
	Indices        []int
	Target         int
	Tolerance      int
	Min            int
	Max            int
	SceneLabel     string
	VisualLabel    string
	VoiceoverLabel string
	Unit           string
	Context        string
	Feedback       string
	Scenes         string
}

type compiled struct {
	prompt Prompt
	system *template.Template
	user   *template.Template
}

// Library is a read-only set of prompt templates.
type Library struct {
	prompts map[string]compiled
}

var funcs = template.FuncMap{
	"join": func(items []int, sep string) string {
		parts := make([]string, len(items))
		for i, n := range items {
			parts[i] = strconv.Itoa(n)
		}
		return strings.Join(parts, sep)
	},
}

// Default returns the built-in library.
func Default() (*Library, error) {
	return parse(defaultYAML, nil)
}

// Load returns the built-in library with entries from the YAML file at path
// replacing defaults by id. An empty path returns the defaults.
func Load(path string) (*Library, error) {
	base, err := Default()
	if err != nil {
		return nil, err
	}
	if path == "" {
		return base, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("prompts: read %s: %w", path, err)
	}
	lib, err := parse(data, base)
	if err != nil {
		return nil, fmt.Errorf("prompts: %s: %w", path, err)
	}
	return lib, nil
}

func parse(data []byte, base *Library) (*Library, error) {
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, fmt.Errorf("prompts: payload is empty")
	}
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("prompts: decode: %w", err)
	}

	lib := &Library{prompts: make(map[string]compiled)}
	if base != nil {
		for id, c := range base.prompts {
			lib.prompts[id] = c
		}
	}
	for _, p := range doc.Prompts {
		p.ID = strings.TrimSpace(p.ID)
		if p.ID == "" {
			return nil, fmt.Errorf("prompts: entry without id")
		}
		if strings.TrimSpace(p.User) == "" {
			return nil, fmt.Errorf("prompts: %s: user template is empty", p.ID)
		}
		c := compiled{prompt: p}
		var err error
		if c.system, err = template.New(p.ID + ".system").Funcs(funcs).Parse(p.System); err != nil {
			return nil, fmt.Errorf("prompts: %s: %w", p.ID, err)
		}
		if c.user, err = template.New(p.ID + ".user").Funcs(funcs).Parse(p.User); err != nil {
			return nil, fmt.Errorf("prompts: %s: %w", p.ID, err)
		}
		lib.prompts[p.ID] = c
	}
	return lib, nil
}

// GetPromptContent returns the raw user template for id.
func (l *Library) GetPromptContent(id string) (string, error) {
	c, ok := l.prompts[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownPrompt, id)
	}
	return c.prompt.User, nil
}

// Render executes both templates of id.
func (l *Library) Render(id string, data Data) (system, user string, err error) {
	c, ok := l.prompts[id]
	if !ok {
		return "", "", fmt.Errorf("%w: %s", ErrUnknownPrompt, id)
	}
	var sb, ub bytes.Buffer
	if err := c.system.Execute(&sb, data); err != nil {
		return "", "", fmt.Errorf("prompts: render %s system: %w", id, err)
	}
	if err := c.user.Execute(&ub, data); err != nil {
		return "", "", fmt.Errorf("prompts: render %s user: %w", id, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(ub.String()), nil
}

// IDs lists the available prompt ids.
func (l *Library) IDs() []string {
	ids := make([]string, 0, len(l.prompts))
	for id := range l.prompts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
