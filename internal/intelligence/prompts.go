package intelligence

import (
	"bytes"
	"embed"
	"fmt"
	"path"
	"strings"
	"sync"
	"text/template"

	"gopkg.in/yaml.v3"
)

//go:embed prompts/*.yaml
var defaultPrompts embed.FS

const (
	PromptClassifyEmail    = "classify_email"
	PromptExtractCallTasks = "extract_call_tasks"
)

type promptFile struct {
	Name      string `yaml:"name"`
	MaxTokens int    `yaml:"max_tokens"`
	System    string `yaml:"system"`
	User      string `yaml:"user"`
}

type promptTemplate struct {
	name      string
	maxTokens int
	system    *template.Template
	user      *template.Template
}

// PromptSet holds the compiled templates. Overrides replace the embedded
// default of the same name; a set that fails to compile is rejected whole.
type PromptSet struct {
	mu        sync.RWMutex
	templates map[string]*promptTemplate
}

// NewPromptSet compiles the embedded defaults.
func NewPromptSet() (*PromptSet, error) {
	ps := &PromptSet{}
	if err := ps.Reload(nil); err != nil {
		return nil, err
	}
	return ps, nil
}

// Reload recompiles the defaults merged with files (base name to YAML). Its
// signature matches config.ReloadHandler.
func (ps *PromptSet) Reload(files map[string][]byte) error {
	compiled := make(map[string]*promptTemplate)

	entries, err := defaultPrompts.ReadDir("prompts")
	if err != nil {
		return fmt.Errorf("read embedded prompts: %w", err)
	}
	for _, e := range entries {
		data, err := defaultPrompts.ReadFile(path.Join("prompts", e.Name()))
		if err != nil {
			return fmt.Errorf("read embedded prompt %s: %w", e.Name(), err)
		}
		t, err := compilePrompt(e.Name(), data)
		if err != nil {
			return err
		}
		compiled[t.name] = t
	}
	for name, data := range files {
		t, err := compilePrompt(name, data)
		if err != nil {
			return err
		}
		compiled[t.name] = t
	}

	ps.mu.Lock()
	ps.templates = compiled
	ps.mu.Unlock()
	return nil
}

func compilePrompt(file string, data []byte) (*promptTemplate, error) {
	var pf promptFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, fmt.Errorf("parse prompt %s: %w", file, err)
	}
	if pf.Name == "" {
		pf.Name = strings.TrimSuffix(path.Base(file), path.Ext(file))
	}
	if strings.TrimSpace(pf.User) == "" {
		return nil, fmt.Errorf("prompt %s has no user template", file)
	}
	sys, err := template.New(pf.Name + ".system").Option("missingkey=zero").Parse(pf.System)
	if err != nil {
		return nil, fmt.Errorf("compile prompt %s system: %w", file, err)
	}
	user, err := template.New(pf.Name + ".user").Option("missingkey=zero").Parse(pf.User)
	if err != nil {
		return nil, fmt.Errorf("compile prompt %s user: %w", file, err)
	}
	return &promptTemplate{name: pf.Name, maxTokens: pf.MaxTokens, system: sys, user: user}, nil
}

// Render executes the named prompt against data.
func (ps *PromptSet) Render(name string, data any) (Prompt, error) {
	ps.mu.RLock()
	t, ok := ps.templates[name]
	ps.mu.RUnlock()
	if !ok {
		return Prompt{}, fmt.Errorf("unknown prompt %q", name)
	}

	var sys, user bytes.Buffer
	if err := t.system.Execute(&sys, data); err != nil {
		return Prompt{}, fmt.Errorf("render prompt %s: %w", name, err)
	}
	if err := t.user.Execute(&user, data); err != nil {
		return Prompt{}, fmt.Errorf("render prompt %s: %w", name, err)
	}
	return Prompt{
		Operation: name,
		System:    strings.TrimSpace(sys.String()),
		User:      strings.TrimSpace(user.String()),
		MaxTokens: t.maxTokens,
	}, nil
}

// Names lists the loaded prompt names.
func (ps *PromptSet) Names() []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	names := make([]string, 0, len(ps.templates))
	for n := range ps.templates {
		names = append(names, n)
	}
	return names
}
