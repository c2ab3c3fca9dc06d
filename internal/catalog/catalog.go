package catalog

import (
	_ "embed"
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed default.yaml
var defaultYAML []byte

var ErrUnknownFlow = errors.New("unknown flow")

// Field is one todo-list entry a flow must collect.
type Field struct {
	Name        string   `yaml:"name"`
	Label       string   `yaml:"label"`
	Description string   `yaml:"description"`
	Required    bool     `yaml:"required"`
	Keywords    []string `yaml:"keywords"`
}

// Flow describes one multi-turn data collection flow.
type Flow struct {
	Name           string   `yaml:"name"`
	Mode           string   `yaml:"mode"`
	Title          string   `yaml:"title"`
	Job            string   `yaml:"job"`
	Namespace      string   `yaml:"namespace"`
	ClosingMessage string   `yaml:"closing_message"`
	Triggers       []string `yaml:"triggers"`
	Fields         []Field  `yaml:"fields"`
}

// Phrases are the keyword sets the turn policies match against.
type Phrases struct {
	Goodbye    []string `yaml:"goodbye"`
	Abandon    []string `yaml:"abandon"`
	Memory     []string `yaml:"memory"`
	SkipMemory []string `yaml:"skip_memory"`
	Status     []string `yaml:"status"`
}

type Commands struct {
	Cancel string `yaml:"cancel"`
	Clear  string `yaml:"clear"`
	Done   string `yaml:"done"`
	Status string `yaml:"status"`
}

type Snippet struct {
	Namespace string `yaml:"namespace"`
	Text      string `yaml:"text"`
}

// Catalog is the injectable configuration that drives flows and policies.
type Catalog struct {
	Persona         string    `yaml:"persona"`
	FallbackMessage string    `yaml:"fallback_message"`
	Commands        Commands  `yaml:"commands"`
	Phrases         Phrases   `yaml:"phrases"`
	Flows           []Flow    `yaml:"flows"`
	Knowledge       []Snippet `yaml:"knowledge"`
}

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultYAML)
}

// Load reads a catalog file, or the embedded default when path is empty.
func Load(path string) (*Catalog, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return Default()
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	return Parse(raw)
}

func Parse(raw []byte) (*Catalog, error) {
	var c Catalog
	if err := yaml.Unmarshal(raw, &c); err != nil {
		return nil, fmt.Errorf("parse catalog: %w", err)
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) applyDefaults() {
	if strings.TrimSpace(c.FallbackMessage) == "" {
		c.FallbackMessage = "Sorry, something went wrong on my side. Could you try that again?"
	}
	if c.Commands.Cancel == "" {
		c.Commands.Cancel = "/cancel"
	}
	if c.Commands.Clear == "" {
		c.Commands.Clear = "/clear"
	}
	if c.Commands.Done == "" {
		c.Commands.Done = "/done"
	}
	if c.Commands.Status == "" {
		c.Commands.Status = "/status"
	}
	for i := range c.Flows {
		f := &c.Flows[i]
		if f.Mode == "" {
			f.Mode = f.Name
		}
		if f.Namespace == "" {
			f.Namespace = "coaching"
		}
		if f.Job == "" {
			f.Job = "generate-" + f.Name
		}
		for j := range f.Fields {
			if f.Fields[j].Label == "" {
				f.Fields[j].Label = f.Fields[j].Name
			}
		}
	}
}

// Validate checks structural consistency of the catalog.
func (c *Catalog) Validate() error {
	var errs []error
	seenFlows := make(map[string]bool, len(c.Flows))
	for _, f := range c.Flows {
		name := strings.TrimSpace(f.Name)
		if name == "" {
			errs = append(errs, errors.New("flow with empty name"))
			continue
		}
		if seenFlows[name] {
			errs = append(errs, fmt.Errorf("flow %q defined twice", name))
		}
		seenFlows[name] = true
		if f.RequiredCount() == 0 {
			errs = append(errs, fmt.Errorf("flow %q has no required fields", name))
		}
		if strings.TrimSpace(f.ClosingMessage) == "" {
			errs = append(errs, fmt.Errorf("flow %q has no closing message", name))
		}
		seenFields := make(map[string]bool, len(f.Fields))
		for _, field := range f.Fields {
			if strings.TrimSpace(field.Name) == "" {
				errs = append(errs, fmt.Errorf("flow %q has a field with empty name", name))
				continue
			}
			if seenFields[field.Name] {
				errs = append(errs, fmt.Errorf("flow %q field %q defined twice", name, field.Name))
			}
			seenFields[field.Name] = true
		}
	}
	for _, cmd := range []string{c.Commands.Cancel, c.Commands.Clear, c.Commands.Done, c.Commands.Status} {
		if !strings.HasPrefix(cmd, "/") {
			errs = append(errs, fmt.Errorf("command %q must start with /", cmd))
		}
	}
	return errors.Join(errs...)
}

// Flow looks up a flow by name.
func (c *Catalog) Flow(name string) (Flow, error) {
	for _, f := range c.Flows {
		if f.Name == name {
			return f, nil
		}
	}
	return Flow{}, fmt.Errorf("%w: %q", ErrUnknownFlow, name)
}

func (f Flow) RequiredCount() int {
	n := 0
	for _, field := range f.Fields {
		if field.Required {
			n++
		}
	}
	return n
}

func (f Flow) Field(name string) (Field, bool) {
	for _, field := range f.Fields {
		if field.Name == name {
			return field, true
		}
	}
	return Field{}, false
}

// Keywords returns every field keyword of the flow, lowercased.
func (f Flow) Keywords() []string {
	var out []string
	for _, field := range f.Fields {
		for _, kw := range field.Keywords {
			kw = strings.ToLower(strings.TrimSpace(kw))
			if kw != "" {
				out = append(out, kw)
			}
		}
	}
	return out
}
