package registry

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/santhosh-tekuri/jsonschema/v5"
	"gopkg.in/yaml.v3"

	"journeyline/internal/domain"
)

//go:embed schema.json
var schemaJSON string

const schemaURL = "https://journeyline.local/schemas/template.schema.json"

var definitionSchema = compileSchema()

func compileSchema() *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	c.Draft = jsonschema.Draft2020
	if err := c.AddResource(schemaURL, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("template schema load failed: %v", err))
	}
	s, err := c.Compile(schemaURL)
	if err != nil {
		panic(fmt.Sprintf("template schema compile failed: %v", err))
	}
	return s
}

// Definition is the administrative YAML form of a journey template.
type Definition struct {
	ID           string            `yaml:"id"`
	Key          string            `yaml:"key"`
	Version      string            `yaml:"version"`
	Name         string            `yaml:"name"`
	Niche        string            `yaml:"niche"`
	ExpectedDays int               `yaml:"expected_days"`
	Stages       []StageDefinition `yaml:"stages"`
}

type StageDefinition struct {
	ID           string                  `yaml:"id"`
	Position     int                     `yaml:"position"`
	Title        string                  `yaml:"title"`
	Description  string                  `yaml:"description"`
	Kind         domain.StageKind        `yaml:"kind"`
	Mandatory    *bool                   `yaml:"mandatory"`
	SLAHours     *int                    `yaml:"sla_hours"`
	Requirements []RequirementDefinition `yaml:"requirements"`
}

type RequirementDefinition struct {
	ID            string   `yaml:"id"`
	Name          string   `yaml:"name"`
	Required      *bool    `yaml:"required"`
	AcceptedTypes []string `yaml:"accepted_types"`
	MaxSizeMB     int      `yaml:"max_size_mb"`
}

// ParseDefinition validates a YAML template definition against the embedded
// schema and the structural rules the schema cannot express. Failures match
// ErrInvalidDefinition.
func ParseDefinition(data []byte) (Definition, error) {
	def, err := parseDefinition(data)
	if err != nil {
		return Definition{}, fmt.Errorf("%w: %w", ErrInvalidDefinition, err)
	}
	return def, nil
}

func parseDefinition(data []byte) (Definition, error) {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return Definition{}, fmt.Errorf("parse template yaml: %w", err)
	}
	doc, err := json.Marshal(raw)
	if err != nil {
		return Definition{}, fmt.Errorf("template yaml is not representable as json: %w", err)
	}
	var inst any
	if err := json.Unmarshal(doc, &inst); err != nil {
		return Definition{}, fmt.Errorf("decode template json: %w", err)
	}
	if err := definitionSchema.Validate(inst); err != nil {
		return Definition{}, fmt.Errorf("template schema: %w", err)
	}
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return Definition{}, fmt.Errorf("decode template: %w", err)
	}
	if err := def.Normalize(); err != nil {
		return Definition{}, err
	}
	return def, nil
}

// ParseDefinitionFile reads and parses a definition from disk.
func ParseDefinitionFile(path string) (Definition, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Definition{}, err
	}
	return ParseDefinition(data)
}

// Normalize assigns implicit positions, sorts stages by position and checks
// the invariants stored templates rely on.
func (d *Definition) Normalize() error {
	if strings.TrimSpace(d.Key) == "" || strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("template key and name are required")
	}
	v, err := semver.NewVersion(d.Version)
	if err != nil {
		return fmt.Errorf("template %s: version %q is not a semantic version: %w", d.Key, d.Version, err)
	}
	d.Version = v.String()
	if len(d.Stages) == 0 {
		return fmt.Errorf("template %s@%s has no stages", d.Key, d.Version)
	}
	for i := range d.Stages {
		if d.Stages[i].Position == 0 {
			d.Stages[i].Position = i + 1
		}
	}
	sort.SliceStable(d.Stages, func(i, j int) bool { return d.Stages[i].Position < d.Stages[j].Position })
	for i, s := range d.Stages {
		if s.Position != i+1 {
			return fmt.Errorf("template %s@%s: stage positions must be dense and unique starting at 1, found %d at index %d", d.Key, d.Version, s.Position, i)
		}
		if !s.Kind.Valid() {
			return fmt.Errorf("stage %d: invalid kind %q", s.Position, s.Kind)
		}
		if s.SLAHours != nil && *s.SLAHours <= 0 {
			return fmt.Errorf("stage %d: sla_hours must be positive", s.Position)
		}
		if len(s.Requirements) > 0 && !s.Kind.Gated() {
			return fmt.Errorf("stage %d: requirements are only allowed on upload and gate stages", s.Position)
		}
		for _, req := range s.Requirements {
			if err := checkRequirement(req.Name, req.AcceptedTypes, req.MaxSizeMB); err != nil {
				return fmt.Errorf("stage %d: %w", s.Position, err)
			}
		}
	}
	return nil
}

func checkRequirement(name string, accepted []string, maxSizeMB int) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("requirement name is required")
	}
	if maxSizeMB <= 0 {
		return fmt.Errorf("requirement %s: max_size_mb must be positive", name)
	}
	if len(accepted) == 0 {
		return fmt.Errorf("requirement %s: accepted_types must not be empty", name)
	}
	return nil
}

// CheckRequirement validates an ad-hoc requirement blueprint.
func CheckRequirement(req domain.DocumentRequirement) error {
	return checkRequirement(req.Name, req.AcceptedTypes, req.MaxSizeMB)
}

func boolOr(v *bool, def bool) bool {
	if v == nil {
		return def
	}
	return *v
}
