package collab

import (
	"fmt"
	"os"
	"sort"

	"go.yaml.in/yaml/v3"

	"github.com/ShayCichocki/steward/pkg/models"
)

// Expertise is one row of the routing table.
type Expertise struct {
	Role       models.AgentRole `yaml:"role"`
	Confidence float64          `yaml:"confidence"`
	Rationale  string           `yaml:"rationale"`
}

func (e Expertise) validate() error {
	if !e.Role.Valid() {
		return fmt.Errorf("%w: unknown role %q", models.ErrValidation, e.Role)
	}
	if e.Confidence < 0 || e.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range [0,1]", models.ErrValidation, e.Confidence)
	}
	return nil
}

// Table maps request categories to the specialist role that answers them.
// It is read-only after construction.
type Table struct {
	categories map[models.CollaborationCategory]Expertise
	fallback   Expertise
}

// DefaultTable returns the built-in routing table.
func DefaultTable() *Table {
	return &Table{
		categories: map[models.CollaborationCategory]Expertise{
			models.CategoryModelData: {
				Role: models.RoleDataScientist, Confidence: 0.9,
				Rationale: "data scientists own schemas, models and data pipelines",
			},
			models.CategorySecurity: {
				Role: models.RoleSecurity, Confidence: 0.95,
				Rationale: "security specialists review auth, secrets and access policy",
			},
			models.CategoryAPI: {
				Role: models.RoleBackend, Confidence: 0.85,
				Rationale: "backend engineers own API contracts and handlers",
			},
			models.CategoryDebugging: {
				Role: models.RoleDebugger, Confidence: 0.9,
				Rationale: "debuggers specialise in reproducing and isolating failures",
			},
			models.CategoryRequirements: {
				Role: models.RoleProductAnalyst, Confidence: 0.85,
				Rationale: "product analysts clarify scope and acceptance criteria",
			},
			models.CategoryInfrastructure: {
				Role: models.RoleDevOps, Confidence: 0.9,
				Rationale: "devops engineers own deployment, networking and runtime config",
			},
		},
		fallback: Expertise{
			Role: models.RoleGeneralist, Confidence: 0.5,
			Rationale: "no specialist available; a generalist can triage",
		},
	}
}

// tableFile is the on-disk shape of an expertise table.
type tableFile struct {
	Fallback   *Expertise                                 `yaml:"fallback"`
	Categories map[models.CollaborationCategory]Expertise `yaml:"categories"`
}

// LoadTable reads a YAML expertise file. Entries override the defaults;
// categories the file omits keep their default routing.
//
//	fallback:
//	  role: generalist
//	  confidence: 0.5
//	categories:
//	  security:
//	    role: security
//	    confidence: 0.95
//	    rationale: owns auth and secrets
func LoadTable(path string) (*Table, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var f tableFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse expertise table %s: %w", path, err)
	}

	t := DefaultTable()
	for cat, e := range f.Categories {
		if !cat.Valid() {
			return nil, fmt.Errorf("%w: unknown category %q in %s", models.ErrValidation, cat, path)
		}
		if err := e.validate(); err != nil {
			return nil, fmt.Errorf("category %s: %w", cat, err)
		}
		t.categories[cat] = e
	}
	if f.Fallback != nil {
		if err := f.Fallback.validate(); err != nil {
			return nil, fmt.Errorf("fallback: %w", err)
		}
		t.fallback = *f.Fallback
	}
	return t, nil
}

// Lookup returns the specialist entry for a category.
func (t *Table) Lookup(cat models.CollaborationCategory) (Expertise, bool) {
	e, ok := t.categories[cat]
	return e, ok
}

// Fallback returns the role used when no specialist is available.
func (t *Table) Fallback() Expertise {
	return t.fallback
}

// Categories lists the categories the table routes, sorted.
func (t *Table) Categories() []models.CollaborationCategory {
	out := make([]models.CollaborationCategory, 0, len(t.categories))
	for c := range t.categories {
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
