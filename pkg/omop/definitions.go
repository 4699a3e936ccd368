// Package omop describes the OMOP CDM destination tables that mapping rules target.
package omop

import (
	_ "embed"
	"fmt"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"
)

//go:embed tables.yaml
var tablesYAML []byte

// StrengthFields names the drug_exposure columns filled from drug_strength data.
type StrengthFields struct {
	QuantityField string `yaml:"quantity_field"`
	DoseUnitField string `yaml:"dose_unit_field"`
}

// TableDefinition describes one destination table. UnitField pairs with
// ValueField: a field association fills both or neither.
type TableDefinition struct {
	Name          string          `yaml:"-"`
	Precedence    int             `yaml:"precedence"`
	PersonIDField string          `yaml:"person_id_field"`
	DateFields    []string        `yaml:"date_fields"`
	Required      []string        `yaml:"required"`
	ValueField    string          `yaml:"value_field"`
	UnitField     string          `yaml:"unit_field"`
	Strength      *StrengthFields `yaml:"strength"`
}

// DomainMapping routes a concept domain to its destination table and columns.
type DomainMapping struct {
	Domain             string `yaml:"-"`
	Table              string `yaml:"table"`
	ConceptField       string `yaml:"concept_field"`
	SourceConceptField string `yaml:"source_concept_field"`
	SourceValueField   string `yaml:"source_value_field"`
}

// Definitions is the parsed table and domain catalogue.
type Definitions struct {
	tables  map[string]*TableDefinition
	domains map[string]*DomainMapping
}

type definitionsFile struct {
	Tables  map[string]*TableDefinition `yaml:"tables"`
	Domains map[string]*DomainMapping   `yaml:"domains"`
}

var (
	defaultOnce sync.Once
	defaultDefs *Definitions
)

// Default returns the embedded CDM definitions. It panics if the embedded file
// is invalid, which can only happen through a bad edit of tables.yaml.
func Default() *Definitions {
	defaultOnce.Do(func() {
		defs, err := Parse(tablesYAML)
		if err != nil {
			panic(fmt.Sprintf("omop: invalid embedded tables.yaml: %v", err))
		}
		defaultDefs = defs
	})
	return defaultDefs
}

// Parse reads a definitions document and checks its internal references.
func Parse(data []byte) (*Definitions, error) {
	var file definitionsFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse definitions: %w", err)
	}
	if len(file.Tables) == 0 {
		return nil, fmt.Errorf("no tables defined")
	}

	for name, table := range file.Tables {
		if table == nil {
			return nil, fmt.Errorf("table %q has no definition", name)
		}
		table.Name = name
		if table.PersonIDField == "" {
			return nil, fmt.Errorf("table %q has no person_id_field", name)
		}
		if len(table.DateFields) == 0 {
			return nil, fmt.Errorf("table %q has no date_fields", name)
		}
		if table.UnitField != "" && table.ValueField == "" {
			return nil, fmt.Errorf("table %q has a unit_field without a value_field", name)
		}
	}

	for domain, mapping := range file.Domains {
		if mapping == nil {
			return nil, fmt.Errorf("domain %q has no mapping", domain)
		}
		mapping.Domain = domain
		if _, ok := file.Tables[mapping.Table]; !ok {
			return nil, fmt.Errorf("domain %q references unknown table %q", domain, mapping.Table)
		}
		if mapping.ConceptField == "" {
			return nil, fmt.Errorf("domain %q has no concept_field", domain)
		}
	}

	return &Definitions{tables: file.Tables, domains: file.Domains}, nil
}

// Table returns the definition of a destination table.
func (d *Definitions) Table(name string) (*TableDefinition, bool) {
	t, ok := d.tables[name]
	return t, ok
}

// Domain returns the mapping for a concept domain.
func (d *Definitions) Domain(domainID string) (*DomainMapping, bool) {
	m, ok := d.domains[domainID]
	return m, ok
}

// Precedence returns the dependency rank of a table. Unknown tables rank with
// the clinical event tables.
func (d *Definitions) Precedence(table string) int {
	if t, ok := d.tables[table]; ok {
		return t.Precedence
	}
	return 1
}

// TableNames returns all destination table names sorted alphabetically.
func (d *Definitions) TableNames() []string {
	names := make([]string, 0, len(d.tables))
	for name := range d.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
