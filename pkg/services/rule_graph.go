package services

import (
	"bytes"
	"sort"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/omop"
)

// RuleGraph collects mapping rules, dropping duplicates, and orders destination
// tables by dependency (person before clinical events before death).
// It is not safe for concurrent use; each page builds its own graph.
type RuleGraph struct {
	defs  *omop.Definitions
	rules map[string]models.MappingRule
}

// NewRuleGraph creates an empty graph ordered by the given table definitions.
func NewRuleGraph(defs *omop.Definitions) *RuleGraph {
	return &RuleGraph{
		defs:  defs,
		rules: make(map[string]models.MappingRule),
	}
}

// Add inserts rules. When a rule with the same identity is already present,
// the one with the smaller association id is kept, so the result does not
// depend on insertion order.
func (g *RuleGraph) Add(rules ...models.MappingRule) {
	for _, rule := range rules {
		key := rule.Key()
		existing, ok := g.rules[key]
		if ok && bytes.Compare(existing.AssociationID[:], rule.AssociationID[:]) <= 0 {
			continue
		}
		g.rules[key] = rule
	}
}

// Len returns the number of distinct rules.
func (g *RuleGraph) Len() int {
	return len(g.rules)
}

// DependencyOrder returns the destination tables present in the graph,
// lowest precedence first and ties broken by name.
func (g *RuleGraph) DependencyOrder() []string {
	seen := make(map[string]struct{})
	var tables []string
	for _, rule := range g.rules {
		if _, ok := seen[rule.DestinationTable]; ok {
			continue
		}
		seen[rule.DestinationTable] = struct{}{}
		tables = append(tables, rule.DestinationTable)
	}
	sort.Slice(tables, func(i, j int) bool {
		return g.tableLess(tables[i], tables[j])
	})
	return tables
}

// Rules returns the distinct rules in export order.
func (g *RuleGraph) Rules() []models.MappingRule {
	rules := make([]models.MappingRule, 0, len(g.rules))
	for _, rule := range g.rules {
		rules = append(rules, rule)
	}
	sortRules(rules, g.tableLess)
	return rules
}

// ToOrderedExport returns the graph as an export document. It is a pure
// function of the graph contents, so equal graphs serialize identically.
func (g *RuleGraph) ToOrderedExport() models.RuleGraphExport {
	order := g.DependencyOrder()
	if order == nil {
		order = []string{}
	}
	return models.RuleGraphExport{
		DependencyOrder: order,
		Rules:           g.Rules(),
	}
}

func (g *RuleGraph) tableLess(a, b string) bool {
	pa, pb := g.defs.Precedence(a), g.defs.Precedence(b)
	if pa != pb {
		return pa < pb
	}
	return a < b
}

// sortRules orders rules by destination table (using tableLess), destination
// field, destination value, source table and source field.
func sortRules(rules []models.MappingRule, tableLess func(a, b string) bool) {
	sort.Slice(rules, func(i, j int) bool {
		a, b := &rules[i], &rules[j]
		if a.DestinationTable != b.DestinationTable {
			return tableLess(a.DestinationTable, b.DestinationTable)
		}
		if a.DestinationField != b.DestinationField {
			return a.DestinationField < b.DestinationField
		}
		if av, bv := a.DestinationValue, b.DestinationValue; !equalInt64Ptr(av, bv) {
			if av == nil || bv == nil {
				return av == nil
			}
			return *av < *bv
		}
		if a.SourceTable != b.SourceTable {
			return a.SourceTable < b.SourceTable
		}
		return a.SourceFieldName() < b.SourceFieldName()
	})
}

func equalInt64Ptr(a, b *int64) bool {
	if a == nil || b == nil {
		return a == b
	}
	return *a == *b
}
