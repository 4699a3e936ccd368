package models

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ruleNamespace seeds deterministic mapping rule ids.
var ruleNamespace = uuid.MustParse("6f0f3c1e-2b7a-4f59-9d0e-5c8a4e1b7d21")

// MappingRule is one structural instruction for the downstream ETL: copy
// SourceTable.SourceField into DestinationTable.DestinationField, optionally
// as the fixed concept DestinationValue.
type MappingRule struct {
	ID               uuid.UUID `json:"id"`
	ScopeID          int64     `json:"scope_id"`
	AssociationID    uuid.UUID `json:"association_id"`
	ConceptID        int64     `json:"concept_id"`
	SourceTable      string    `json:"source_table"`
	SourceField      *string   `json:"source_field,omitempty"`
	DestinationTable string    `json:"destination_table"`
	DestinationField string    `json:"destination_field"`
	DestinationValue *int64    `json:"destination_value,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Key identifies a rule by what it does, ignoring provenance. Two rules with the
// same key are duplicates.
func (r *MappingRule) Key() string {
	var b strings.Builder
	b.WriteString(r.DestinationTable)
	b.WriteByte('|')
	b.WriteString(r.DestinationField)
	b.WriteByte('|')
	if r.DestinationValue != nil {
		b.WriteString(strconv.FormatInt(*r.DestinationValue, 10))
	}
	b.WriteByte('|')
	b.WriteString(r.SourceTable)
	b.WriteByte('|')
	if r.SourceField != nil {
		b.WriteString(*r.SourceField)
	}
	return b.String()
}

// AssignID sets the deterministic id derived from the scope and the rule key,
// so regenerating the same rule always yields the same row.
func (r *MappingRule) AssignID() {
	r.ID = uuid.NewSHA1(ruleNamespace, []byte(strconv.FormatInt(r.ScopeID, 10)+"|"+r.Key()))
}

// SourceFieldName returns the source field or "" for fixed-value rules.
func (r *MappingRule) SourceFieldName() string {
	if r.SourceField == nil {
		return ""
	}
	return *r.SourceField
}

// DestinationValueString returns the concept value or "" when the rule copies data.
func (r *MappingRule) DestinationValueString() string {
	if r.DestinationValue == nil {
		return ""
	}
	return strconv.FormatInt(*r.DestinationValue, 10)
}

// RuleGraphExport is the ordered, deduplicated view of a rule set.
type RuleGraphExport struct {
	DependencyOrder []string      `json:"dependency_order"`
	Rules           []MappingRule `json:"rules"`
}

// RuleCSVHeader is the column layout of the CSV export.
var RuleCSVHeader = []string{"source_table", "source_field", "destination_table", "destination_field", "destination_value"}

// CSVRecord renders the rule as one CSV row in RuleCSVHeader order.
func (r *MappingRule) CSVRecord() []string {
	return []string{
		r.SourceTable,
		r.SourceFieldName(),
		r.DestinationTable,
		r.DestinationField,
		r.DestinationValueString(),
	}
}

// TableRuleSummary counts rules per destination table.
type TableRuleSummary struct {
	DestinationTable string `json:"destination_table"`
	RuleCount        int    `json:"rule_count"`
	ConceptCount     int    `json:"concept_count"`
}
