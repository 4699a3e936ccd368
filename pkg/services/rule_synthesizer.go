package services

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/omop"
)

// RuleSynthesizer derives the mapping rules that populate a destination table
// from one resolved concept.
type RuleSynthesizer interface {
	// Synthesize returns the complete rule set for resolved, or an error and no
	// rules. The output is deterministic: same input, same rules in the same order.
	Synthesize(resolved *models.ResolvedConcept, source *models.SourceContext) ([]models.MappingRule, error)
}

type ruleSynthesizer struct {
	defs *omop.Definitions
}

// NewRuleSynthesizer creates a RuleSynthesizer over the given CDM definitions.
func NewRuleSynthesizer(defs *omop.Definitions) RuleSynthesizer {
	return &ruleSynthesizer{defs: defs}
}

var _ RuleSynthesizer = (*ruleSynthesizer)(nil)

func (s *ruleSynthesizer) Synthesize(resolved *models.ResolvedConcept, source *models.SourceContext) ([]models.MappingRule, error) {
	if !source.HasLinkage() {
		return nil, fmt.Errorf("table %d: %w", source.Table.ID, apperrors.ErrMissingLinkage)
	}

	assoc := &resolved.Association
	concept := &resolved.Concept
	if assoc.Source == nil {
		return nil, fmt.Errorf("association %s has no source entity", assoc.ID)
	}

	mapping, ok := s.defs.Domain(concept.DomainID)
	if !ok {
		return nil, fmt.Errorf("concept %d domain %q: %w", concept.ID, concept.DomainID, apperrors.ErrUnsupportedDomain)
	}
	table, ok := s.defs.Table(mapping.Table)
	if !ok {
		return nil, fmt.Errorf("domain %q table %q: %w", concept.DomainID, mapping.Table, apperrors.ErrUnsupportedDomain)
	}

	b := &ruleBuilder{
		scopeID:       source.Table.ID,
		associationID: assoc.ID,
		conceptID:     concept.ID,
		sourceTable:   source.Table.Name,
		destTable:     table.Name,
	}
	fieldName := assoc.Source.SourceField().Name

	b.copyField(table.PersonIDField, source.PersonID.Name)
	for _, dateField := range table.DateFields {
		b.copyField(dateField, source.DateEvent.Name)
	}

	b.conceptValue(mapping.ConceptField, fieldName, concept.ID)
	if mapping.SourceConceptField != "" {
		b.conceptValue(mapping.SourceConceptField, fieldName, resolved.SourceConceptID)
	}
	if mapping.SourceValueField != "" {
		b.copyField(mapping.SourceValueField, fieldName)
	}

	if _, isField := assoc.Source.(models.FieldSource); isField && table.ValueField != "" {
		b.copyField(table.ValueField, fieldName)
		if table.UnitField != "" {
			b.copyField(table.UnitField, fieldName)
		}
	}

	if table.Strength != nil && len(resolved.Strengths) > 0 {
		if err := checkDoseUnits(resolved.Strengths); err != nil {
			return nil, fmt.Errorf("drug %d: %w", concept.ID, err)
		}
		b.copyField(table.Strength.QuantityField, fieldName)
		b.copyField(table.Strength.DoseUnitField, fieldName)
	}

	required := append([]string{mapping.ConceptField}, table.Required...)
	for _, field := range required {
		if !b.has(field) {
			return nil, fmt.Errorf("%s.%s missing for concept %d: %w",
				table.Name, field, concept.ID, apperrors.ErrIncompleteRuleSet)
		}
	}

	return b.rules, nil
}

// checkDoseUnits requires every ingredient of a drug to share one dose unit pair,
// so a single drug_exposure record can describe the dose.
func checkDoseUnits(strengths []models.DrugStrength) error {
	var first models.DoseUnit
	for i := range strengths {
		unit, ok := strengths[i].DoseUnit()
		if !ok {
			return fmt.Errorf("ingredient %d has no dose unit: %w",
				strengths[i].IngredientConceptID, apperrors.ErrIncompleteRuleSet)
		}
		if i == 0 {
			first = unit
			continue
		}
		if unit != first {
			return fmt.Errorf("ingredient %d dose unit %d/%d differs from %d/%d: %w",
				strengths[i].IngredientConceptID, unit.Numerator, unit.Denominator,
				first.Numerator, first.Denominator, apperrors.ErrIncompleteRuleSet)
		}
	}
	return nil
}

// ruleBuilder accumulates rules for one association and destination table.
type ruleBuilder struct {
	scopeID       int64
	associationID uuid.UUID
	conceptID     int64
	sourceTable   string
	destTable     string

	rules  []models.MappingRule
	fields map[string]struct{}
}

func (b *ruleBuilder) add(destField string, sourceField *string, value *int64) {
	rule := models.MappingRule{
		ScopeID:          b.scopeID,
		AssociationID:    b.associationID,
		ConceptID:        b.conceptID,
		SourceTable:      b.sourceTable,
		SourceField:      sourceField,
		DestinationTable: b.destTable,
		DestinationField: destField,
		DestinationValue: value,
	}
	rule.AssignID()
	b.rules = append(b.rules, rule)

	if b.fields == nil {
		b.fields = make(map[string]struct{})
	}
	b.fields[destField] = struct{}{}
}

// copyField emits a rule that copies sourceField into destField.
func (b *ruleBuilder) copyField(destField, sourceField string) {
	src := sourceField
	b.add(destField, &src, nil)
}

// conceptValue emits a rule that sets destField to value for rows of sourceField.
func (b *ruleBuilder) conceptValue(destField, sourceField string, value int64) {
	src, v := sourceField, value
	b.add(destField, &src, &v)
}

func (b *ruleBuilder) has(destField string) bool {
	_, ok := b.fields[destField]
	return ok
}
