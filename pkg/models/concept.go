package models

// UnresolvedConceptID marks an association whose concept has not been chosen yet.
const UnresolvedConceptID int64 = -1

// Standard concept flags from the OMOP concept table.
const (
	StandardConceptStandard       = "S"
	StandardConceptClassification = "C"
)

// Concept is a read-only row of the OMOP concept table.
type Concept struct {
	ID              int64   `json:"concept_id"`
	Name            string  `json:"concept_name"`
	DomainID        string  `json:"domain_id"`
	VocabularyID    string  `json:"vocabulary_id"`
	ConceptClassID  string  `json:"concept_class_id"`
	StandardConcept *string `json:"standard_concept,omitempty"`
	Code            string  `json:"concept_code"`
}

// IsStandard reports whether the concept can be used directly as a mapping target.
func (c *Concept) IsStandard() bool {
	return c.StandardConcept != nil && *c.StandardConcept == StandardConceptStandard
}

// DrugStrength is a row of the OMOP drug_strength table.
type DrugStrength struct {
	DrugConceptID            int64    `json:"drug_concept_id"`
	IngredientConceptID      int64    `json:"ingredient_concept_id"`
	AmountValue              *float64 `json:"amount_value,omitempty"`
	AmountUnitConceptID      *int64   `json:"amount_unit_concept_id,omitempty"`
	NumeratorValue           *float64 `json:"numerator_value,omitempty"`
	NumeratorUnitConceptID   *int64   `json:"numerator_unit_concept_id,omitempty"`
	DenominatorValue         *float64 `json:"denominator_value,omitempty"`
	DenominatorUnitConceptID *int64   `json:"denominator_unit_concept_id,omitempty"`
}

// DoseUnitConceptID returns the unit that describes one dose: the amount unit for
// solid forms, the numerator unit for concentrations. Nil when neither is recorded.
func (s *DrugStrength) DoseUnitConceptID() *int64 {
	if s.AmountUnitConceptID != nil {
		return s.AmountUnitConceptID
	}
	return s.NumeratorUnitConceptID
}

// DoseUnit is the numerator/denominator unit pair of one strength. Denominator
// is zero for amount-based strengths.
type DoseUnit struct {
	Numerator   int64
	Denominator int64
}

// DoseUnit returns the strength's unit pair, or false when no dose unit is recorded.
func (s *DrugStrength) DoseUnit() (DoseUnit, bool) {
	unit := s.DoseUnitConceptID()
	if unit == nil {
		return DoseUnit{}, false
	}
	du := DoseUnit{Numerator: *unit}
	if s.AmountUnitConceptID == nil && s.DenominatorUnitConceptID != nil {
		du.Denominator = *s.DenominatorUnitConceptID
	}
	return du, true
}

// ResolutionOutcome classifies what resolving one association produced.
type ResolutionOutcome string

const (
	// ResolutionResolved means one or more standard concepts were found.
	ResolutionResolved ResolutionOutcome = "resolved"
	// ResolutionMiss means the concept is non-standard and has no standard equivalent.
	ResolutionMiss ResolutionOutcome = "miss"
	// ResolutionSkipped means the association carries the unresolved sentinel.
	ResolutionSkipped ResolutionOutcome = "skipped"
)

// ResolvedConcept pairs an association with one standard concept it maps to.
type ResolvedConcept struct {
	Association ConceptAssociation `json:"association"`
	Concept     Concept            `json:"concept"`
	// SourceConceptID is the concept the association originally pointed at.
	// It differs from Concept.ID when a non-standard concept was promoted.
	SourceConceptID int64 `json:"source_concept_id"`
	// Strengths holds drug_strength rows for drug concepts.
	Strengths []DrugStrength `json:"strengths,omitempty"`
}

// Resolution is the per-association result of concept resolution.
type Resolution struct {
	Outcome  ResolutionOutcome `json:"outcome"`
	Resolved []ResolvedConcept `json:"resolved,omitempty"`
	Note     string            `json:"note,omitempty"`
}
