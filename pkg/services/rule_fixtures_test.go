package services

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
)

const testScopeID int64 = 42

func testSourceContext() *models.SourceContext {
	return &models.SourceContext{
		Table:     models.SourceTable{ID: testScopeID, ScanReportID: 1, Name: "visits"},
		PersonID:  &models.SourceField{ID: 1, TableID: testScopeID, Name: "patient_id", IsIdentifier: true},
		DateEvent: &models.SourceField{ID: 2, TableID: testScopeID, Name: "visit_date", IsDateEvent: true},
	}
}

func testField(name string) models.SourceField {
	return models.SourceField{ID: 10, TableID: testScopeID, Name: name}
}

// assocID returns a stable association id whose byte order follows n.
func assocID(n int) uuid.UUID {
	return uuid.MustParse(fmt.Sprintf("00000000-0000-0000-0000-%012d", n))
}

func valueAssociation(n int, field, value string, conceptID int64) models.ConceptAssociation {
	return models.ConceptAssociation{
		ID:           assocID(n),
		ScopeID:      testScopeID,
		Source:       models.ValueSource{Value: models.SourceValue{ID: int64(100 + n), FieldID: 10, Value: value}, Field: testField(field)},
		ConceptID:    conceptID,
		CreationType: models.CreationManual,
	}
}

func fieldAssociation(n int, field string, conceptID int64) models.ConceptAssociation {
	return models.ConceptAssociation{
		ID:           assocID(n),
		ScopeID:      testScopeID,
		Source:       models.FieldSource{Field: testField(field)},
		ConceptID:    conceptID,
		CreationType: models.CreationManual,
	}
}

func standardConcept(id int64, domain string) models.Concept {
	s := models.StandardConceptStandard
	return models.Concept{ID: id, Name: fmt.Sprintf("concept %d", id), DomainID: domain, VocabularyID: "SNOMED", StandardConcept: &s, Code: fmt.Sprint(id)}
}

func nonStandardConcept(id int64, domain string) models.Concept {
	return models.Concept{ID: id, Name: fmt.Sprintf("concept %d", id), DomainID: domain, VocabularyID: "Read", Code: fmt.Sprint(id)}
}

func resolvedConcept(assoc models.ConceptAssociation, concept models.Concept) *models.ResolvedConcept {
	return &models.ResolvedConcept{Association: assoc, Concept: concept, SourceConceptID: assoc.ConceptID}
}

func int64Ptr(v int64) *int64 { return &v }

// ruleFields returns "table.field=value<-source" strings for compact assertions.
func ruleFields(rules []models.MappingRule) []string {
	out := make([]string, len(rules))
	for i, r := range rules {
		out[i] = fmt.Sprintf("%s.%s=%s<-%s", r.DestinationTable, r.DestinationField, r.DestinationValueString(), r.SourceFieldName())
	}
	return out
}
