package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// SourceEntityKind tags which variant of SourceEntity an association points at.
type SourceEntityKind string

const (
	SourceEntityField SourceEntityKind = "field"
	SourceEntityValue SourceEntityKind = "value"
)

// SourceEntity is the thing a concept is attached to: either a whole field or one
// observed value of a field. The only implementations are FieldSource and ValueSource.
type SourceEntity interface {
	Kind() SourceEntityKind
	EntityID() int64
	// SourceField returns the field the entity belongs to (the field itself for FieldSource).
	SourceField() SourceField
	// LookupKey is the human-meaningful key of the entity: the field name or the raw value.
	LookupKey() string

	isSourceEntity()
}

// FieldSource is a concept attached to a whole field.
type FieldSource struct {
	Field SourceField `json:"field"`
}

func (s FieldSource) Kind() SourceEntityKind   { return SourceEntityField }
func (s FieldSource) EntityID() int64          { return s.Field.ID }
func (s FieldSource) SourceField() SourceField { return s.Field }
func (s FieldSource) LookupKey() string        { return s.Field.Name }
func (FieldSource) isSourceEntity()            {}

// ValueSource is a concept attached to one observed value of a field.
type ValueSource struct {
	Value SourceValue `json:"value"`
	Field SourceField `json:"field"`
}

func (s ValueSource) Kind() SourceEntityKind   { return SourceEntityValue }
func (s ValueSource) EntityID() int64          { return s.Value.ID }
func (s ValueSource) SourceField() SourceField { return s.Field }
func (s ValueSource) LookupKey() string        { return s.Value.Value }
func (ValueSource) isSourceEntity()            {}

// CreationType records how an association came to exist.
type CreationType string

const (
	CreationManual     CreationType = "M"  // manually reviewed
	CreationResolved   CreationType = "R"  // automatically resolved
	CreationVocabulary CreationType = "V"  // built from a data dictionary vocabulary lookup
	CreationReused     CreationType = "RU" // reused from another scan report
)

// IsValid reports whether c is a known creation type.
func (c CreationType) IsValid() bool {
	switch c {
	case CreationManual, CreationResolved, CreationVocabulary, CreationReused:
		return true
	}
	return false
}

// Resolution status persisted on an association.
const (
	AssociationPending  = "pending"
	AssociationResolved = "resolved"
	AssociationMiss     = "miss"
)

// ConceptAssociation links a source field or value to a target concept.
// At most one association exists per (source entity, concept) pair.
type ConceptAssociation struct {
	ID               uuid.UUID    `json:"id"`
	ScopeID          int64        `json:"scope_id"`
	Source           SourceEntity `json:"-"`
	ConceptID        int64        `json:"concept_id"`
	CreationType     CreationType `json:"creation_type"`
	ResolutionStatus string       `json:"resolution_status"`
	ResolutionNote   *string      `json:"resolution_note,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
}

// IsUnresolved reports whether the association carries the unresolved sentinel.
func (a *ConceptAssociation) IsUnresolved() bool {
	return a.ConceptID == UnresolvedConceptID
}

// MarshalJSON flattens the source variant into source_kind/source_id/source_field.
func (a ConceptAssociation) MarshalJSON() ([]byte, error) {
	type plain ConceptAssociation
	out := struct {
		plain
		SourceKind  SourceEntityKind `json:"source_kind,omitempty"`
		SourceID    int64            `json:"source_id,omitempty"`
		SourceField string           `json:"source_field,omitempty"`
	}{plain: plain(a)}
	if a.Source != nil {
		out.SourceKind = a.Source.Kind()
		out.SourceID = a.Source.EntityID()
		out.SourceField = a.Source.SourceField().Name
	}
	return json.Marshal(out)
}
