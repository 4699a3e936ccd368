package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
)

// ResolutionUpdate is the outcome of resolving one association. A miss sets
// ConceptID to models.UnresolvedConceptID and keeps the original id in Note.
type ResolutionUpdate struct {
	AssociationID uuid.UUID
	ConceptID     int64
	Status        string
	Note          *string
}

// ConceptAssociationRepository provides data access for concept associations.
type ConceptAssociationRepository interface {
	// Create inserts a new association. A second association for the same
	// (source entity, concept) returns apperrors.ErrDuplicateAssociation.
	Create(ctx context.Context, assoc *models.ConceptAssociation) error

	// ListByScope returns every association of a scope ordered by id, with the
	// source variant populated.
	ListByScope(ctx context.Context, scopeID int64) ([]*models.ConceptAssociation, error)

	// RecordResolutions stores resolution outcomes in one round trip.
	RecordResolutions(ctx context.Context, updates []ResolutionUpdate) error
}

type conceptAssociationRepository struct{}

// NewConceptAssociationRepository creates a new ConceptAssociationRepository.
func NewConceptAssociationRepository() ConceptAssociationRepository {
	return &conceptAssociationRepository{}
}

var _ ConceptAssociationRepository = (*conceptAssociationRepository)(nil)

func (r *conceptAssociationRepository) Create(ctx context.Context, assoc *models.ConceptAssociation) error {
	conn, err := scopeConn(ctx)
	if err != nil {
		return err
	}

	if assoc.Source == nil {
		return fmt.Errorf("association has no source entity")
	}
	if !assoc.CreationType.IsValid() {
		return fmt.Errorf("invalid creation type %q", assoc.CreationType)
	}
	if assoc.ID == uuid.Nil {
		assoc.ID = uuid.New()
	}
	if assoc.ResolutionStatus == "" {
		assoc.ResolutionStatus = models.AssociationPending
	}

	query := `
		INSERT INTO concept_associations (
			id, scope_id, source_kind, source_id, field_id, concept_id,
			creation_type, resolution_status, resolution_note, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at`

	err = conn.QueryRow(ctx, query,
		assoc.ID,
		assoc.ScopeID,
		string(assoc.Source.Kind()),
		assoc.Source.EntityID(),
		assoc.Source.SourceField().ID,
		assoc.ConceptID,
		string(assoc.CreationType),
		assoc.ResolutionStatus,
		assoc.ResolutionNote,
		time.Now(),
	).Scan(&assoc.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("%s %d -> concept %d: %w",
				assoc.Source.Kind(), assoc.Source.EntityID(), assoc.ConceptID, apperrors.ErrDuplicateAssociation)
		}
		return fmt.Errorf("failed to create concept association: %w", err)
	}
	return nil
}

func (r *conceptAssociationRepository) ListByScope(ctx context.Context, scopeID int64) ([]*models.ConceptAssociation, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT a.id, a.scope_id, a.source_kind, a.concept_id, a.creation_type,
		       a.resolution_status, a.resolution_note, a.created_at,
		       f.id, f.table_id, f.name, f.is_identifier, f.is_date_event, f.is_ignored,
		       v.id, v.field_id, v.value, v.frequency, v.description
		FROM concept_associations a
		JOIN scan_report_fields f ON f.id = a.field_id
		LEFT JOIN scan_report_values v ON a.source_kind = 'value' AND v.id = a.source_id
		WHERE a.scope_id = $1
		ORDER BY a.id`

	rows, err := conn.Query(ctx, query, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list concept associations: %w", err)
	}
	defer rows.Close()

	var assocs []*models.ConceptAssociation
	for rows.Next() {
		assoc, err := scanConceptAssociation(rows)
		if err != nil {
			return nil, err
		}
		assocs = append(assocs, assoc)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate concept associations: %w", err)
	}
	return assocs, nil
}

func scanConceptAssociation(rows pgx.Rows) (*models.ConceptAssociation, error) {
	var (
		a            models.ConceptAssociation
		kind         string
		creationType string
		field        models.SourceField

		valueID          *int64
		valueFieldID     *int64
		value            *string
		valueFrequency   *int64
		valueDescription *string
	)

	err := rows.Scan(
		&a.ID, &a.ScopeID, &kind, &a.ConceptID, &creationType,
		&a.ResolutionStatus, &a.ResolutionNote, &a.CreatedAt,
		&field.ID, &field.TableID, &field.Name, &field.IsIdentifier, &field.IsDateEvent, &field.IsIgnored,
		&valueID, &valueFieldID, &value, &valueFrequency, &valueDescription,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan concept association: %w", err)
	}
	a.CreationType = models.CreationType(creationType)

	switch models.SourceEntityKind(kind) {
	case models.SourceEntityField:
		a.Source = models.FieldSource{Field: field}
	case models.SourceEntityValue:
		if valueID == nil {
			return nil, fmt.Errorf("association %s references a missing source value", a.ID)
		}
		sv := models.SourceValue{
			ID:          *valueID,
			FieldID:     *valueFieldID,
			Value:       *value,
			Description: valueDescription,
		}
		if valueFrequency != nil {
			sv.Frequency = *valueFrequency
		}
		a.Source = models.ValueSource{Value: sv, Field: field}
	default:
		return nil, fmt.Errorf("association %s has unknown source kind %q", a.ID, kind)
	}

	return &a, nil
}

func (r *conceptAssociationRepository) RecordResolutions(ctx context.Context, updates []ResolutionUpdate) error {
	if len(updates) == 0 {
		return nil
	}

	conn, err := scopeConn(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE concept_associations
		SET concept_id = $2, resolution_status = $3, resolution_note = $4
		WHERE id = $1`

	batch := &pgx.Batch{}
	for _, u := range updates {
		batch.Queue(query, u.AssociationID, u.ConceptID, u.Status, u.Note)
	}

	br := conn.SendBatch(ctx, batch)
	defer br.Close()

	for _, u := range updates {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("failed to record resolution for association %s: %w", u.AssociationID, err)
		}
	}
	return nil
}
