package repositories

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
)

// MappingRuleRepository provides data access for generated mapping rules.
type MappingRuleRepository interface {
	// SaveChunks persists chunks of rule pages in a single transaction and returns
	// the number of rules written. Saving the same rules again is a no-op, so a
	// retried page never duplicates rows. When two associations produce the same
	// rule the smaller association id is kept as provenance.
	SaveChunks(ctx context.Context, chunks [][][]models.MappingRule) (int, error)

	// DeleteByScope removes every rule of a scope and returns how many were removed.
	DeleteByScope(ctx context.Context, scopeID int64) (int64, error)

	// ListByScope returns the rules of a scope ordered by destination and source.
	ListByScope(ctx context.Context, scopeID int64) ([]models.MappingRule, error)

	// CountByScope returns the number of persisted rules of a scope.
	CountByScope(ctx context.Context, scopeID int64) (int, error)
}

type mappingRuleRepository struct{}

// NewMappingRuleRepository creates a new MappingRuleRepository.
func NewMappingRuleRepository() MappingRuleRepository {
	return &mappingRuleRepository{}
}

var _ MappingRuleRepository = (*mappingRuleRepository)(nil)

const upsertMappingRuleSQL = `
	INSERT INTO mapping_rules (
		id, scope_id, association_id, concept_id, source_table, source_field,
		destination_table, destination_field, destination_value
	) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	ON CONFLICT (id) DO UPDATE
	SET association_id = EXCLUDED.association_id,
	    concept_id = EXCLUDED.concept_id
	WHERE EXCLUDED.association_id < mapping_rules.association_id`

func (r *mappingRuleRepository) SaveChunks(ctx context.Context, chunks [][][]models.MappingRule) (int, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return 0, err
	}

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback on defer is best-effort

	saved := 0
	for i, chunk := range chunks {
		batch := &pgx.Batch{}
		queued := 0
		for _, page := range chunk {
			for j := range page {
				rule := &page[j]
				batch.Queue(upsertMappingRuleSQL,
					rule.ID,
					rule.ScopeID,
					rule.AssociationID,
					rule.ConceptID,
					rule.SourceTable,
					rule.SourceField,
					rule.DestinationTable,
					rule.DestinationField,
					rule.DestinationValue,
				)
				queued++
			}
		}
		if queued == 0 {
			continue
		}

		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return 0, fmt.Errorf("failed to save rule chunk %d: %w", i+1, err)
		}
		saved += queued
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("failed to commit rules: %w", err)
	}
	return saved, nil
}

func (r *mappingRuleRepository) DeleteByScope(ctx context.Context, scopeID int64) (int64, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return 0, err
	}

	tag, err := conn.Exec(ctx, `DELETE FROM mapping_rules WHERE scope_id = $1`, scopeID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete rules for scope %d: %w", scopeID, err)
	}
	return tag.RowsAffected(), nil
}

func (r *mappingRuleRepository) ListByScope(ctx context.Context, scopeID int64) ([]models.MappingRule, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, scope_id, association_id, concept_id, source_table, source_field,
		       destination_table, destination_field, destination_value, created_at
		FROM mapping_rules
		WHERE scope_id = $1
		ORDER BY destination_table, destination_field, destination_value NULLS FIRST,
		         source_table, source_field NULLS FIRST`

	rows, err := conn.Query(ctx, query, scopeID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rules: %w", err)
	}
	defer rows.Close()

	var rules []models.MappingRule
	for rows.Next() {
		var rule models.MappingRule
		err := rows.Scan(
			&rule.ID, &rule.ScopeID, &rule.AssociationID, &rule.ConceptID,
			&rule.SourceTable, &rule.SourceField,
			&rule.DestinationTable, &rule.DestinationField, &rule.DestinationValue,
			&rule.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan rule: %w", err)
		}
		rules = append(rules, rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate rules: %w", err)
	}
	return rules, nil
}

func (r *mappingRuleRepository) CountByScope(ctx context.Context, scopeID int64) (int, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return 0, err
	}

	var count int
	err = conn.QueryRow(ctx, `SELECT COUNT(*) FROM mapping_rules WHERE scope_id = $1`, scopeID).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count rules: %w", err)
	}
	return count, nil
}
