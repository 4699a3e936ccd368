package repositories

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
)

// MapsToRelationship is the concept_relationship edge from a non-standard concept
// to its standard equivalents.
const MapsToRelationship = "Maps to"

// VocabularyRepository reads the OMOP vocabulary tables. Implementations must be
// safe for concurrent use.
type VocabularyRepository interface {
	// GetConcepts returns the concepts with the given ids keyed by id. Missing ids
	// are absent from the map.
	GetConcepts(ctx context.Context, ids []int64) (map[int64]*models.Concept, error)

	// GetStandardEquivalents returns the valid standard concepts the given concept
	// maps to, ordered by concept id.
	GetStandardEquivalents(ctx context.Context, conceptID int64) ([]models.Concept, error)

	// GetConceptByCode looks a concept up by vocabulary and code.
	// Returns apperrors.ErrNotFound when there is no such concept.
	GetConceptByCode(ctx context.Context, vocabularyID, code string) (*models.Concept, error)

	// GetDrugStrengths returns the valid drug_strength rows of a drug concept
	// ordered by ingredient.
	GetDrugStrengths(ctx context.Context, drugConceptID int64) ([]models.DrugStrength, error)
}

// pgVocabularyRepository reads the vocabulary through the pool rather than a
// connection scope because the resolver issues lookups concurrently.
type pgVocabularyRepository struct {
	pool   *pgxpool.Pool
	schema string
}

var schemaNamePattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// NewVocabularyRepository creates a VocabularyRepository over the OMOP tables in schema.
func NewVocabularyRepository(pool *pgxpool.Pool, schema string) (VocabularyRepository, error) {
	if !schemaNamePattern.MatchString(schema) {
		return nil, fmt.Errorf("invalid vocabulary schema %q", schema)
	}
	return &pgVocabularyRepository{pool: pool, schema: schema}, nil
}

var _ VocabularyRepository = (*pgVocabularyRepository)(nil)

func (r *pgVocabularyRepository) table(name string) string {
	return pgx.Identifier{r.schema, name}.Sanitize()
}

const conceptColumns = `c.concept_id, c.concept_name, c.domain_id, c.vocabulary_id,
		       c.concept_class_id, c.standard_concept, c.concept_code`

func scanConcept(row pgx.Row) (*models.Concept, error) {
	var c models.Concept
	err := row.Scan(&c.ID, &c.Name, &c.DomainID, &c.VocabularyID, &c.ConceptClassID, &c.StandardConcept, &c.Code)
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (r *pgVocabularyRepository) GetConcepts(ctx context.Context, ids []int64) (map[int64]*models.Concept, error) {
	concepts := make(map[int64]*models.Concept, len(ids))
	if len(ids) == 0 {
		return concepts, nil
	}

	query := `SELECT ` + conceptColumns + `
		FROM ` + r.table("concept") + ` c
		WHERE c.concept_id = ANY($1)`

	rows, err := r.pool.Query(ctx, query, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query concepts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan concept: %w", err)
		}
		concepts[c.ID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate concepts: %w", err)
	}
	return concepts, nil
}

func (r *pgVocabularyRepository) GetStandardEquivalents(ctx context.Context, conceptID int64) ([]models.Concept, error) {
	query := `SELECT ` + conceptColumns + `
		FROM ` + r.table("concept_relationship") + ` cr
		JOIN ` + r.table("concept") + ` c ON c.concept_id = cr.concept_id_2
		WHERE cr.concept_id_1 = $1
		  AND cr.relationship_id = $2
		  AND cr.invalid_reason IS NULL
		  AND c.standard_concept = 'S'
		  AND c.invalid_reason IS NULL
		ORDER BY c.concept_id`

	rows, err := r.pool.Query(ctx, query, conceptID, MapsToRelationship)
	if err != nil {
		return nil, fmt.Errorf("failed to query standard equivalents of %d: %w", conceptID, err)
	}
	defer rows.Close()

	var concepts []models.Concept
	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan concept: %w", err)
		}
		concepts = append(concepts, *c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate standard equivalents: %w", err)
	}
	return concepts, nil
}

func (r *pgVocabularyRepository) GetConceptByCode(ctx context.Context, vocabularyID, code string) (*models.Concept, error) {
	query := `SELECT ` + conceptColumns + `
		FROM ` + r.table("concept") + ` c
		WHERE c.vocabulary_id = $1 AND c.concept_code = $2
		ORDER BY c.concept_id
		LIMIT 1`

	c, err := scanConcept(r.pool.QueryRow(ctx, query, vocabularyID, code))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to look up %s code %q: %w", vocabularyID, code, err)
	}
	return c, nil
}

func (r *pgVocabularyRepository) GetDrugStrengths(ctx context.Context, drugConceptID int64) ([]models.DrugStrength, error) {
	query := `
		SELECT drug_concept_id, ingredient_concept_id,
		       amount_value::float8, amount_unit_concept_id,
		       numerator_value::float8, numerator_unit_concept_id,
		       denominator_value::float8, denominator_unit_concept_id
		FROM ` + r.table("drug_strength") + `
		WHERE drug_concept_id = $1 AND invalid_reason IS NULL
		ORDER BY ingredient_concept_id`

	rows, err := r.pool.Query(ctx, query, drugConceptID)
	if err != nil {
		return nil, fmt.Errorf("failed to query drug strengths of %d: %w", drugConceptID, err)
	}
	defer rows.Close()

	var strengths []models.DrugStrength
	for rows.Next() {
		var s models.DrugStrength
		err := rows.Scan(
			&s.DrugConceptID, &s.IngredientConceptID,
			&s.AmountValue, &s.AmountUnitConceptID,
			&s.NumeratorValue, &s.NumeratorUnitConceptID,
			&s.DenominatorValue, &s.DenominatorUnitConceptID,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan drug strength: %w", err)
		}
		strengths = append(strengths, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate drug strengths: %w", err)
	}
	return strengths, nil
}
