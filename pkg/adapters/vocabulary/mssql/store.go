// Package mssql reads the OMOP vocabulary tables from SQL Server, where many
// sites keep their CDM reference data.
package mssql

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	_ "github.com/microsoft/go-mssqldb" // SQL Server driver
	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/config"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/logging"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
)

// Store implements repositories.VocabularyRepository over SQL Server.
// *sql.DB is safe for concurrent use, so one Store serves all resolver workers.
type Store struct {
	db     *sql.DB
	schema string
	logger *zap.Logger
}

var _ repositories.VocabularyRepository = (*Store)(nil)

// NewStore opens and pings the SQL Server vocabulary database.
func NewStore(ctx context.Context, cfg *config.VocabularyConfig, logger *zap.Logger) (*Store, error) {
	if cfg.Host == "" || cfg.Database == "" {
		return nil, fmt.Errorf("mssql vocabulary store requires host and database")
	}

	connStr := cfg.ConnectionString()
	db, err := sql.Open("sqlserver", connStr)
	if err != nil {
		return nil, fmt.Errorf("open vocabulary connection: %w", err)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("connection test failed for %s: %s", logging.SanitizeConnectionString(connStr), logging.SanitizeError(err))
	}

	logger.Info("Connected to SQL Server vocabulary store",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Database),
		zap.String("schema", cfg.Schema))

	return NewStoreFromDB(db, cfg.Schema, logger), nil
}

// NewStoreFromDB wraps an existing connection pool.
func NewStoreFromDB(db *sql.DB, schema string, logger *zap.Logger) *Store {
	if schema == "" {
		schema = "dbo"
	}
	return &Store{db: db, schema: schema, logger: logger.Named("vocabulary-mssql")}
}

// Close closes the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}

const conceptSelect = `c.concept_id, c.concept_name, c.domain_id, c.vocabulary_id,
	c.concept_class_id, c.standard_concept, c.concept_code`

func scanConcept(row interface{ Scan(...any) error }) (*models.Concept, error) {
	var (
		c        models.Concept
		standard sql.NullString
	)
	if err := row.Scan(&c.ID, &c.Name, &c.DomainID, &c.VocabularyID, &c.ConceptClassID, &standard, &c.Code); err != nil {
		return nil, err
	}
	if standard.Valid {
		c.StandardConcept = &standard.String
	}
	return &c, nil
}

func (s *Store) GetConcepts(ctx context.Context, ids []int64) (map[int64]*models.Concept, error) {
	concepts := make(map[int64]*models.Concept, len(ids))

	for _, batch := range batchIDs(ids, maxParamsPerQuery) {
		query := fmt.Sprintf(`SELECT %s FROM %s c WHERE c.concept_id IN (%s)`,
			conceptSelect, qualifiedName(s.schema, "concept"), inPlaceholders(1, len(batch)))

		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}

		if err := s.queryConcepts(ctx, query, args, func(c *models.Concept) {
			concepts[c.ID] = c
		}); err != nil {
			return nil, err
		}
	}
	return concepts, nil
}

func (s *Store) GetStandardEquivalents(ctx context.Context, conceptID int64) ([]models.Concept, error) {
	query := fmt.Sprintf(`
		SELECT %s
		FROM %s cr
		JOIN %s c ON c.concept_id = cr.concept_id_2
		WHERE cr.concept_id_1 = @p1
		  AND cr.relationship_id = @p2
		  AND cr.invalid_reason IS NULL
		  AND c.standard_concept = 'S'
		  AND c.invalid_reason IS NULL
		ORDER BY c.concept_id`,
		conceptSelect, qualifiedName(s.schema, "concept_relationship"), qualifiedName(s.schema, "concept"))

	var concepts []models.Concept
	err := s.queryConcepts(ctx, query, []any{conceptID, repositories.MapsToRelationship}, func(c *models.Concept) {
		concepts = append(concepts, *c)
	})
	if err != nil {
		return nil, fmt.Errorf("standard equivalents of %d: %w", conceptID, err)
	}
	return concepts, nil
}

func (s *Store) GetConceptByCode(ctx context.Context, vocabularyID, code string) (*models.Concept, error) {
	query := fmt.Sprintf(`
		SELECT TOP 1 %s
		FROM %s c
		WHERE c.vocabulary_id = @p1 AND c.concept_code = @p2
		ORDER BY c.concept_id`,
		conceptSelect, qualifiedName(s.schema, "concept"))

	c, err := scanConcept(s.db.QueryRowContext(ctx, query, vocabularyID, code))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("look up %s code %q: %w", vocabularyID, code, err)
	}
	return c, nil
}

func (s *Store) GetDrugStrengths(ctx context.Context, drugConceptID int64) ([]models.DrugStrength, error) {
	query := fmt.Sprintf(`
		SELECT drug_concept_id, ingredient_concept_id,
		       CAST(amount_value AS FLOAT), amount_unit_concept_id,
		       CAST(numerator_value AS FLOAT), numerator_unit_concept_id,
		       CAST(denominator_value AS FLOAT), denominator_unit_concept_id
		FROM %s
		WHERE drug_concept_id = @p1 AND invalid_reason IS NULL
		ORDER BY ingredient_concept_id`,
		qualifiedName(s.schema, "drug_strength"))

	rows, err := s.db.QueryContext(ctx, query, drugConceptID)
	if err != nil {
		return nil, fmt.Errorf("query drug strengths of %d: %w", drugConceptID, err)
	}
	defer rows.Close()

	var strengths []models.DrugStrength
	for rows.Next() {
		var (
			st                                 models.DrugStrength
			amount, numerator, denominator     sql.NullFloat64
			amountUnit, numeratorUnit, denUnit sql.NullInt64
		)
		err := rows.Scan(
			&st.DrugConceptID, &st.IngredientConceptID,
			&amount, &amountUnit,
			&numerator, &numeratorUnit,
			&denominator, &denUnit,
		)
		if err != nil {
			return nil, fmt.Errorf("scan drug strength: %w", err)
		}
		st.AmountValue = nullFloat(amount)
		st.AmountUnitConceptID = nullInt(amountUnit)
		st.NumeratorValue = nullFloat(numerator)
		st.NumeratorUnitConceptID = nullInt(numeratorUnit)
		st.DenominatorValue = nullFloat(denominator)
		st.DenominatorUnitConceptID = nullInt(denUnit)
		strengths = append(strengths, st)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate drug strengths: %w", err)
	}
	return strengths, nil
}

func (s *Store) queryConcepts(ctx context.Context, query string, args []any, each func(*models.Concept)) error {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		s.logger.Debug("Vocabulary query failed",
			zap.String("query", logging.SanitizeQuery(query)),
			logging.Error(err))
		return fmt.Errorf("query concepts: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		c, err := scanConcept(rows)
		if err != nil {
			return fmt.Errorf("scan concept: %w", err)
		}
		each(c)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate concepts: %w", err)
	}
	return nil
}

func nullFloat(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	return &v.Float64
}

func nullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	return &v.Int64
}
