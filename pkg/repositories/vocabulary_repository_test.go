//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/testhelpers"
)

func seedVocabulary(t *testing.T, engineDB *testhelpers.EngineDB) {
	t.Helper()
	ctx := context.Background()

	statements := []string{
		`INSERT INTO omop.concept (concept_id, concept_name, domain_id, vocabulary_id, concept_class_id, standard_concept, concept_code) VALUES
			(8507, 'MALE', 'Gender', 'Gender', 'Gender', 'S', 'M'),
			(45766034, 'Asthma (legacy)', 'Condition', 'Read', 'Clinical Finding', NULL, 'H33..'),
			(317009, 'Asthma', 'Condition', 'SNOMED', 'Clinical Finding', 'S', '195967001'),
			(4051466, 'Childhood asthma', 'Condition', 'SNOMED', 'Clinical Finding', 'S', '233678006'),
			(4000001, 'Retired asthma', 'Condition', 'SNOMED', 'Clinical Finding', NULL, '999'),
			(19019073, 'Ibuprofen 200 MG Oral Tablet', 'Drug', 'RxNorm', 'Clinical Drug', 'S', '197805')`,
		`INSERT INTO omop.concept_relationship (concept_id_1, concept_id_2, relationship_id, invalid_reason) VALUES
			(45766034, 4051466, 'Maps to', NULL),
			(45766034, 317009, 'Maps to', NULL),
			(45766034, 4000001, 'Maps to', NULL),
			(45766034, 8507, 'Maps to', 'D')`,
		`INSERT INTO omop.drug_strength (drug_concept_id, ingredient_concept_id, amount_value, amount_unit_concept_id) VALUES
			(19019073, 1177480, 200, 8576)`,
	}
	for _, stmt := range statements {
		_, err := engineDB.DB.Exec(ctx, stmt)
		require.NoError(t, err)
	}
}

func TestVocabularyRepository_Lookups(t *testing.T) {
	engineDB, _ := setupRepoTest(t)
	seedVocabulary(t, engineDB)
	ctx := context.Background()

	repo, err := NewVocabularyRepository(engineDB.DB.Pool, "omop")
	require.NoError(t, err)

	t.Run("concepts by id", func(t *testing.T) {
		concepts, err := repo.GetConcepts(ctx, []int64{8507, 45766034, 1})
		require.NoError(t, err)
		require.Len(t, concepts, 2)
		assert.True(t, concepts[8507].IsStandard())
		assert.False(t, concepts[45766034].IsStandard())
	})

	t.Run("standard equivalents ordered by id", func(t *testing.T) {
		equivalents, err := repo.GetStandardEquivalents(ctx, 45766034)
		require.NoError(t, err)
		require.Len(t, equivalents, 2)
		assert.Equal(t, int64(317009), equivalents[0].ID)
		assert.Equal(t, int64(4051466), equivalents[1].ID)
	})

	t.Run("no equivalents", func(t *testing.T) {
		equivalents, err := repo.GetStandardEquivalents(ctx, 4000001)
		require.NoError(t, err)
		assert.Empty(t, equivalents)
	})

	t.Run("by code", func(t *testing.T) {
		c, err := repo.GetConceptByCode(ctx, "SNOMED", "195967001")
		require.NoError(t, err)
		assert.Equal(t, int64(317009), c.ID)

		_, err = repo.GetConceptByCode(ctx, "SNOMED", "nope")
		assert.ErrorIs(t, err, apperrors.ErrNotFound)
	})

	t.Run("drug strengths", func(t *testing.T) {
		strengths, err := repo.GetDrugStrengths(ctx, 19019073)
		require.NoError(t, err)
		require.Len(t, strengths, 1)
		require.NotNil(t, strengths[0].AmountValue)
		assert.Equal(t, 200.0, *strengths[0].AmountValue)
		assert.Equal(t, int64(8576), *strengths[0].DoseUnitConceptID())
	})
}

func TestNewVocabularyRepository_RejectsBadSchema(t *testing.T) {
	_, err := NewVocabularyRepository(nil, "omop; DROP TABLE x")
	assert.Error(t, err)
}
