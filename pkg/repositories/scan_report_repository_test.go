//go:build integration

package repositories

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
)

func TestScanReportRepository_SourceContext(t *testing.T) {
	_, ctx := setupRepoTest(t)
	f := createScanReportFixture(t, ctx, "demographics")
	repo := NewScanReportRepository()

	source, err := repo.GetSourceContext(ctx, f.table.ID)
	require.NoError(t, err)

	assert.True(t, source.HasLinkage())
	assert.Equal(t, "demographics", source.Table.Name)
	assert.Equal(t, "patient_id", source.PersonID.Name)
	assert.Equal(t, "visit_date", source.DateEvent.Name)
}

func TestScanReportRepository_SourceContextWithoutLinkage(t *testing.T) {
	_, ctx := setupRepoTest(t)
	repo := NewScanReportRepository()

	table := &models.SourceTable{ScanReportID: 1, Name: "labs"}
	require.NoError(t, repo.CreateTable(ctx, table))

	source, err := repo.GetSourceContext(ctx, table.ID)
	require.NoError(t, err)
	assert.False(t, source.HasLinkage())
}

func TestScanReportRepository_DuplicateTable(t *testing.T) {
	_, ctx := setupRepoTest(t)
	repo := NewScanReportRepository()

	require.NoError(t, repo.CreateTable(ctx, &models.SourceTable{ScanReportID: 1, Name: "labs"}))
	err := repo.CreateTable(ctx, &models.SourceTable{ScanReportID: 1, Name: "labs"})
	assert.ErrorIs(t, err, apperrors.ErrConflict)
}

func TestScanReportRepository_NotFound(t *testing.T) {
	_, ctx := setupRepoTest(t)
	repo := NewScanReportRepository()

	_, err := repo.GetTable(ctx, 9999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	_, err = repo.GetValue(ctx, 9999)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)

	err = repo.SetLinkage(ctx, 9999, nil, nil)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestScanReportRepository_ListFieldsAndValues(t *testing.T) {
	_, ctx := setupRepoTest(t)
	f := createScanReportFixture(t, ctx, "demographics")
	repo := NewScanReportRepository()

	fields, err := repo.ListFields(ctx, f.table.ID)
	require.NoError(t, err)
	require.Len(t, fields, 3)
	assert.Equal(t, []string{"patient_id", "visit_date", "sex"},
		[]string{fields[0].Name, fields[1].Name, fields[2].Name})
	assert.True(t, fields[0].IsIdentifier)

	values, err := repo.ListValues(ctx, f.sex.ID)
	require.NoError(t, err)
	require.Len(t, values, 2)
	assert.Equal(t, "M", values[0].Value)
	assert.Equal(t, int64(130), values[1].Frequency)

	values, err = repo.ListValues(ctx, f.personID.ID)
	require.NoError(t, err)
	assert.Empty(t, values)

	fields, err = repo.ListFields(ctx, 9999)
	require.NoError(t, err)
	assert.Empty(t, fields)
}
