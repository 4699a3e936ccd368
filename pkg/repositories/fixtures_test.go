//go:build integration

package repositories

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/testhelpers"
)

var allTables = []string{
	"job_transitions", "jobs", "mapping_rules", "concept_associations",
	"scan_report_values", "scan_report_fields", "scan_report_tables",
	"omop.drug_strength", "omop.concept_relationship", "omop.concept",
}

// scanReportFixture is a source table with linkage fields and one coded field.
type scanReportFixture struct {
	table     *models.SourceTable
	personID  *models.SourceField
	dateEvent *models.SourceField
	sex       *models.SourceField
	male      *models.SourceValue
	female    *models.SourceValue
}

func setupRepoTest(t *testing.T) (*testhelpers.EngineDB, context.Context) {
	t.Helper()
	engineDB := testhelpers.GetEngineDB(t)
	engineDB.Truncate(t, allTables...)
	return engineDB, engineDB.Scope(t)
}

func createScanReportFixture(t *testing.T, ctx context.Context, name string) *scanReportFixture {
	t.Helper()
	repo := NewScanReportRepository()

	f := &scanReportFixture{table: &models.SourceTable{ScanReportID: 1, Name: name}}
	require.NoError(t, repo.CreateTable(ctx, f.table))

	f.personID = &models.SourceField{TableID: f.table.ID, Name: "patient_id", IsIdentifier: true}
	f.dateEvent = &models.SourceField{TableID: f.table.ID, Name: "visit_date", IsDateEvent: true}
	f.sex = &models.SourceField{TableID: f.table.ID, Name: "sex"}
	for _, field := range []*models.SourceField{f.personID, f.dateEvent, f.sex} {
		require.NoError(t, repo.CreateField(ctx, field))
	}
	require.NoError(t, repo.SetLinkage(ctx, f.table.ID, &f.personID.ID, &f.dateEvent.ID))

	f.male = &models.SourceValue{FieldID: f.sex.ID, Value: "M", Frequency: 120}
	f.female = &models.SourceValue{FieldID: f.sex.ID, Value: "F", Frequency: 130}
	require.NoError(t, repo.CreateValue(ctx, f.male))
	require.NoError(t, repo.CreateValue(ctx, f.female))
	return f
}
