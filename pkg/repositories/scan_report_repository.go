package repositories

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
)

// ScanReportRepository provides data access for scan report tables, fields and values.
// Rows are written by the ingestion side; rule generation only reads them.
type ScanReportRepository interface {
	CreateTable(ctx context.Context, table *models.SourceTable) error
	CreateField(ctx context.Context, field *models.SourceField) error
	CreateValue(ctx context.Context, value *models.SourceValue) error
	SetLinkage(ctx context.Context, tableID int64, personIDFieldID, dateEventFieldID *int64) error

	GetTable(ctx context.Context, tableID int64) (*models.SourceTable, error)
	GetField(ctx context.Context, fieldID int64) (*models.SourceField, error)
	GetValue(ctx context.Context, valueID int64) (*models.SourceValue, error)

	// ListFields returns the fields of a table ordered by id.
	ListFields(ctx context.Context, tableID int64) ([]*models.SourceField, error)
	// ListValues returns the observed values of a field ordered by id.
	ListValues(ctx context.Context, fieldID int64) ([]*models.SourceValue, error)

	// GetSourceContext returns the table with its linkage fields resolved.
	GetSourceContext(ctx context.Context, tableID int64) (*models.SourceContext, error)
}

type scanReportRepository struct{}

// NewScanReportRepository creates a new ScanReportRepository.
func NewScanReportRepository() ScanReportRepository {
	return &scanReportRepository{}
}

var _ ScanReportRepository = (*scanReportRepository)(nil)

func (r *scanReportRepository) CreateTable(ctx context.Context, table *models.SourceTable) error {
	conn, err := scopeConn(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scan_report_tables (scan_report_id, name, person_id_field_id, date_event_field_id)
		VALUES ($1, $2, $3, $4)
		RETURNING id, created_at, updated_at`

	err = conn.QueryRow(ctx, query,
		table.ScanReportID,
		table.Name,
		table.PersonIDFieldID,
		table.DateEventFieldID,
	).Scan(&table.ID, &table.CreatedAt, &table.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("table %q already exists in scan report %d: %w", table.Name, table.ScanReportID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create scan report table: %w", err)
	}
	return nil
}

func (r *scanReportRepository) CreateField(ctx context.Context, field *models.SourceField) error {
	conn, err := scopeConn(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scan_report_fields (table_id, name, is_identifier, is_date_event, is_ignored)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id`

	err = conn.QueryRow(ctx, query,
		field.TableID,
		field.Name,
		field.IsIdentifier,
		field.IsDateEvent,
		field.IsIgnored,
	).Scan(&field.ID)
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("field %q already exists in table %d: %w", field.Name, field.TableID, apperrors.ErrConflict)
		}
		return fmt.Errorf("failed to create scan report field: %w", err)
	}
	return nil
}

func (r *scanReportRepository) CreateValue(ctx context.Context, value *models.SourceValue) error {
	conn, err := scopeConn(ctx)
	if err != nil {
		return err
	}

	query := `
		INSERT INTO scan_report_values (field_id, value, frequency, description)
		VALUES ($1, $2, $3, $4)
		RETURNING id`

	err = conn.QueryRow(ctx, query,
		value.FieldID,
		value.Value,
		value.Frequency,
		value.Description,
	).Scan(&value.ID)
	if err != nil {
		return fmt.Errorf("failed to create scan report value: %w", err)
	}
	return nil
}

func (r *scanReportRepository) SetLinkage(ctx context.Context, tableID int64, personIDFieldID, dateEventFieldID *int64) error {
	conn, err := scopeConn(ctx)
	if err != nil {
		return err
	}

	query := `
		UPDATE scan_report_tables
		SET person_id_field_id = $2, date_event_field_id = $3, updated_at = now()
		WHERE id = $1`

	tag, err := conn.Exec(ctx, query, tableID, personIDFieldID, dateEventFieldID)
	if err != nil {
		return fmt.Errorf("failed to set table linkage: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apperrors.ErrNotFound
	}
	return nil
}

func (r *scanReportRepository) GetTable(ctx context.Context, tableID int64) (*models.SourceTable, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, scan_report_id, name, person_id_field_id, date_event_field_id, created_at, updated_at
		FROM scan_report_tables
		WHERE id = $1`

	var t models.SourceTable
	err = conn.QueryRow(ctx, query, tableID).Scan(
		&t.ID, &t.ScanReportID, &t.Name, &t.PersonIDFieldID, &t.DateEventFieldID, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scan report table: %w", err)
	}
	return &t, nil
}

func (r *scanReportRepository) GetField(ctx context.Context, fieldID int64) (*models.SourceField, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, table_id, name, is_identifier, is_date_event, is_ignored
		FROM scan_report_fields
		WHERE id = $1`

	var f models.SourceField
	err = conn.QueryRow(ctx, query, fieldID).Scan(
		&f.ID, &f.TableID, &f.Name, &f.IsIdentifier, &f.IsDateEvent, &f.IsIgnored,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scan report field: %w", err)
	}
	return &f, nil
}

func (r *scanReportRepository) GetValue(ctx context.Context, valueID int64) (*models.SourceValue, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, field_id, value, frequency, description
		FROM scan_report_values
		WHERE id = $1`

	var v models.SourceValue
	err = conn.QueryRow(ctx, query, valueID).Scan(&v.ID, &v.FieldID, &v.Value, &v.Frequency, &v.Description)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apperrors.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get scan report value: %w", err)
	}
	return &v, nil
}

func (r *scanReportRepository) ListFields(ctx context.Context, tableID int64) ([]*models.SourceField, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, table_id, name, is_identifier, is_date_event, is_ignored
		FROM scan_report_fields
		WHERE table_id = $1
		ORDER BY id`

	rows, err := conn.Query(ctx, query, tableID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan report fields: %w", err)
	}
	defer rows.Close()

	var fields []*models.SourceField
	for rows.Next() {
		var f models.SourceField
		if err := rows.Scan(&f.ID, &f.TableID, &f.Name, &f.IsIdentifier, &f.IsDateEvent, &f.IsIgnored); err != nil {
			return nil, fmt.Errorf("failed to scan scan report field: %w", err)
		}
		fields = append(fields, &f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan report fields: %w", err)
	}
	return fields, nil
}

func (r *scanReportRepository) ListValues(ctx context.Context, fieldID int64) ([]*models.SourceValue, error) {
	conn, err := scopeConn(ctx)
	if err != nil {
		return nil, err
	}

	query := `
		SELECT id, field_id, value, frequency, description
		FROM scan_report_values
		WHERE field_id = $1
		ORDER BY id`

	rows, err := conn.Query(ctx, query, fieldID)
	if err != nil {
		return nil, fmt.Errorf("failed to list scan report values: %w", err)
	}
	defer rows.Close()

	var values []*models.SourceValue
	for rows.Next() {
		var v models.SourceValue
		if err := rows.Scan(&v.ID, &v.FieldID, &v.Value, &v.Frequency, &v.Description); err != nil {
			return nil, fmt.Errorf("failed to scan scan report value: %w", err)
		}
		values = append(values, &v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating scan report values: %w", err)
	}
	return values, nil
}

func (r *scanReportRepository) GetSourceContext(ctx context.Context, tableID int64) (*models.SourceContext, error) {
	table, err := r.GetTable(ctx, tableID)
	if err != nil {
		return nil, err
	}

	source := &models.SourceContext{Table: *table}
	if table.PersonIDFieldID != nil {
		if source.PersonID, err = r.GetField(ctx, *table.PersonIDFieldID); err != nil {
			return nil, fmt.Errorf("person id field: %w", err)
		}
	}
	if table.DateEventFieldID != nil {
		if source.DateEvent, err = r.GetField(ctx, *table.DateEventFieldID); err != nil {
			return nil, fmt.Errorf("date event field: %w", err)
		}
	}
	return source, nil
}
