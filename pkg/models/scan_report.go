package models

import "time"

// SourceTable is one table of a scan report. It is the unit of rule regeneration (a scope).
type SourceTable struct {
	ID           int64  `json:"id"`
	ScanReportID int64  `json:"scan_report_id"`
	Name         string `json:"name"`

	// Designated linkage fields. Rules cannot be generated for a table missing either.
	PersonIDFieldID  *int64 `json:"person_id_field_id,omitempty"`
	DateEventFieldID *int64 `json:"date_event_field_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// SourceField is one column of a source table.
type SourceField struct {
	ID           int64  `json:"id"`
	TableID      int64  `json:"table_id"`
	Name         string `json:"name"`
	IsIdentifier bool   `json:"is_identifier"`
	IsDateEvent  bool   `json:"is_date_event"`
	IsIgnored    bool   `json:"is_ignored"`
}

// SourceValue is one distinct observed value of a source field.
type SourceValue struct {
	ID          int64   `json:"id"`
	FieldID     int64   `json:"field_id"`
	Value       string  `json:"value"`
	Frequency   int64   `json:"frequency"`
	Description *string `json:"description,omitempty"`
}

// SourceContext is everything the rule synthesizer needs to know about one scope:
// the table plus its resolved linkage fields.
type SourceContext struct {
	Table     SourceTable
	PersonID  *SourceField
	DateEvent *SourceField
}

// HasLinkage reports whether both linkage fields are set.
func (c *SourceContext) HasLinkage() bool {
	return c != nil && c.PersonID != nil && c.DateEvent != nil
}
