package services

import (
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"strings"
)

// DictionaryCSVHeader names the columns ReadDictionaryCSV understands. The
// value column is optional; the others are required. Column order is free.
var DictionaryCSVHeader = []string{"field", "value", "vocabulary_id", "code"}

// ReadDictionaryCSV parses a data dictionary with a header row. Blank lines
// are skipped.
func ReadDictionaryCSV(r io.Reader) ([]DictionaryEntry, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if errors.Is(err, io.EOF) {
		return nil, errors.New("dictionary is empty")
	}
	if err != nil {
		return nil, fmt.Errorf("read dictionary header: %w", err)
	}
	col := make(map[string]int, len(header))
	for i, name := range header {
		col[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, required := range []string{"field", "vocabulary_id", "code"} {
		if _, ok := col[required]; !ok {
			return nil, fmt.Errorf("dictionary header has no %q column", required)
		}
	}

	cell := func(record []string, name string) string {
		i, ok := col[name]
		if !ok || i >= len(record) {
			return ""
		}
		return strings.TrimSpace(record[i])
	}

	var entries []DictionaryEntry
	for {
		record, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("read dictionary: %w", err)
		}
		if len(record) == 1 && strings.TrimSpace(record[0]) == "" {
			continue
		}
		entry := DictionaryEntry{
			Field:        cell(record, "field"),
			Value:        cell(record, "value"),
			VocabularyID: cell(record, "vocabulary_id"),
			Code:         cell(record, "code"),
		}
		if entry.Field == "" {
			line, _ := cr.FieldPos(0)
			return nil, fmt.Errorf("dictionary line %d: field is empty", line)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}
