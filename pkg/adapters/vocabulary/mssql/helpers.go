package mssql

import (
	"fmt"
	"strings"
)

// maxParamsPerQuery stays below SQL Server's limit of 2100 parameters per request.
const maxParamsPerQuery = 1000

// quoteName brackets an identifier the way QUOTENAME() does, escaping ] as ]].
func quoteName(identifier string) string {
	return "[" + strings.ReplaceAll(identifier, "]", "]]") + "]"
}

// qualifiedName builds [schema].[table].
func qualifiedName(schema, table string) string {
	return fmt.Sprintf("%s.%s", quoteName(schema), quoteName(table))
}

// inPlaceholders returns "@p<first>, @p<first+1>, ..." for n parameters.
func inPlaceholders(first, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "@p%d", first+i)
	}
	return b.String()
}

// batchIDs splits ids into slices of at most size elements.
func batchIDs(ids []int64, size int) [][]int64 {
	if size < 1 {
		size = 1
	}
	var batches [][]int64
	for start := 0; start < len(ids); start += size {
		end := start + size
		if end > len(ids) {
			end = len(ids)
		}
		batches = append(batches, ids[start:end])
	}
	return batches
}
