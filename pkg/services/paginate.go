package services

import (
	"encoding/json"
	"fmt"
)

// PageCount returns how many pages of pageSize are needed for count items.
// It never returns less than one so an empty scope still runs a single page.
func PageCount(count, pageSize int) int {
	if pageSize < 1 || count <= 0 {
		return 1
	}
	return (count + pageSize - 1) / pageSize
}

// Paginate splits items into consecutive pages whose JSON array encoding stays
// under maxSerializedSize bytes. Order is preserved. An item that is too large
// on its own gets a page to itself.
//
// The size of a page is tracked incrementally as 2 + sum(itemSize) + (n-1),
// which is exactly len(json.Marshal(page)) for a slice of the same items.
func Paginate[T any](items []T, maxSerializedSize int) ([][]T, error) {
	if maxSerializedSize < 1 {
		return nil, fmt.Errorf("max serialized size must be positive, got %d", maxSerializedSize)
	}
	if len(items) == 0 {
		return nil, nil
	}

	var (
		pages    [][]T
		current  []T
		pageSize int
	)
	for i, item := range items {
		encoded, err := json.Marshal(item)
		if err != nil {
			return nil, fmt.Errorf("serialize item %d: %w", i, err)
		}
		itemSize := len(encoded)

		if len(current) == 0 {
			current = append(current, item)
			pageSize = 2 + itemSize
			continue
		}

		if pageSize+1+itemSize >= maxSerializedSize {
			pages = append(pages, current)
			current = []T{item}
			pageSize = 2 + itemSize
			continue
		}

		current = append(current, item)
		pageSize += 1 + itemSize
	}
	pages = append(pages, current)
	return pages, nil
}

// Chunk groups pages into chunks of at most pagesPerChunk pages. The last chunk
// may be partial.
func Chunk[T any](pages [][]T, pagesPerChunk int) [][][]T {
	if pagesPerChunk < 1 {
		pagesPerChunk = 1
	}
	var chunks [][][]T
	for start := 0; start < len(pages); start += pagesPerChunk {
		end := start + pagesPerChunk
		if end > len(pages) {
			end = len(pages)
		}
		chunks = append(chunks, pages[start:end])
	}
	return chunks
}
