package services

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPageCount(t *testing.T) {
	assert.Equal(t, 1, PageCount(0, 1000))
	assert.Equal(t, 1, PageCount(1, 1000))
	assert.Equal(t, 1, PageCount(1000, 1000))
	assert.Equal(t, 2, PageCount(1001, 1000))
	assert.Equal(t, 3, PageCount(2500, 1000))
	assert.Equal(t, 1, PageCount(50, 0))
}

func TestPaginate_PreservesOrderAndBound(t *testing.T) {
	items := make([]string, 200)
	for i := range items {
		items[i] = strings.Repeat("x", i%17)
	}
	const limit = 120

	pages, err := Paginate(items, limit)
	require.NoError(t, err)

	var flattened []string
	for _, page := range pages {
		require.NotEmpty(t, page)
		encoded, err := json.Marshal(page)
		require.NoError(t, err)
		if len(page) > 1 {
			assert.Less(t, len(encoded), limit, "multi-item page exceeds limit")
		}
		flattened = append(flattened, page...)
	}
	assert.Equal(t, items, flattened)
}

func TestPaginate_MatchesReserializedBoundaries(t *testing.T) {
	items := []string{"alpha", "beta", "gamma", "delta", "epsilon", "zeta", "eta", "theta"}
	const limit = 30

	pages, err := Paginate(items, limit)
	require.NoError(t, err)

	// greedy reference that re-serializes the candidate page every time
	var want [][]string
	var current []string
	for _, item := range items {
		if len(current) == 0 {
			current = []string{item}
			continue
		}
		candidate := append(append([]string{}, current...), item)
		encoded, _ := json.Marshal(candidate)
		if len(encoded) >= limit {
			want = append(want, current)
			current = []string{item}
			continue
		}
		current = candidate
	}
	want = append(want, current)

	assert.Equal(t, want, pages)
}

func TestPaginate_OversizedItemGetsOwnPage(t *testing.T) {
	items := []string{"a", strings.Repeat("b", 100), "c"}

	pages, err := Paginate(items, 20)
	require.NoError(t, err)
	require.Len(t, pages, 3)
	assert.Equal(t, []string{strings.Repeat("b", 100)}, pages[1])
}

func TestPaginate_Deterministic(t *testing.T) {
	items := []int{1, 22, 333, 4444, 55555, 666666}

	first, err := Paginate(items, 12)
	require.NoError(t, err)
	second, err := Paginate(items, 12)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestPaginate_EdgeCases(t *testing.T) {
	pages, err := Paginate([]int{}, 10)
	require.NoError(t, err)
	assert.Empty(t, pages)

	_, err = Paginate([]int{1}, 0)
	assert.Error(t, err)

	_, err = Paginate([]any{make(chan int)}, 10)
	assert.Error(t, err)
}

func TestChunk(t *testing.T) {
	pages := [][]int{{1}, {2}, {3}, {4}, {5}}

	chunks := Chunk(pages, 2)
	require.Len(t, chunks, 3)
	assert.Equal(t, [][]int{{1}, {2}}, chunks[0])
	assert.Equal(t, [][]int{{5}}, chunks[2])

	assert.Len(t, Chunk(pages, 0), 5)
	assert.Empty(t, Chunk([][]int{}, 3))
}
