package services

import (
	"context"
	"sort"
	"sync"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
)

// fakeVocabulary is an in-memory VocabularyRepository that counts calls.
type fakeVocabulary struct {
	mu        sync.Mutex
	concepts  map[int64]models.Concept
	mapsTo    map[int64][]int64
	strengths map[int64][]models.DrugStrength

	err error

	getConceptsCalls int
	equivalentCalls  int
}

var _ repositories.VocabularyRepository = (*fakeVocabulary)(nil)

func newFakeVocabulary(concepts ...models.Concept) *fakeVocabulary {
	v := &fakeVocabulary{
		concepts:  make(map[int64]models.Concept),
		mapsTo:    make(map[int64][]int64),
		strengths: make(map[int64][]models.DrugStrength),
	}
	for _, c := range concepts {
		v.concepts[c.ID] = c
	}
	return v
}

func (v *fakeVocabulary) addMapsTo(from int64, to ...int64) {
	v.mapsTo[from] = append(v.mapsTo[from], to...)
}

func (v *fakeVocabulary) GetConcepts(_ context.Context, ids []int64) (map[int64]*models.Concept, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.getConceptsCalls++
	if v.err != nil {
		return nil, v.err
	}
	out := make(map[int64]*models.Concept)
	for _, id := range ids {
		if c, ok := v.concepts[id]; ok {
			c := c
			out[id] = &c
		}
	}
	return out, nil
}

func (v *fakeVocabulary) GetStandardEquivalents(_ context.Context, conceptID int64) ([]models.Concept, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.equivalentCalls++
	if v.err != nil {
		return nil, v.err
	}
	var out []models.Concept
	for _, id := range v.mapsTo[conceptID] {
		if c, ok := v.concepts[id]; ok && c.IsStandard() {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (v *fakeVocabulary) GetConceptByCode(_ context.Context, vocabularyID, code string) (*models.Concept, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	for _, c := range v.concepts {
		if c.VocabularyID == vocabularyID && c.Code == code {
			c := c
			return &c, nil
		}
	}
	return nil, apperrors.ErrNotFound
}

func (v *fakeVocabulary) GetDrugStrengths(_ context.Context, drugConceptID int64) ([]models.DrugStrength, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if v.err != nil {
		return nil, v.err
	}
	return v.strengths[drugConceptID], nil
}
