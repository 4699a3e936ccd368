package services

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
)

// drugDomain is the concept domain whose concepts carry drug_strength rows.
const drugDomain = "Drug"

// prefetchBatchSize bounds the number of concept ids fetched per query when warming the cache.
const prefetchBatchSize = 1000

// ResolveOutcome is the result for one association of a ResolveAll call.
// Err is set for data-quality failures of that item only.
type ResolveOutcome struct {
	Association *models.ConceptAssociation
	Resolution  *models.Resolution
	Err         error
}

// ResolveProgressFunc receives the number of associations resolved so far.
// Calls are serialized.
type ResolveProgressFunc func(done, total int)

// ConceptResolver matches associations to standard concepts.
type ConceptResolver interface {
	// Resolve returns the standard concepts an association maps to.
	// The unresolved sentinel yields a skipped resolution and a non-standard
	// concept without standard equivalents yields a miss; neither is an error.
	// A blank lookup key returns apperrors.ErrBlankLookupKey.
	Resolve(ctx context.Context, assoc *models.ConceptAssociation) (*models.Resolution, error)

	// ResolveAll resolves associations concurrently and returns one outcome per
	// association in input order. Per-item data-quality errors are reported in
	// the outcome; any other error aborts the batch.
	ResolveAll(ctx context.Context, assocs []*models.ConceptAssociation, progress ResolveProgressFunc) ([]ResolveOutcome, error)

	// ResolveCode looks a concept up by vocabulary and code, as a data
	// dictionary import does. Returns apperrors.ErrNotFound for unknown codes.
	ResolveCode(ctx context.Context, vocabularyID, code string) (*models.Concept, error)
}

// ConceptResolverConfig tunes a ConceptResolver.
type ConceptResolverConfig struct {
	CacheTTL      time.Duration
	Workers       int
	ProgressEvery int
}

type conceptResolver struct {
	vocab         repositories.VocabularyRepository
	cache         *cache.Cache
	workers       int
	progressEvery int
	logger        *zap.Logger
}

// NewConceptResolver creates a resolver with its own lookup cache. Create one
// per run so cached vocabulary never outlives the run that loaded it; a
// long-lived resolver serves entries up to CacheTTL old.
func NewConceptResolver(vocab repositories.VocabularyRepository, cfg ConceptResolverConfig, logger *zap.Logger) ConceptResolver {
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	workers := cfg.Workers
	if workers < 1 {
		workers = 1
	}
	every := cfg.ProgressEvery
	if every < 1 {
		every = 1
	}
	return &conceptResolver{
		vocab:         vocab,
		cache:         cache.New(ttl, ttl*2),
		workers:       workers,
		progressEvery: every,
		logger:        logger.Named("concept-resolver"),
	}
}

var _ ConceptResolver = (*conceptResolver)(nil)

func (r *conceptResolver) Resolve(ctx context.Context, assoc *models.ConceptAssociation) (*models.Resolution, error) {
	if assoc.IsUnresolved() {
		return &models.Resolution{Outcome: models.ResolutionSkipped}, nil
	}
	if ignoredSource(assoc) {
		return &models.Resolution{
			Outcome: models.ResolutionSkipped,
			Note:    fmt.Sprintf("field %s is ignored", assoc.Source.SourceField().Name),
		}, nil
	}
	if assoc.Source == nil || strings.TrimSpace(assoc.Source.LookupKey()) == "" {
		return nil, fmt.Errorf("association %s: empty source: %w", assoc.ID, apperrors.ErrBlankLookupKey)
	}
	if assoc.ConceptID < models.UnresolvedConceptID {
		return nil, fmt.Errorf("association %s: concept id %d: %w", assoc.ID, assoc.ConceptID, apperrors.ErrBlankLookupKey)
	}

	concept, err := r.getConcept(ctx, assoc.ConceptID)
	if err != nil {
		return nil, err
	}
	if concept == nil {
		return &models.Resolution{
			Outcome: models.ResolutionMiss,
			Note:    fmt.Sprintf("concept %d not found in vocabulary", assoc.ConceptID),
		}, nil
	}

	targets := []models.Concept{*concept}
	if !concept.IsStandard() {
		targets, err = r.getStandardEquivalents(ctx, concept.ID)
		if err != nil {
			return nil, err
		}
		if len(targets) == 0 {
			return &models.Resolution{
				Outcome: models.ResolutionMiss,
				Note:    fmt.Sprintf("concept %d (%s) has no standard equivalent", concept.ID, concept.Name),
			}, nil
		}
	}

	resolution := &models.Resolution{
		Outcome:  models.ResolutionResolved,
		Resolved: make([]models.ResolvedConcept, 0, len(targets)),
	}
	for _, target := range targets {
		resolved := models.ResolvedConcept{
			Association:     *assoc,
			Concept:         target,
			SourceConceptID: concept.ID,
		}
		if target.DomainID == drugDomain {
			if resolved.Strengths, err = r.getDrugStrengths(ctx, target.ID); err != nil {
				return nil, err
			}
		}
		resolution.Resolved = append(resolution.Resolved, resolved)
	}
	return resolution, nil
}

func (r *conceptResolver) ResolveAll(ctx context.Context, assocs []*models.ConceptAssociation, progress ResolveProgressFunc) ([]ResolveOutcome, error) {
	outcomes := make([]ResolveOutcome, len(assocs))
	if len(assocs) == 0 {
		return outcomes, nil
	}

	if err := r.prefetch(ctx, assocs); err != nil {
		return nil, err
	}

	var (
		mu    sync.Mutex
		done  int
		total = len(assocs)
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, assoc := range assocs {
		g.Go(func() error {
			resolution, err := r.Resolve(gctx, assoc)
			outcomes[i] = ResolveOutcome{Association: assoc, Resolution: resolution}
			if err != nil {
				if !errors.Is(err, apperrors.ErrBlankLookupKey) {
					return fmt.Errorf("resolve association %s: %w", assoc.ID, err)
				}
				outcomes[i].Err = err
			}

			mu.Lock()
			done++
			if progress != nil && (done%r.progressEvery == 0 || done == total) {
				progress(done, total)
			}
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (r *conceptResolver) ResolveCode(ctx context.Context, vocabularyID, code string) (*models.Concept, error) {
	vocabularyID, code = strings.TrimSpace(vocabularyID), strings.TrimSpace(code)
	if vocabularyID == "" || code == "" {
		return nil, fmt.Errorf("vocabulary %q code %q: %w", vocabularyID, code, apperrors.ErrBlankLookupKey)
	}

	key := "code:" + vocabularyID + "|" + code
	if cached, found := r.cache.Get(key); found {
		return cached.(*models.Concept), nil
	}

	concept, err := r.vocab.GetConceptByCode(ctx, vocabularyID, code)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, concept, cache.DefaultExpiration)
	return concept, nil
}

// prefetch loads every referenced concept in a few batched queries so the
// concurrent lookups that follow hit the cache.
func (r *conceptResolver) prefetch(ctx context.Context, assocs []*models.ConceptAssociation) error {
	seen := make(map[int64]struct{})
	var ids []int64
	for _, a := range assocs {
		if a.ConceptID < 0 || ignoredSource(a) {
			continue
		}
		if _, ok := seen[a.ConceptID]; ok {
			continue
		}
		if _, cached := r.cache.Get(conceptKey(a.ConceptID)); cached {
			continue
		}
		seen[a.ConceptID] = struct{}{}
		ids = append(ids, a.ConceptID)
	}

	for start := 0; start < len(ids); start += prefetchBatchSize {
		end := min(start+prefetchBatchSize, len(ids))
		batch := ids[start:end]

		concepts, err := r.vocab.GetConcepts(ctx, batch)
		if err != nil {
			return fmt.Errorf("prefetch concepts: %w", err)
		}
		for _, id := range batch {
			// absent concepts are cached as nil so they are not queried again
			r.cache.Set(conceptKey(id), concepts[id], cache.DefaultExpiration)
		}
	}

	r.logger.Debug("Prefetched concepts",
		zap.Int("associations", len(assocs)),
		zap.Int("concepts", len(ids)))
	return nil
}

// ignoredSource reports whether the association hangs off a field the scan
// report marks as ignored.
func ignoredSource(assoc *models.ConceptAssociation) bool {
	return assoc.Source != nil && assoc.Source.SourceField().IsIgnored
}

func conceptKey(id int64) string {
	return "concept:" + strconv.FormatInt(id, 10)
}

func (r *conceptResolver) getConcept(ctx context.Context, id int64) (*models.Concept, error) {
	key := conceptKey(id)
	if cached, found := r.cache.Get(key); found {
		return cached.(*models.Concept), nil
	}

	concepts, err := r.vocab.GetConcepts(ctx, []int64{id})
	if err != nil {
		return nil, fmt.Errorf("get concept %d: %w", id, err)
	}
	concept := concepts[id]
	r.cache.Set(key, concept, cache.DefaultExpiration)
	return concept, nil
}

func (r *conceptResolver) getStandardEquivalents(ctx context.Context, id int64) ([]models.Concept, error) {
	key := "mapsto:" + strconv.FormatInt(id, 10)
	if cached, found := r.cache.Get(key); found {
		return cached.([]models.Concept), nil
	}

	equivalents, err := r.vocab.GetStandardEquivalents(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, equivalents, cache.DefaultExpiration)
	return equivalents, nil
}

func (r *conceptResolver) getDrugStrengths(ctx context.Context, id int64) ([]models.DrugStrength, error) {
	key := "strength:" + strconv.FormatInt(id, 10)
	if cached, found := r.cache.Get(key); found {
		return cached.([]models.DrugStrength), nil
	}

	strengths, err := r.vocab.GetDrugStrengths(ctx, id)
	if err != nil {
		return nil, err
	}
	r.cache.Set(key, strengths, cache.DefaultExpiration)
	return strengths, nil
}
