package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/config"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/retry"
)

type generationHarness struct {
	service RuleGenerationService
	tracker JobTracker
	locker  ScopeLocker
	jobs    *fakeJobRepository
	assocs  *fakeAssociationRepository
	rules   *fakeMappingRuleRepository
	vocab   *fakeVocabulary
	sources *fakeScanReportRepository
}

func noopScopeContext(ctx context.Context) (context.Context, func(), error) {
	return ctx, func() {}, nil
}

func newGenerationHarness(t *testing.T, tune func(cfg *config.GenerationConfig)) *generationHarness {
	t.Helper()

	cfg := config.DefaultGeneration()
	if tune != nil {
		tune(&cfg)
	}

	logger := zap.NewNop()
	h := &generationHarness{
		jobs:    newFakeJobRepository(),
		assocs:  newFakeAssociationRepository(),
		rules:   newFakeMappingRuleRepository(),
		vocab:   newFakeVocabulary(),
		sources: &fakeScanReportRepository{sources: map[int64]*models.SourceContext{testScopeID: testSourceContext()}},
		locker:  NewScopeLocker(nil, 0, logger),
	}
	h.tracker = NewJobTracker(h.jobs, logger)

	service, err := NewRuleGenerationService(RuleGenerationDeps{
		ScanReports:  h.sources,
		Associations: h.assocs,
		Rules:        h.rules,
		Vocabulary:   h.vocab,
		Tracker:      h.tracker,
		Locker:       h.locker,
		ScopeContext: noopScopeContext,
		Config:       cfg,
	}, logger)
	require.NoError(t, err)
	h.service = service
	return h
}

func (h *generationHarness) addAssociation(t *testing.T, assoc models.ConceptAssociation) {
	t.Helper()
	require.NoError(t, h.assocs.Create(context.Background(), &assoc))
}

// addConditions adds n value associations, each to its own standard Condition concept.
func (h *generationHarness) addConditions(t *testing.T, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		conceptID := int64(1_000_000 + i)
		h.vocab.concepts[conceptID] = standardConcept(conceptID, "Condition")
		h.addAssociation(t, valueAssociation(i, "diagnosis", fmt.Sprintf("code-%d", i), conceptID))
	}
}

func (h *generationHarness) jobStatus(t *testing.T) *models.JobStatusView {
	t.Helper()
	view, err := h.tracker.GetStatus(context.Background(), testScopeID)
	require.NoError(t, err)
	return view
}

// conceptValues returns the set of concept ids written as fixed rule values.
func (h *generationHarness) conceptValues(t *testing.T) map[int64]bool {
	t.Helper()
	rules, err := h.rules.ListByScope(context.Background(), testScopeID)
	require.NoError(t, err)
	out := make(map[int64]bool)
	for _, r := range rules {
		if r.DestinationValue != nil {
			out[*r.DestinationValue] = true
		}
	}
	return out
}

func TestRuleGeneration_EmptyScopeRunsOnePage(t *testing.T) {
	h := newGenerationHarness(t, nil)

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStateComplete, summary.State)
	assert.Equal(t, 1, summary.Pages)
	assert.Equal(t, 0, summary.RulesGenerated)
	assert.Equal(t, 1, h.rules.saveCalls)

	view := h.jobStatus(t)
	assert.Equal(t, models.JobStageGenerateRules, view.Stage)
	assert.Equal(t, models.JobStatusComplete, view.Status)
	assert.Equal(t, "Generated 0 rules from 1 page; skipped 0, failed 0", view.Details)

	statuses := h.jobs.statuses()
	require.NotEmpty(t, statuses)
	assert.Equal(t, models.JobStatusPending, statuses[0])
	assert.Equal(t, models.JobStatusComplete, statuses[len(statuses)-1])
}

func TestRuleGeneration_FailedPageKeepsOtherPages(t *testing.T) {
	h := newGenerationHarness(t, func(cfg *config.GenerationConfig) {
		cfg.PageSize = 1000
	})
	h.addConditions(t, 2500)

	first, last := assocID(1001), assocID(2000)
	h.rules.saveErr = func(chunks [][][]models.MappingRule) error {
		for _, chunk := range chunks {
			for _, page := range chunk {
				for _, r := range page {
					if bytes.Compare(r.AssociationID[:], first[:]) >= 0 && bytes.Compare(r.AssociationID[:], last[:]) <= 0 {
						return retry.Permanent(errors.New("rule store rejected batch"))
					}
				}
			}
		}
		return nil
	}

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStateFailed, summary.State)
	assert.Equal(t, 2500, summary.Resolved)
	assert.Equal(t, 3, summary.Pages)
	assert.Equal(t, []int{2}, summary.FailedPages)
	assert.Equal(t, 1000, summary.Failed)
	assert.Equal(t, 3, h.rules.saveCalls, "permanent failures are not retried")

	// 4 linkage and source value rules plus a concept and source concept rule per concept.
	assert.Equal(t, 4+2*1500, summary.RulesGenerated)

	values := h.conceptValues(t)
	assert.True(t, values[1_000_001])
	assert.True(t, values[1_001_000])
	assert.False(t, values[1_001_001])
	assert.False(t, values[1_002_000])
	assert.True(t, values[1_002_001])
	assert.True(t, values[1_002_500])

	view := h.jobStatus(t)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	assert.Equal(t, "Generated 3004 rules from 3 pages; skipped 0, failed 1000; failed page: 2", view.Details)
}

func TestRuleGeneration_SentinelIsSkippedNotFailed(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.vocab.concepts[8507] = standardConcept(8507, "Gender")
	h.addAssociation(t, valueAssociation(1, "sex", "M", 8507))
	h.addAssociation(t, valueAssociation(2, "sex", "U", models.UnresolvedConceptID))

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStateComplete, summary.State)
	assert.Equal(t, 2, summary.Associations)
	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 0, summary.Failed)
	assert.Empty(t, summary.Errors)

	assert.Contains(t, h.assocs.resolutions, assocID(1))
	assert.NotContains(t, h.assocs.resolutions, assocID(2))
	assert.Equal(t, models.JobStatusComplete, h.jobStatus(t).Status)
}

func TestRuleGeneration_IgnoredFieldIsSkipped(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.addConditions(t, 1)
	ignored := fieldAssociation(2, "notes", 1_000_001)
	field := ignored.Source.(models.FieldSource)
	field.Field.IsIgnored = true
	ignored.Source = field
	h.addAssociation(t, ignored)

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStateComplete, summary.State)
	assert.Equal(t, 1, summary.Resolved)
	assert.Equal(t, 1, summary.Skipped)
	assert.NotContains(t, h.assocs.resolutions, assocID(2))

	rules, err := h.rules.ListByScope(context.Background(), testScopeID)
	require.NoError(t, err)
	for _, r := range rules {
		assert.NotEqual(t, "notes", r.SourceFieldName())
	}
}

func TestRuleGeneration_FanOutAndMiss(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.vocab.concepts[44] = nonStandardConcept(44, "Condition")
	h.vocab.concepts[45] = nonStandardConcept(45, "Condition")
	for _, id := range []int64{255573, 317009, 4051466} {
		h.vocab.concepts[id] = standardConcept(id, "Condition")
	}
	h.vocab.addMapsTo(44, 255573, 317009, 4051466)
	h.addAssociation(t, valueAssociation(1, "diagnosis", "asthma", 44))
	h.addAssociation(t, valueAssociation(2, "diagnosis", "unknown", 45))

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStateComplete, summary.State)
	assert.Equal(t, 3, summary.Resolved)
	assert.Equal(t, 1, summary.Unmapped)

	values := h.conceptValues(t)
	assert.True(t, values[255573])
	assert.True(t, values[317009])
	assert.True(t, values[4051466])
	assert.True(t, values[44], "source concept rules keep the original concept")

	miss := h.assocs.resolutions[assocID(2)]
	assert.Equal(t, models.AssociationMiss, miss.Status)
	assert.Equal(t, models.UnresolvedConceptID, miss.ConceptID)
	require.NotNil(t, miss.Note)
	assert.Contains(t, *miss.Note, "concept 45 (")
	assert.Contains(t, *miss.Note, "no standard equivalent")
	hit := h.assocs.resolutions[assocID(1)]
	assert.Equal(t, models.AssociationResolved, hit.Status)
	assert.Equal(t, int64(44), hit.ConceptID)

	assert.Contains(t, h.jobStatus(t).Details, "unmapped 1")

	// The missed association now carries the sentinel, so the next run skips it.
	again, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)
	assert.Equal(t, 0, again.Unmapped)
	assert.Equal(t, 1, again.Skipped)
	assert.Equal(t, 3, again.Resolved)
}

func TestRuleGeneration_BlankLookupKeyFailsRun(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.addConditions(t, 2)
	h.addAssociation(t, valueAssociation(3, "diagnosis", "  ", 1_000_001))

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStateFailed, summary.State)
	assert.Equal(t, 1, summary.Failed)
	assert.Equal(t, 2, summary.Resolved)
	require.Len(t, summary.Errors, 1)
	assert.Contains(t, summary.Errors[0], apperrors.ErrBlankLookupKey.Error())

	values := h.conceptValues(t)
	assert.True(t, values[1_000_001])
	assert.True(t, values[1_000_002])
	assert.Equal(t, models.JobStatusFailed, h.jobStatus(t).Status)
}

func TestRuleGeneration_MissingLinkageSkipsConcepts(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.sources.sources[testScopeID].DateEvent = nil
	h.addConditions(t, 3)

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)

	assert.Equal(t, models.RunStateComplete, summary.State)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, 0, summary.RulesGenerated)
}

func TestRuleGeneration_ResetsExistingRules(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.addConditions(t, 1)

	stale := models.MappingRule{
		ScopeID: testScopeID, AssociationID: assocID(99), SourceTable: "visits",
		DestinationTable: "observation", DestinationField: "observation_concept_id", DestinationValue: int64Ptr(1),
	}
	stale.AssignID()
	_, err := h.rules.SaveChunks(context.Background(), [][][]models.MappingRule{{{stale}}})
	require.NoError(t, err)

	_, err = h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)
	first, err := h.rules.ListByScope(context.Background(), testScopeID)
	require.NoError(t, err)

	_, err = h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)
	second, err := h.rules.ListByScope(context.Background(), testScopeID)
	require.NoError(t, err)

	assert.NotContains(t, first, stale)
	assert.Equal(t, first, second)
}

func TestRuleGeneration_ScopeLocked(t *testing.T) {
	h := newGenerationHarness(t, nil)

	_, release, err := h.locker.Acquire(context.Background(), testScopeID)
	require.NoError(t, err)
	defer release()

	_, err = h.service.Run(context.Background(), testScopeID)
	assert.ErrorIs(t, err, apperrors.ErrScopeLocked)

	_, err = h.tracker.GetStatus(context.Background(), testScopeID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound, "a locked-out run creates no job")
}

// lostLocker grants the lock but reports it lost straight away, as when the
// lock expires or another run takes it over.
type lostLocker struct{}

func (lostLocker) Acquire(ctx context.Context, scopeID int64) (context.Context, func(), error) {
	lockCtx, lost := context.WithCancelCause(ctx)
	lost(fmt.Errorf("scope %d: %w", scopeID, apperrors.ErrScopeLockLost))
	return lockCtx, func() {}, nil
}

func TestRuleGeneration_LostLockFailsRun(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.addConditions(t, 2)

	service, err := NewRuleGenerationService(RuleGenerationDeps{
		ScanReports:  h.sources,
		Associations: h.assocs,
		Rules:        h.rules,
		Vocabulary:   h.vocab,
		Tracker:      h.tracker,
		Locker:       lostLocker{},
		ScopeContext: noopScopeContext,
		Config:       config.DefaultGeneration(),
	}, zap.NewNop())
	require.NoError(t, err)

	summary, err := service.Run(context.Background(), testScopeID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrScopeLockLost)
	assert.Equal(t, models.RunStateFailed, summary.State)

	view := h.jobStatus(t)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	assert.Contains(t, view.Details, "scope lock lost")
}

func TestRuleGeneration_UnknownScopeFailsJob(t *testing.T) {
	h := newGenerationHarness(t, nil)
	delete(h.sources.sources, testScopeID)

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.Error(t, err)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	assert.Equal(t, models.RunStateFailed, summary.State)

	view := h.jobStatus(t)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	assert.Equal(t, "Generated 0 rules from 0 pages; skipped 0, failed 0; rule generation failed: "+err.Error(), view.Details)
}

func TestRuleGeneration_VocabularyErrorKeepsCountsInDetail(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.addConditions(t, 2)
	h.addAssociation(t, valueAssociation(3, "sex", "U", models.UnresolvedConceptID))
	h.vocab.err = errors.New("vocabulary database unavailable")

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.Error(t, err)
	assert.ErrorContains(t, err, "vocabulary database unavailable")
	assert.Equal(t, models.RunStateFailed, summary.State)
	assert.Equal(t, 3, summary.Associations)

	view := h.jobStatus(t)
	assert.Equal(t, models.JobStatusFailed, view.Status)
	assert.True(t, strings.HasPrefix(view.Details, "Generated 0 rules from 0 pages; skipped 0, failed 0; rule generation failed: "),
		"detail %q keeps the run counts", view.Details)
	assert.Contains(t, view.Details, "vocabulary database unavailable")
}

func TestRuleGeneration_ProcessPageIsReplayable(t *testing.T) {
	h := newGenerationHarness(t, func(cfg *config.GenerationConfig) {
		cfg.PageSize = 2
	})
	h.addConditions(t, 5)

	summary, err := h.service.Run(context.Background(), testScopeID)
	require.NoError(t, err)
	require.Equal(t, 3, summary.Pages)
	before, err := h.rules.ListByScope(context.Background(), testScopeID)
	require.NoError(t, err)

	msg := models.PageMessage{ScopeID: testScopeID, PageNum: 2, PageSize: 2}
	for i := 0; i < 2; i++ {
		result, err := h.service.ProcessPage(context.Background(), msg)
		require.NoError(t, err)
		assert.Equal(t, 2, result.PageNum)
		// 4 shared rules plus 2 per concept on the page.
		assert.Equal(t, 8, result.RulesGenerated)
	}

	after, err := h.rules.ListByScope(context.Background(), testScopeID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestRuleGeneration_ProcessPageRejectsBadMessages(t *testing.T) {
	h := newGenerationHarness(t, nil)
	h.addConditions(t, 3)

	_, err := h.service.ProcessPage(context.Background(), models.PageMessage{ScopeID: testScopeID, PageNum: 0, PageSize: 10})
	assert.Error(t, err)

	_, err = h.service.ProcessPage(context.Background(), models.PageMessage{ScopeID: testScopeID, PageNum: 2, PageSize: 10})
	assert.ErrorContains(t, err, "out of range")

	result, err := h.service.ProcessPage(context.Background(), models.PageMessage{ScopeID: testScopeID, PageNum: 1, PageSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 4+2*3, result.RulesGenerated)
}

func TestRunDetail(t *testing.T) {
	assert.Equal(t, "Generated 1 rule from 1 page; skipped 0, failed 0",
		runDetail(&models.RunSummary{RulesGenerated: 1, Pages: 1}))
	assert.Equal(t, "Generated 10 rules from 4 pages; skipped 2, failed 7, unmapped 3; failed pages: 2, 4",
		runDetail(&models.RunSummary{RulesGenerated: 10, Pages: 4, Skipped: 2, Failed: 7, Unmapped: 3, FailedPages: []int{2, 4}}))
}
