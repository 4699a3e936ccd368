package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/jinzhu/inflection"
	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/config"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/database"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/metrics"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/omop"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/retry"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/services/workqueue"
)

// RuleGenerationService regenerates the mapping rules of a scope (one source table).
type RuleGenerationService interface {
	// Run deletes the scope's rules and regenerates them from its concept
	// associations. Only one run per scope executes at a time; a second caller
	// gets apperrors.ErrScopeLocked, and a run that loses its lock fails with
	// apperrors.ErrScopeLockLost. Page failures do not abort the run: the
	// summary lists them and the job ends FAILED with completed pages kept.
	Run(ctx context.Context, scopeID int64) (*models.RunSummary, error)

	// ProcessPage generates and stores the rules of a single page. It is safe
	// to call more than once for the same message.
	ProcessPage(ctx context.Context, msg models.PageMessage) (*models.PageResult, error)
}

// RuleGenerationDeps holds the collaborators of a RuleGenerationService.
type RuleGenerationDeps struct {
	ScanReports  repositories.ScanReportRepository
	Associations repositories.ConceptAssociationRepository
	Rules        repositories.MappingRuleRepository
	Vocabulary   repositories.VocabularyRepository
	Tracker      JobTracker
	Locker       ScopeLocker
	Definitions  *omop.Definitions
	ScopeContext database.ScopeContextFunc
	Metrics      *metrics.RuleGenerationMetrics // optional
	Config       config.GenerationConfig
	CacheTTL     time.Duration
	// PageBackoff overrides the initial retry backoff of page tasks (0 keeps the default).
	PageBackoff time.Duration
}

type ruleGenerationService struct {
	scanReports  repositories.ScanReportRepository
	associations repositories.ConceptAssociationRepository
	rules        repositories.MappingRuleRepository
	vocab        repositories.VocabularyRepository
	tracker      JobTracker
	locker       ScopeLocker
	defs         *omop.Definitions
	synth        RuleSynthesizer
	scopeCtx     database.ScopeContextFunc
	metrics      *metrics.RuleGenerationMetrics
	cfg          config.GenerationConfig
	cacheTTL     time.Duration
	pageBackoff  time.Duration
	logger       *zap.Logger
}

// NewRuleGenerationService creates a RuleGenerationService.
func NewRuleGenerationService(deps RuleGenerationDeps, logger *zap.Logger) (RuleGenerationService, error) {
	if deps.ScanReports == nil || deps.Associations == nil || deps.Rules == nil ||
		deps.Vocabulary == nil || deps.Tracker == nil || deps.Locker == nil || deps.ScopeContext == nil {
		return nil, errors.New("rule generation service: missing dependency")
	}
	if err := deps.Config.Validate(); err != nil {
		return nil, fmt.Errorf("rule generation service: %w", err)
	}
	defs := deps.Definitions
	if defs == nil {
		defs = omop.Default()
	}
	return &ruleGenerationService{
		scanReports:  deps.ScanReports,
		associations: deps.Associations,
		rules:        deps.Rules,
		vocab:        deps.Vocabulary,
		tracker:      deps.Tracker,
		locker:       deps.Locker,
		defs:         defs,
		synth:        NewRuleSynthesizer(defs),
		scopeCtx:     deps.ScopeContext,
		metrics:      deps.Metrics,
		cfg:          deps.Config,
		cacheTTL:     deps.CacheTTL,
		pageBackoff:  deps.PageBackoff,
		logger:       logger.Named("rule-generation"),
	}, nil
}

var _ RuleGenerationService = (*ruleGenerationService)(nil)

const generateStage = models.JobStageGenerateRules

func (s *ruleGenerationService) Run(ctx context.Context, scopeID int64) (*models.RunSummary, error) {
	lockCtx, release, err := s.locker.Acquire(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	defer release()

	runCtx, cleanup, err := s.scopeCtx(lockCtx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for scope %d: %w", scopeID, err)
	}
	defer cleanup()

	started := time.Now()
	summary := &models.RunSummary{ScopeID: scopeID}
	s.enterState(summary, models.RunStateStarted)

	if _, err := s.tracker.Start(runCtx, scopeID, generateStage); err != nil {
		return nil, err
	}

	runErr := s.run(runCtx, summary)
	// Another run may already be rewriting the scope; nothing written here can be trusted.
	if cause := context.Cause(lockCtx); errors.Is(cause, apperrors.ErrScopeLockLost) {
		if runErr == nil {
			runErr = cause
		} else if !errors.Is(runErr, apperrors.ErrScopeLockLost) {
			runErr = fmt.Errorf("%w: %w", cause, runErr)
		}
	}

	finalCtx := runCtx
	if runCtx.Err() != nil {
		// a cancelled query may have closed the run's connection
		freshCtx, freshCleanup, err := s.scopeCtx(context.WithoutCancel(ctx))
		if err == nil {
			defer freshCleanup()
			finalCtx = freshCtx
		}
	}
	s.finish(finalCtx, summary, runErr, started)
	if runErr != nil {
		return summary, runErr
	}
	return summary, nil
}

// run walks the states up to AGGREGATING. A returned error is a failure of
// the run as a whole; per-item and per-page failures are only counted.
func (s *ruleGenerationService) run(ctx context.Context, summary *models.RunSummary) error {
	scopeID := summary.ScopeID

	source, err := s.scanReports.GetSourceContext(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("load source table %d: %w", scopeID, err)
	}
	if !source.HasLinkage() {
		s.logger.Warn("Source table has no person id or date event field, its concepts will be skipped",
			zap.Int64("scope_id", scopeID),
			zap.String("table", source.Table.Name))
	}

	deleted, err := s.rules.DeleteByScope(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("reset rules for scope %d: %w", scopeID, err)
	}
	s.logger.Info("Cleared existing rules",
		zap.Int64("scope_id", scopeID),
		zap.Int64("deleted", deleted))

	s.enterState(summary, models.RunStateResolving)
	if err := s.tracker.Update(ctx, scopeID, generateStage, models.JobStatusInProgress, "Resolving concepts"); err != nil {
		return err
	}
	resolved, err := s.resolveScope(ctx, summary, true)
	if err != nil {
		return err
	}

	s.enterState(summary, models.RunStateCounting)
	pageCount := PageCount(len(resolved), s.cfg.PageSize)
	summary.Resolved = len(resolved)
	summary.Pages = pageCount
	detail := fmt.Sprintf("Generating rules for %d %s in %d %s",
		len(resolved), pluralize("concept", len(resolved)), pageCount, pluralize("page", pageCount))
	if err := s.tracker.Update(ctx, scopeID, generateStage, models.JobStatusInProgress, detail); err != nil {
		return err
	}

	s.enterState(summary, models.RunStateFannedOut)
	queue := s.newPageQueue(pageCount)
	defer queue.Close()

	tasks := make(map[string]*RuleGenerationPageTask, pageCount)
	ordered := make([]*RuleGenerationPageTask, 0, pageCount)
	for pageNum := 1; pageNum <= pageCount; pageNum++ {
		msg := models.PageMessage{ScopeID: scopeID, PageNum: pageNum, PageSize: s.cfg.PageSize}
		start, end := msg.Bounds(len(resolved))
		task := NewRuleGenerationPageTask(s.generatePage, source, resolved[start:end], pageNum, pageCount)
		tasks[task.ID()] = task
		ordered = append(ordered, task)
	}
	for _, task := range ordered {
		queue.Enqueue(task)
	}

	s.enterState(summary, models.RunStateAggregating)
	if err := queue.Wait(ctx); err != nil && ctx.Err() != nil {
		return fmt.Errorf("wait for page tasks: %w", err)
	}
	s.metrics.SetPagesInFlight(0)

	failed := make(map[string]bool)
	for _, f := range queue.Failures() {
		failed[f.TaskID] = true
		task := tasks[f.TaskID]
		summary.FailedPages = append(summary.FailedPages, task.PageNum())
		summary.Failed += task.ItemCount()
		summary.Errors = append(summary.Errors, f.Err.Error())
		s.metrics.RecordPage(metrics.StatusFailed)
	}
	sort.Ints(summary.FailedPages)
	pageSkipped := 0
	for _, task := range ordered {
		if failed[task.ID()] {
			continue
		}
		if result := task.Result(); result != nil {
			pageSkipped += result.Skipped
		}
		s.metrics.RecordPage(metrics.StatusComplete)
	}
	summary.Skipped += pageSkipped
	s.metrics.AddAssociations(metrics.OutcomeSkipped, pageSkipped)

	count, err := s.rules.CountByScope(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("count rules for scope %d: %w", scopeID, err)
	}
	summary.RulesGenerated = count
	s.metrics.AddRulesGenerated(count)
	return nil
}

// newPageQueue builds the queue for one run, its concurrency bounded by
// min(pageCount, MaxWorkers).
func (s *ruleGenerationService) newPageQueue(pageCount int) *workqueue.Queue {
	workers := s.cfg.MaxWorkers
	if pageCount < workers {
		workers = pageCount
	}

	retryCfg := workqueue.DefaultRetryConfig()
	retryCfg.MaxRetries = s.cfg.PageRetries
	if s.cfg.PageTimeout > 0 {
		retryCfg.AttemptTimeout = s.cfg.PageTimeout
	}
	if s.pageBackoff > 0 {
		retryCfg.InitialBackoff = s.pageBackoff
		retryCfg.MaxBackoff = s.pageBackoff * 8
	}

	queue := workqueue.New(s.logger,
		workqueue.WithStrategy(workqueue.NewThrottledStrategy(workers)),
		workqueue.WithRetryConfig(retryCfg))
	queue.SetOnUpdate(func(snapshots []workqueue.TaskSnapshot) {
		s.metrics.SetPagesInFlight(workqueue.SnapshotProgress(snapshots).Running)
	})
	return queue
}

// resolveScope resolves every association of the scope and returns the
// resolved concepts in association order. With record set, progress is
// written to the job and resolutions are stored on the associations.
func (s *ruleGenerationService) resolveScope(ctx context.Context, summary *models.RunSummary, record bool) ([]models.ResolvedConcept, error) {
	scopeID := summary.ScopeID

	assocs, err := s.associations.ListByScope(ctx, scopeID)
	if err != nil {
		return nil, fmt.Errorf("list associations for scope %d: %w", scopeID, err)
	}
	summary.Associations = len(assocs)

	resolver := NewConceptResolver(s.vocab, ConceptResolverConfig{
		CacheTTL:      s.cacheTTL,
		Workers:       s.cfg.ResolveWorkers,
		ProgressEvery: s.cfg.ProgressEvery,
	}, s.logger)

	var progress ResolveProgressFunc
	if record {
		progress = func(done, total int) {
			detail := fmt.Sprintf("Resolved %d/%d concepts", done, total)
			if err := s.tracker.Update(ctx, scopeID, generateStage, models.JobStatusInProgress, detail); err != nil {
				s.logger.Warn("Failed to record resolution progress",
					zap.Int64("scope_id", scopeID),
					zap.Error(err))
			}
		}
	}

	outcomes, err := resolver.ResolveAll(ctx, assocs, progress)
	if err != nil {
		return nil, fmt.Errorf("resolve concepts for scope %d: %w", scopeID, err)
	}

	var resolved []models.ResolvedConcept
	var updates []repositories.ResolutionUpdate
	skipped, unmapped, failed := 0, 0, 0
	for _, outcome := range outcomes {
		assoc := outcome.Association
		switch {
		case outcome.Err != nil:
			failed++
			summary.Errors = append(summary.Errors, outcome.Err.Error())
			s.logger.Warn("Association cannot be resolved",
				zap.Int64("scope_id", scopeID),
				zap.String("association_id", assoc.ID.String()),
				zap.Error(outcome.Err))
		case outcome.Resolution.Outcome == models.ResolutionSkipped:
			skipped++
		case outcome.Resolution.Outcome == models.ResolutionMiss:
			unmapped++
			note := outcome.Resolution.Note
			updates = append(updates, repositories.ResolutionUpdate{
				AssociationID: assoc.ID,
				ConceptID:     models.UnresolvedConceptID,
				Status:        models.AssociationMiss,
				Note:          &note,
			})
			s.logger.Debug("Concept has no standard mapping",
				zap.Int64("scope_id", scopeID),
				zap.String("association_id", assoc.ID.String()),
				zap.String("note", note))
		default:
			resolved = append(resolved, outcome.Resolution.Resolved...)
			updates = append(updates, repositories.ResolutionUpdate{
				AssociationID: assoc.ID,
				ConceptID:     assoc.ConceptID,
				Status:        models.AssociationResolved,
			})
		}
	}
	summary.Skipped += skipped
	summary.Unmapped += unmapped
	summary.Failed += failed

	if !record {
		return resolved, nil
	}

	if err := s.associations.RecordResolutions(ctx, updates); err != nil {
		return nil, fmt.Errorf("record resolutions for scope %d: %w", scopeID, err)
	}
	s.metrics.AddAssociations(metrics.OutcomeResolved, len(updates)-unmapped)
	s.metrics.AddAssociations(metrics.OutcomeMiss, unmapped)
	s.metrics.AddAssociations(metrics.OutcomeSkipped, skipped)
	s.metrics.AddAssociations(metrics.OutcomeFailed, failed)

	s.logger.Info("Resolved concepts",
		zap.Int64("scope_id", scopeID),
		zap.Int("associations", len(assocs)),
		zap.Int("resolved_concepts", len(resolved)),
		zap.Int("skipped", skipped),
		zap.Int("unmapped", unmapped),
		zap.Int("failed", failed))
	return resolved, nil
}

// generatePage synthesizes the rules of one page on its own connection and
// stores them. Concepts whose rule set cannot be built are skipped.
func (s *ruleGenerationService) generatePage(ctx context.Context, source *models.SourceContext, items []models.ResolvedConcept, pageNum int) (*models.PageResult, error) {
	pageCtx, cleanup, err := s.scopeCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection: %w", err)
	}
	defer cleanup()

	result := &models.PageResult{PageNum: pageNum}
	graph := NewRuleGraph(s.defs)
	for i := range items {
		rules, err := s.synth.Synthesize(&items[i], source)
		if err != nil {
			result.Skipped++
			if !errors.Is(err, apperrors.ErrMissingLinkage) {
				s.logger.Warn("Skipping concept",
					zap.Int64("scope_id", source.Table.ID),
					zap.Int("page", pageNum),
					zap.String("association_id", items[i].Association.ID.String()),
					zap.Int64("concept_id", items[i].Concept.ID),
					zap.Error(err))
			}
			continue
		}
		graph.Add(rules...)
	}

	pages, err := Paginate(graph.Rules(), s.cfg.MaxMessageBytes)
	if err != nil {
		return nil, retry.Permanent(fmt.Errorf("paginate rules: %w", err))
	}
	saved, err := s.rules.SaveChunks(pageCtx, Chunk(pages, s.cfg.PagesPerChunk))
	if err != nil {
		return nil, fmt.Errorf("save rules: %w", err)
	}
	result.RulesGenerated = graph.Len()

	s.logger.Debug("Page complete",
		zap.Int64("scope_id", source.Table.ID),
		zap.Int("page", pageNum),
		zap.Int("concepts", len(items)),
		zap.Int("rules", result.RulesGenerated),
		zap.Int("saved", saved),
		zap.Int("skipped", result.Skipped))
	return result, nil
}

func (s *ruleGenerationService) ProcessPage(ctx context.Context, msg models.PageMessage) (*models.PageResult, error) {
	if msg.PageNum < 1 || msg.PageSize < 1 {
		return nil, fmt.Errorf("invalid page message: page %d, size %d", msg.PageNum, msg.PageSize)
	}

	scopedCtx, cleanup, err := s.scopeCtx(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for scope %d: %w", msg.ScopeID, err)
	}
	defer cleanup()

	source, err := s.scanReports.GetSourceContext(scopedCtx, msg.ScopeID)
	if err != nil {
		return nil, fmt.Errorf("load source table %d: %w", msg.ScopeID, err)
	}
	resolved, err := s.resolveScope(scopedCtx, &models.RunSummary{ScopeID: msg.ScopeID}, false)
	if err != nil {
		return nil, err
	}

	if pageCount := PageCount(len(resolved), msg.PageSize); msg.PageNum > pageCount {
		return nil, fmt.Errorf("page %d out of range for scope %d (%d %s)",
			msg.PageNum, msg.ScopeID, pageCount, pluralize("page", pageCount))
	}
	start, end := msg.Bounds(len(resolved))
	return s.generatePage(ctx, source, resolved[start:end], msg.PageNum)
}

// enterState logs a state transition of the run.
func (s *ruleGenerationService) enterState(summary *models.RunSummary, state models.RunState) {
	summary.State = state
	s.logger.Info("Rule generation state",
		zap.Int64("scope_id", summary.ScopeID),
		zap.String("state", string(state)))
}

// finish writes the terminal job status and records run metrics.
func (s *ruleGenerationService) finish(ctx context.Context, summary *models.RunSummary, runErr error, started time.Time) {
	state := models.RunStateComplete
	status := models.JobStatusComplete
	if runErr != nil || summary.Failed > 0 || len(summary.FailedPages) > 0 {
		state = models.RunStateFailed
		status = models.JobStatusFailed
	}
	if runErr != nil {
		summary.Errors = append(summary.Errors, runErr.Error())
	}
	s.enterState(summary, state)

	detail := runDetail(summary)
	if runErr != nil {
		detail += "; rule generation failed: " + runErr.Error()
	}

	// The terminal status is written even when the caller's context is done.
	finalCtx := context.WithoutCancel(ctx)
	if err := retry.DoIfRetryable(finalCtx, nil, func() error {
		return s.tracker.Update(finalCtx, summary.ScopeID, generateStage, status, detail)
	}); err != nil {
		s.logger.Error("Failed to record final job status",
			zap.Int64("scope_id", summary.ScopeID),
			zap.String("status", string(status)),
			zap.Error(err))
	}

	metricStatus := metrics.StatusComplete
	if state == models.RunStateFailed {
		metricStatus = metrics.StatusFailed
	}
	s.metrics.RecordRun(metricStatus, time.Since(started).Seconds())

	fields := []zap.Field{
		zap.Int64("scope_id", summary.ScopeID),
		zap.Int("rules", summary.RulesGenerated),
		zap.Int("pages", summary.Pages),
		zap.Int("skipped", summary.Skipped),
		zap.Int("unmapped", summary.Unmapped),
		zap.Int("failed", summary.Failed),
		zap.Duration("elapsed", time.Since(started)),
	}
	if state == models.RunStateFailed {
		s.logger.Error("Rule generation failed", append(fields, zap.Ints("failed_pages", summary.FailedPages))...)
		return
	}
	s.logger.Info("Rule generation complete", fields...)
}

// runDetail renders the final job detail of a run.
func runDetail(summary *models.RunSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Generated %d %s from %d %s; skipped %d, failed %d",
		summary.RulesGenerated, pluralize("rule", summary.RulesGenerated),
		summary.Pages, pluralize("page", summary.Pages),
		summary.Skipped, summary.Failed)
	if summary.Unmapped > 0 {
		fmt.Fprintf(&b, ", unmapped %d", summary.Unmapped)
	}
	if len(summary.FailedPages) > 0 {
		pages := make([]string, len(summary.FailedPages))
		for i, p := range summary.FailedPages {
			pages[i] = strconv.Itoa(p)
		}
		fmt.Fprintf(&b, "; failed %s: %s", pluralize("page", len(pages)), strings.Join(pages, ", "))
	}
	return b.String()
}

func pluralize(word string, n int) string {
	if n == 1 {
		return word
	}
	return inflection.Plural(word)
}
