package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/apperrors"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/database"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/repositories"
)

// DictionaryEntry is one row of a data dictionary: a source field, or one
// observed value of it, coded in a vocabulary. An empty Value codes the field.
type DictionaryEntry struct {
	Field        string `json:"field"`
	Value        string `json:"value,omitempty"`
	VocabularyID string `json:"vocabulary_id"`
	Code         string `json:"code"`
}

// UnmatchedEntry is a dictionary row that produced no association.
type UnmatchedEntry struct {
	Entry  DictionaryEntry `json:"entry"`
	Reason string          `json:"reason"`
}

// ConceptBuildSummary counts what a dictionary build did.
type ConceptBuildSummary struct {
	ScopeID    int64            `json:"scope_id"`
	Entries    int              `json:"entries"`
	Created    int              `json:"created"`
	Duplicates int              `json:"duplicates"`
	Unmatched  []UnmatchedEntry `json:"unmatched,omitempty"`
}

// ConceptBuildService creates concept associations from a data dictionary.
type ConceptBuildService interface {
	// BuildFromDictionary looks every entry up by vocabulary code and attaches
	// the concept to the named field or value of the scope's table. Rows that
	// name an unknown field, value or code are reported, not fatal. Existing
	// associations are left as they are.
	BuildFromDictionary(ctx context.Context, scopeID int64, entries []DictionaryEntry) (*ConceptBuildSummary, error)
}

// ConceptBuildDeps holds the collaborators of a ConceptBuildService.
type ConceptBuildDeps struct {
	ScanReports  repositories.ScanReportRepository
	Associations repositories.ConceptAssociationRepository
	Vocabulary   repositories.VocabularyRepository
	Tracker      JobTracker
	Locker       ScopeLocker
	ScopeContext database.ScopeContextFunc
	CacheTTL     time.Duration
}

type conceptBuildService struct {
	scanReports  repositories.ScanReportRepository
	associations repositories.ConceptAssociationRepository
	vocab        repositories.VocabularyRepository
	tracker      JobTracker
	locker       ScopeLocker
	scopeCtx     database.ScopeContextFunc
	cacheTTL     time.Duration
	logger       *zap.Logger
}

// NewConceptBuildService creates a ConceptBuildService.
func NewConceptBuildService(deps ConceptBuildDeps, logger *zap.Logger) (ConceptBuildService, error) {
	if deps.ScanReports == nil || deps.Associations == nil || deps.Vocabulary == nil ||
		deps.Tracker == nil || deps.Locker == nil || deps.ScopeContext == nil {
		return nil, errors.New("concept build service: missing dependency")
	}
	return &conceptBuildService{
		scanReports:  deps.ScanReports,
		associations: deps.Associations,
		vocab:        deps.Vocabulary,
		tracker:      deps.Tracker,
		locker:       deps.Locker,
		scopeCtx:     deps.ScopeContext,
		cacheTTL:     deps.CacheTTL,
		logger:       logger.Named("concept-build"),
	}, nil
}

var _ ConceptBuildService = (*conceptBuildService)(nil)

const buildStage = models.JobStageBuildConceptsFromDict

func (s *conceptBuildService) BuildFromDictionary(ctx context.Context, scopeID int64, entries []DictionaryEntry) (*ConceptBuildSummary, error) {
	// Rule generation reads the associations this writes.
	lockCtx, release, err := s.locker.Acquire(ctx, scopeID)
	if err != nil {
		return nil, err
	}
	defer release()

	buildCtx, cleanup, err := s.scopeCtx(lockCtx)
	if err != nil {
		return nil, fmt.Errorf("acquire connection for scope %d: %w", scopeID, err)
	}
	defer cleanup()

	if _, err := s.tracker.Start(buildCtx, scopeID, buildStage); err != nil {
		return nil, err
	}

	summary := &ConceptBuildSummary{ScopeID: scopeID, Entries: len(entries)}
	buildErr := s.build(buildCtx, summary, entries)
	if cause := context.Cause(lockCtx); errors.Is(cause, apperrors.ErrScopeLockLost) && buildErr == nil {
		buildErr = cause
	}

	status, detail := models.JobStatusComplete, buildDetail(summary)
	if buildErr != nil {
		status = models.JobStatusFailed
		detail += "; build failed: " + buildErr.Error()
	}
	finalCtx := buildCtx
	if buildCtx.Err() != nil {
		freshCtx, freshCleanup, err := s.scopeCtx(context.WithoutCancel(ctx))
		if err == nil {
			defer freshCleanup()
			finalCtx = freshCtx
		}
	}
	if err := s.tracker.Update(finalCtx, scopeID, buildStage, status, detail); err != nil {
		s.logger.Error("Failed to record build status",
			zap.Int64("scope_id", scopeID),
			zap.Error(err))
	}

	s.logger.Info("Dictionary build finished",
		zap.Int64("scope_id", scopeID),
		zap.Int("entries", summary.Entries),
		zap.Int("created", summary.Created),
		zap.Int("duplicates", summary.Duplicates),
		zap.Int("unmatched", len(summary.Unmatched)),
		zap.Error(buildErr))
	if buildErr != nil {
		return summary, buildErr
	}
	return summary, nil
}

func (s *conceptBuildService) build(ctx context.Context, summary *ConceptBuildSummary, entries []DictionaryEntry) error {
	scopeID := summary.ScopeID
	if _, err := s.scanReports.GetTable(ctx, scopeID); err != nil {
		return fmt.Errorf("load source table %d: %w", scopeID, err)
	}
	if err := s.tracker.Update(ctx, scopeID, buildStage, models.JobStatusInProgress,
		fmt.Sprintf("Building concepts from %d dictionary %s", len(entries), pluralize("entry", len(entries)))); err != nil {
		return err
	}

	fields, err := s.scanReports.ListFields(ctx, scopeID)
	if err != nil {
		return fmt.Errorf("list fields of table %d: %w", scopeID, err)
	}
	byName := make(map[string]*models.SourceField, len(fields))
	for _, f := range fields {
		byName[f.Name] = f
	}
	values := make(map[int64]map[string]*models.SourceValue)

	resolver := NewConceptResolver(s.vocab, ConceptResolverConfig{CacheTTL: s.cacheTTL}, s.logger)
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return err
		}

		field, ok := byName[strings.TrimSpace(entry.Field)]
		if !ok {
			summary.unmatched(entry, "unknown field")
			continue
		}
		if field.IsIgnored {
			summary.unmatched(entry, "field is ignored")
			continue
		}

		var source models.SourceEntity = models.FieldSource{Field: *field}
		if value := strings.TrimSpace(entry.Value); value != "" {
			known, ok := values[field.ID]
			if !ok {
				list, err := s.scanReports.ListValues(ctx, field.ID)
				if err != nil {
					return fmt.Errorf("list values of field %s: %w", field.Name, err)
				}
				known = make(map[string]*models.SourceValue, len(list))
				for _, v := range list {
					known[v.Value] = v
				}
				values[field.ID] = known
			}
			v, ok := known[value]
			if !ok {
				summary.unmatched(entry, "unknown value")
				continue
			}
			source = models.ValueSource{Value: *v, Field: *field}
		}

		concept, err := resolver.ResolveCode(ctx, entry.VocabularyID, entry.Code)
		if errors.Is(err, apperrors.ErrNotFound) || errors.Is(err, apperrors.ErrBlankLookupKey) {
			summary.unmatched(entry, fmt.Sprintf("no concept for %s code %q", entry.VocabularyID, entry.Code))
			continue
		}
		if err != nil {
			return fmt.Errorf("look up %s code %q: %w", entry.VocabularyID, entry.Code, err)
		}

		err = s.associations.Create(ctx, &models.ConceptAssociation{
			ScopeID:      scopeID,
			Source:       source,
			ConceptID:    concept.ID,
			CreationType: models.CreationVocabulary,
		})
		switch {
		case errors.Is(err, apperrors.ErrDuplicateAssociation):
			summary.Duplicates++
		case err != nil:
			return err
		default:
			summary.Created++
		}
	}
	return nil
}

func (s *ConceptBuildSummary) unmatched(entry DictionaryEntry, reason string) {
	s.Unmatched = append(s.Unmatched, UnmatchedEntry{Entry: entry, Reason: reason})
}

func buildDetail(s *ConceptBuildSummary) string {
	return fmt.Sprintf("Built %d %s from %d dictionary %s; duplicates %d, unmatched %d",
		s.Created, pluralize("concept", s.Created),
		s.Entries, pluralize("entry", s.Entries),
		s.Duplicates, len(s.Unmatched))
}
