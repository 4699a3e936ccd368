package services

import (
	"context"
	"fmt"

	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/models"
	"github.com/Health-Informatics-UoN/Carrot-Mapper-sub001/pkg/services/workqueue"
)

// pageGenerateFunc synthesizes and persists the rules of one page.
type pageGenerateFunc func(ctx context.Context, source *models.SourceContext, items []models.ResolvedConcept, pageNum int) (*models.PageResult, error)

// RuleGenerationPageTask generates and stores the rules for one page of
// resolved concepts. Saving is an upsert on deterministic rule ids, so the
// queue may retry it.
type RuleGenerationPageTask struct {
	workqueue.BaseTask
	generate pageGenerateFunc
	source   *models.SourceContext
	items    []models.ResolvedConcept
	pageNum  int

	// result is set by a successful Execute and read after the queue barrier.
	result *models.PageResult
}

// NewRuleGenerationPageTask creates the task for page pageNum of pageCount.
func NewRuleGenerationPageTask(
	generate pageGenerateFunc,
	source *models.SourceContext,
	items []models.ResolvedConcept,
	pageNum int,
	pageCount int,
) *RuleGenerationPageTask {
	return &RuleGenerationPageTask{
		BaseTask: workqueue.NewBaseTask(fmt.Sprintf("Generate rules page %d/%d", pageNum, pageCount)),
		generate: generate,
		source:   source,
		items:    items,
		pageNum:  pageNum,
	}
}

// Execute implements workqueue.Task.
func (t *RuleGenerationPageTask) Execute(ctx context.Context) error {
	result, err := t.generate(ctx, t.source, t.items, t.pageNum)
	if err != nil {
		return fmt.Errorf("page %d: %w", t.pageNum, err)
	}
	t.result = result
	return nil
}

// PageNum returns the 1-based page number.
func (t *RuleGenerationPageTask) PageNum() int { return t.pageNum }

// ItemCount returns the number of resolved concepts on the page.
func (t *RuleGenerationPageTask) ItemCount() int { return len(t.items) }

// Result returns what the last successful attempt produced, or nil.
func (t *RuleGenerationPageTask) Result() *models.PageResult { return t.result }
