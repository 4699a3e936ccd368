package models

// RunState is the orchestrator's state for one rule generation run.
type RunState string

const (
	RunStateStarted     RunState = "STARTED"
	RunStateResolving   RunState = "RESOLVING"
	RunStateCounting    RunState = "COUNTING"
	RunStateFannedOut   RunState = "FANNED_OUT"
	RunStateAggregating RunState = "AGGREGATING"
	RunStateComplete    RunState = "COMPLETE"
	RunStateFailed      RunState = "FAILED"
)

// IsTerminal returns true for COMPLETE and FAILED.
func (s RunState) IsTerminal() bool {
	return s == RunStateComplete || s == RunStateFailed
}

// PageMessage is the work-queue message for one page of a run. PageNum is 1-based.
// Messages are replayable: handling one twice produces the same rules.
type PageMessage struct {
	ScopeID  int64 `json:"scope_id"`
	PageNum  int   `json:"page_num"`
	PageSize int   `json:"page_size"`
}

// Bounds returns the [start, end) slice bounds of the page within total items.
func (m PageMessage) Bounds(total int) (int, int) {
	if m.PageNum < 1 || m.PageSize < 1 {
		return 0, 0
	}
	start := (m.PageNum - 1) * m.PageSize
	if start > total {
		start = total
	}
	end := start + m.PageSize
	if end > total {
		end = total
	}
	return start, end
}

// PageResult is what one page task produced.
type PageResult struct {
	PageNum        int `json:"page_num"`
	RulesGenerated int `json:"rules_generated"`
	Skipped        int `json:"skipped"`
}

// RunSummary aggregates counts for the final job detail.
type RunSummary struct {
	ScopeID        int64    `json:"scope_id"`
	State          RunState `json:"state"`
	Associations   int      `json:"associations"`
	Resolved       int      `json:"resolved"`
	Pages          int      `json:"pages"`
	RulesGenerated int      `json:"rules_generated"`
	Skipped        int      `json:"skipped"`
	Unmapped       int      `json:"unmapped"`
	Failed         int      `json:"failed"`
	FailedPages    []int    `json:"failed_pages,omitempty"`
	Errors         []string `json:"errors,omitempty"`
}
