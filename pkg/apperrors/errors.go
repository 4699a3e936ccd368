package apperrors

import "errors"

var (
	ErrNotFound    = errors.New("not found")
	ErrConflict    = errors.New("conflict")
	ErrScopeLocked = errors.New("rule generation already running for scope")

	// ErrScopeLockLost is the cancellation cause of a run whose scope lock expired or was taken over.
	ErrScopeLockLost = errors.New("scope lock lost")

	// ErrDuplicateAssociation is returned when a source entity is already linked to the concept.
	ErrDuplicateAssociation = errors.New("concept association already exists")

	// Data-quality errors. They fail the item or page they occur in, not the whole run.
	ErrBlankLookupKey    = errors.New("blank lookup key")
	ErrMissingLinkage    = errors.New("source table is missing person id or date event field")
	ErrIncompleteRuleSet = errors.New("incomplete rule set")
	ErrUnsupportedDomain = errors.New("concept domain has no destination table")

	ErrInvalidTransition = errors.New("invalid job status transition")
)
