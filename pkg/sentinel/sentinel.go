package sentinel

import "errors"

// Sentinel errors for infrastructure facts. Storage backends and index
// layers return these (optionally wrapped) so the resolver can translate
// them into domain errors.
//
// These represent factual states about records, not validation failures:
// - ErrNotFound: record does not exist in the backend
// - ErrConflict: a write would steal a record another owner still holds
//
// For validation errors (bad input, missing fields), use pkg/domainerrors directly.
var (
	ErrNotFound = errors.New("not found")
	ErrConflict = errors.New("conflict")
)
