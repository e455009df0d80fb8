package model

import (
	"strings"

	dErrors "idem/pkg/domainerrors"
	"idem/pkg/emailaddr"
	"idem/pkg/strutil"
)

// ResolveRequest carries one incoming record to resolve against the graph.
// Type, Name, SourceID and ExternalID are required; the rest enrich
// matching and the resulting entity.
type ResolveRequest struct {
	Type       string
	Name       string
	SourceID   string
	ExternalID string
	Email      string
	Aliases    []string
	Attributes map[string]any

	// MinConfidence overrides the resolver's merge threshold for this call.
	// Zero means "use the configured default". Note the default of 0.7 sits
	// below the 0.8 an exact name match alone scores, so same-name records
	// auto-merge unless the threshold is raised.
	MinConfidence float64
}

// Normalize trims identifying fields, folds the email into index form and
// dedupes aliases. Call before Validate.
func (r *ResolveRequest) Normalize() {
	r.Type = strings.TrimSpace(r.Type)
	r.Name = strings.TrimSpace(r.Name)
	r.SourceID = strings.TrimSpace(r.SourceID)
	r.ExternalID = strings.TrimSpace(r.ExternalID)
	r.Email = emailaddr.Normalize(r.Email)
	r.Aliases = strutil.DedupeFold(r.Aliases)
}

// Validate rejects requests that must not reach any mutation path.
func (r *ResolveRequest) Validate() error {
	switch {
	case r.Type == "":
		return dErrors.New(dErrors.CodeInvalidInput, "type is required")
	case r.Name == "":
		return dErrors.New(dErrors.CodeInvalidInput, "name is required")
	case r.SourceID == "":
		return dErrors.New(dErrors.CodeInvalidInput, "source id is required")
	case r.ExternalID == "":
		return dErrors.New(dErrors.CodeInvalidInput, "external id is required")
	}
	if r.MinConfidence < 0 || r.MinConfidence > 1 {
		return dErrors.New(dErrors.CodeInvalidInput, "min confidence must be within [0,1]")
	}
	return nil
}

// SourceKey returns the source-index key for the request's pair.
func (r *ResolveRequest) SourceKey() string {
	return SourceKey(r.SourceID, r.ExternalID)
}

// ResolveResult reports where a record landed.
type ResolveResult struct {
	Entity *Entity
	// IsNew is true when the record seeded a brand-new entity.
	IsNew bool
	// Confidence is 1.0 for exact source hits and new entities, otherwise
	// the similarity score that justified the merge.
	Confidence float64
}
