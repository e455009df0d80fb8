// Package match narrows and scores merge candidates for incoming records.
// Blocking applies cheap per-entity filters to bound the set a full scan
// would hand to the scorer; scoring then rates how likely a record and one
// candidate describe the same real-world identity.
package match

import (
	"unicode/utf8"

	"idem/model"
	"idem/pkg/emailaddr"
	"idem/pkg/strutil"
)

// DefaultBlockingThreshold is the entity-set size below which blocking is
// skipped entirely: scoring a few hundred candidates directly is cheaper
// than risking a filtered-out true match.
const DefaultBlockingThreshold = 500

// Candidates narrows the full entity set of one type down to the records
// worth scoring against the query.
//
// Sets smaller than the threshold pass through unfiltered. Above it, an
// entity survives only if its name (or one of its aliases) starts with the
// query name's first character AND the two names' lengths differ by at most
// half the query name's length. Entities whose stored email shares the
// query email's domain are kept unconditionally: shared-domain membership
// is an independent signal worth scoring even when the name diverges.
//
// The filters are deliberately cheap and lossy. A true match whose name
// diverges sharply from the query (heavy typos, full renames) can be
// discarded here; that is the accepted cost of keeping resolution O(1) per
// entity at scale.
func Candidates(query *model.ResolveRequest, entities []*model.Entity, threshold int) []*model.Entity {
	if threshold <= 0 {
		threshold = DefaultBlockingThreshold
	}
	if len(entities) < threshold {
		return entities
	}

	queryName := strutil.Fold(query.Name)
	queryFirst, _ := utf8.DecodeRuneInString(queryName)
	queryLen := utf8.RuneCountInString(queryName)
	queryDomain := emailaddr.Domain(query.Email)

	kept := make([]*model.Entity, 0, threshold)
	for _, entity := range entities {
		if queryDomain != "" && emailaddr.Domain(entity.EmailAddress()) == queryDomain {
			kept = append(kept, entity)
			continue
		}
		name := strutil.Fold(entity.Name)
		if !firstRuneMatches(queryFirst, name, entity.Aliases) {
			continue
		}
		if !lengthCompatible(queryLen, utf8.RuneCountInString(name)) {
			continue
		}
		kept = append(kept, entity)
	}
	return kept
}

func firstRuneMatches(queryFirst rune, name string, aliases []string) bool {
	if first, _ := utf8.DecodeRuneInString(name); first == queryFirst {
		return true
	}
	for _, alias := range aliases {
		if first, _ := utf8.DecodeRuneInString(strutil.Fold(alias)); first == queryFirst {
			return true
		}
	}
	return false
}

func lengthCompatible(queryLen, nameLen int) bool {
	diff := queryLen - nameLen
	if diff < 0 {
		diff = -diff
	}
	return float64(diff) <= 0.5*float64(queryLen)
}
