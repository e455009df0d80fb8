package match

import (
	"context"

	"golang.org/x/sync/errgroup"

	"idem/model"
	"idem/pkg/emailaddr"
	"idem/pkg/strutil"
)

// Additive score weights. A candidate's total is capped at 1.0 so the
// scale stays comparable with source-ref confidences.
const (
	scoreExactName   = 0.8
	scoreStrongFuzzy = 0.5
	scoreWeakFuzzy   = 0.3
	scoreExactEmail  = 0.9
	scoreAliasHit    = 0.3

	strongFuzzyThreshold = 0.85
	weakFuzzyThreshold   = 0.7

	exactNameBonus = 0.1
)

// EligibilityFloor is the score a candidate must exceed to be considered a
// match at all, independent of the caller's merge threshold.
const EligibilityFloor = 0.3

// scoreParallelism bounds concurrent candidate scoring.
const scoreParallelism = 8

// Similarity returns the normalized edit-distance similarity of two
// strings: 1 − distance/max(len). Identical strings score 1.0, fully
// disjoint ones approach 0.
func Similarity(a, b string) float64 {
	if a == b {
		return 1
	}
	ra, rb := []rune(a), []rune(b)
	longest := len(ra)
	if len(rb) > longest {
		longest = len(rb)
	}
	if longest == 0 {
		return 1
	}
	return 1 - float64(levenshtein(ra, rb))/float64(longest)
}

// levenshtein computes the edit distance with the two-row dynamic program.
func levenshtein(a, b []rune) int {
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}

	previous := make([]int, len(b)+1)
	current := make([]int, len(b)+1)
	for j := range previous {
		previous[j] = j
	}

	for i := 1; i <= len(a); i++ {
		current[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			current[j] = minInt(
				previous[j]+1,      // deletion
				current[j-1]+1,     // insertion
				previous[j-1]+cost, // substitution
			)
		}
		previous, current = current, previous
	}
	return previous[len(b)]
}

func minInt(values ...int) int {
	m := values[0]
	for _, v := range values[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

// Score rates how likely the query and candidate describe the same
// identity, additively:
//
//	+0.8 exact case-insensitive name match, else
//	+0.5 fuzzy name similarity > 0.85, else
//	+0.3 fuzzy name similarity > 0.7
//	+0.9 exact case-insensitive email match
//	+0.3 a candidate alias appears among the query's name, aliases or email
//
// The total is capped at 1.0.
func Score(query *model.ResolveRequest, candidate *model.Entity) float64 {
	queryName := strutil.Fold(query.Name)
	candidateName := strutil.Fold(candidate.Name)

	score := 0.0
	if queryName == candidateName {
		score += scoreExactName
	} else if sim := Similarity(queryName, candidateName); sim > strongFuzzyThreshold {
		score += scoreStrongFuzzy
	} else if sim > weakFuzzyThreshold {
		score += scoreWeakFuzzy
	}

	email := emailaddr.Normalize(query.Email)
	if email != "" && candidate.EmailAddress() == email {
		score += scoreExactEmail
	}

	if aliasOverlap(queryName, query.Aliases, email, candidate.Aliases) {
		score += scoreAliasHit
	}

	if score > 1 {
		score = 1
	}
	return score
}

// aliasOverlap reports whether any candidate alias matches the query's
// name, one of its aliases, or its email, all case-folded. The candidate's
// primary name is deliberately excluded: name agreement is already scored
// above.
func aliasOverlap(queryName string, queryAliases []string, queryEmail string, candidateAliases []string) bool {
	if len(candidateAliases) == 0 {
		return false
	}
	terms := make(map[string]struct{}, len(queryAliases)+2)
	terms[queryName] = struct{}{}
	for _, alias := range queryAliases {
		terms[strutil.Fold(alias)] = struct{}{}
	}
	if queryEmail != "" {
		terms[queryEmail] = struct{}{}
	}
	for _, alias := range candidateAliases {
		if _, ok := terms[strutil.Fold(alias)]; ok {
			return true
		}
	}
	return false
}

// FastPathScore rates an exact email-index hit: 0.9, plus 0.1 when the
// name also matches exactly, capped at 1.0. The hit bypasses blocking
// entirely so returning identities with a stable email resolve in O(1).
func FastPathScore(query *model.ResolveRequest, entity *model.Entity) float64 {
	score := scoreExactEmail
	if strutil.Fold(query.Name) == strutil.Fold(entity.Name) {
		score += exactNameBonus
	}
	if score > 1 {
		score = 1
	}
	return score
}

// Match pairs a candidate with its similarity score.
type Match struct {
	Entity *model.Entity
	Score  float64
}

// Best scores every candidate and returns the highest-scoring one whose
// score exceeds the eligibility floor. Ties break toward the smaller
// entity id, which together with the store's ascending-key iteration makes
// resolution reproducible. Scoring runs with bounded parallelism; it is
// pure CPU work and cannot fail.
func Best(ctx context.Context, query *model.ResolveRequest, candidates []*model.Entity) (Match, bool) {
	if len(candidates) == 0 {
		return Match{}, false
	}

	scores := make([]float64, len(candidates))
	g, _ := errgroup.WithContext(ctx)
	g.SetLimit(scoreParallelism)
	for i, candidate := range candidates {
		g.Go(func() error {
			scores[i] = Score(query, candidate)
			return nil
		})
	}
	_ = g.Wait() // scoring goroutines never return an error

	var best Match
	found := false
	for i, candidate := range candidates {
		if scores[i] <= EligibilityFloor {
			continue
		}
		switch {
		case !found, scores[i] > best.Score:
			best = Match{Entity: candidate, Score: scores[i]}
			found = true
		case scores[i] == best.Score && candidate.ID < best.Entity.ID:
			best.Entity = candidate
		}
	}
	return best, found
}
