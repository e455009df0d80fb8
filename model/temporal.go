package model

import (
	"sort"
	"time"

	dErrors "idem/pkg/domainerrors"
)

// TemporalEntry is one interval in an attribute's history. A nil ValidTo
// marks the entry as open: it is the attribute's current value.
type TemporalEntry struct {
	Value     any        `json:"value"`
	ValidFrom time.Time  `json:"valid_from"`
	ValidTo   *time.Time `json:"valid_to,omitempty"`
	Source    string     `json:"source"`
}

// Open reports whether the entry has no end of validity yet.
func (e TemporalEntry) Open() bool {
	return e.ValidTo == nil
}

// Covers reports whether the entry was valid at the given instant.
func (e TemporalEntry) Covers(at time.Time) bool {
	if at.Before(e.ValidFrom) {
		return false
	}
	return e.ValidTo == nil || at.Before(*e.ValidTo)
}

// TemporalValue retains every value an attribute has held, not just the
// latest one.
//
// Invariants:
//   - History is append-only: entries are closed, never removed
//   - At most one entry is open at a time
//   - History is ordered by ValidFrom ascending
type TemporalValue struct {
	Current any             `json:"current"`
	History []TemporalEntry `json:"history"`
}

// NewTemporalValue seeds an attribute with a single open entry.
func NewTemporalValue(value any, source string, now time.Time) *TemporalValue {
	return &TemporalValue{
		Current: value,
		History: []TemporalEntry{{
			Value:     value,
			ValidFrom: now,
			Source:    source,
		}},
	}
}

// Set closes the open entry at now and appends a new open entry carrying
// value. The previous value stays in History.
func (tv *TemporalValue) Set(value any, source string, now time.Time) {
	tv.CloseOpen(now)
	tv.History = append(tv.History, TemporalEntry{
		Value:     value,
		ValidFrom: now,
		Source:    source,
	})
	tv.Current = value
}

// CloseOpen ends the validity of the open entry, if any, at the given
// instant. Used by Set and by merge when two histories both carry an open
// entry for the same attribute.
func (tv *TemporalValue) CloseOpen(at time.Time) {
	for i := range tv.History {
		if tv.History[i].ValidTo == nil {
			end := at
			tv.History[i].ValidTo = &end
		}
	}
}

// ValueAt returns the value that was valid at the given instant. The second
// return is false when no entry covers the instant.
func (tv *TemporalValue) ValueAt(at time.Time) (any, bool) {
	// Later entries win when intervals touch: scan newest-first.
	for i := len(tv.History) - 1; i >= 0; i-- {
		if tv.History[i].Covers(at) {
			return tv.History[i].Value, true
		}
	}
	return nil, false
}

// OpenEntries counts entries with open validity. A well-formed value has
// zero (fully closed, merge artifact) or one.
func (tv *TemporalValue) OpenEntries() int {
	n := 0
	for _, e := range tv.History {
		if e.Open() {
			n++
		}
	}
	return n
}

// SortHistory restores ValidFrom-ascending order after merge splicing.
// The sort is stable so same-instant entries keep their splice order.
func (tv *TemporalValue) SortHistory() {
	sort.SliceStable(tv.History, func(i, j int) bool {
		return tv.History[i].ValidFrom.Before(tv.History[j].ValidFrom)
	})
}

// Splice folds another attribute's history into tv. Used when two entities
// merge and both carry the same key: the histories are concatenated and
// re-sorted by ValidFrom. When both sides hold an open entry, tvWins picks
// which one stays open and the loser is closed at the given instant, so the
// at-most-one-open invariant survives the merge. Current follows the
// surviving open entry; fully closed histories keep tv's current value.
// The other value is not modified.
func (tv *TemporalValue) Splice(other *TemporalValue, tvWins bool, at time.Time) {
	absorbed := make([]TemporalEntry, len(other.History))
	copy(absorbed, other.History)

	if tv.OpenEntries() > 0 && other.OpenEntries() > 0 {
		if tvWins {
			for i := range absorbed {
				if absorbed[i].ValidTo == nil {
					end := at
					absorbed[i].ValidTo = &end
				}
			}
		} else {
			tv.CloseOpen(at)
		}
	}

	tv.History = append(tv.History, absorbed...)
	tv.SortHistory()

	for i := len(tv.History) - 1; i >= 0; i-- {
		if tv.History[i].Open() {
			tv.Current = tv.History[i].Value
			return
		}
	}
}

// Validate checks the temporal invariants.
func (tv *TemporalValue) Validate() error {
	if len(tv.History) == 0 {
		return dErrors.New(dErrors.CodeInvariantViolation, "temporal value has empty history")
	}
	if tv.OpenEntries() > 1 {
		return dErrors.New(dErrors.CodeInvariantViolation, "temporal value has more than one open entry")
	}
	for i := 1; i < len(tv.History); i++ {
		if tv.History[i].ValidFrom.Before(tv.History[i-1].ValidFrom) {
			return dErrors.New(dErrors.CodeInvariantViolation, "temporal history is not ordered by valid_from")
		}
	}
	return nil
}
