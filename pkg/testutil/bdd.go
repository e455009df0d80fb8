// Package testutil carries shared test helpers for the module's suites.
package testutil

import "testing"

// Given, When and Then name subtests after the resolution scenario they
// walk, so a failure report reads as the step that broke ("Given an empty
// graph receives a CRM record"). They are plain t.Run wrappers.
func Given(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Given "+desc, fn)
}

func When(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("When "+desc, fn)
}

func Then(t *testing.T, desc string, fn func(t *testing.T)) {
	t.Helper()
	t.Run("Then "+desc, fn)
}
