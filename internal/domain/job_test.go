package domain

import "testing"

func TestCanTransition(t *testing.T) {
	t.Parallel()
	cases := []struct {
		from, to Status
		want     bool
	}{
		{StatusQueued, StatusSubmitted, true},
		{StatusSubmitted, StatusProcessing, true},
		{StatusProcessing, StatusCompleted, true},
		{StatusSubmitted, StatusCompleted, true}, // sub-jobs may finish between polls

		// FAILED and CANCELLED are reachable from any non-terminal state.
		{StatusQueued, StatusFailed, true},
		{StatusSubmitted, StatusFailed, true},
		{StatusProcessing, StatusFailed, true},
		{StatusQueued, StatusCancelled, true},
		{StatusSubmitted, StatusCancelled, true},
		{StatusProcessing, StatusCancelled, true},

		// No skipping forward on the happy path, no completing from QUEUED.
		{StatusQueued, StatusProcessing, false},
		{StatusQueued, StatusCompleted, false},

		// Terminal states are absorbing.
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCancelled, StatusSubmitted, false},
		{StatusCompleted, StatusCompleted, false},

		// No regression.
		{StatusProcessing, StatusSubmitted, false},
		{StatusSubmitted, StatusQueued, false},
	}
	for _, tc := range cases {
		if got := CanTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}
