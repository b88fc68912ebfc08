package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestChallengeErrorUnwrap(t *testing.T) {
	t.Parallel()

	err := &ChallengeError{ChallengeID: "chlg_ab12", Op: "confirm", Err: ErrChallengeResolved}

	if !errors.Is(err, ErrChallengeResolved) {
		t.Errorf("errors.Is should match the wrapped sentinel")
	}
	if errors.Is(err, ErrChallengeDenied) {
		t.Errorf("errors.Is matched an unrelated sentinel")
	}
}

func TestChallengeErrorMessage(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  *ChallengeError
		want string
	}{
		{
			name: "with id",
			err:  &ChallengeError{ChallengeID: "chlg_ab12", Op: "deny", Err: ErrChallengeNotFound},
			want: "challenge chlg_ab12: deny: challenge not found",
		},
		{
			name: "without id",
			err:  &ChallengeError{Op: "dispatch", Err: ErrDeviceNotBound},
			want: "dispatch: no device bound for email",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestChallengeErrorWrappedChain(t *testing.T) {
	t.Parallel()

	inner := fmt.Errorf("store: %w", ErrTokenUsed)
	err := &ChallengeError{ChallengeID: "chlg_cd34", Op: "redeem", Err: inner}

	if !errors.Is(err, ErrTokenUsed) {
		t.Errorf("sentinel should be reachable through nested wrapping")
	}
}
