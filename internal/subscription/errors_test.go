package subscription

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsUserError(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{fmt.Errorf("%w: bad url", ErrInvalidArgument), true},
		{fmt.Errorf("%w: no subscription \"x\"", ErrNotFound), true},
		{fmt.Errorf("%w: frobnicate", ErrUnknownCommand), true},
		{fmt.Errorf("%w: disk full", ErrStorage), false},
		{errors.New("boom"), false},
		{nil, false},
	}
	for _, c := range cases {
		if got := IsUserError(c.err); got != c.want {
			t.Errorf("IsUserError(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}
