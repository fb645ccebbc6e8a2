package proto

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRaiseUnwindsWithAbort(t *testing.T) {
	reason := errors.New("boom")

	func() {
		defer func() {
			r := recover()
			require.NotNil(t, r)
			ab, ok := r.(*Abort)
			require.True(t, ok)
			require.Equal(t, reason, ab.Reason)
			require.Equal(t, "boom", ab.Error())
		}()
		Raise(reason)
	}()
}
