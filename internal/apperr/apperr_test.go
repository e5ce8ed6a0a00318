package apperr

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestError_IsMatchesKind(t *testing.T) {
	err := New(KindExternalService, "describe", errors.New("502 from upstream"))
	wrapped := fmt.Errorf("analyze: %w", err)

	assert.ErrorIs(t, wrapped, ErrExternalService)
	assert.NotErrorIs(t, wrapped, ErrClientInput)
	assert.Equal(t, KindExternalService, KindOf(wrapped))
}

func TestError_UnwrapReachesCause(t *testing.T) {
	cause := errors.New("boom")
	err := New(KindReasoning, "respond", cause)
	assert.ErrorIs(t, err, cause)
}

func TestError_Message(t *testing.T) {
	cases := []struct {
		err  *Error
		want string
	}{
		{New(KindClientInput, "", nil), "client_input_invalid"},
		{New(KindClientInput, "upload", nil), "client_input_invalid: upload"},
		{Errorf(KindSynthesis, "speak", "status=%d", 500), "synthesis_failure: speak: status=500"},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, tc.err.Error())
	}
}

func TestKindOf_PlainError(t *testing.T) {
	assert.Equal(t, KindUnknown, KindOf(errors.New("plain")))
}
