package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestHTTPStatusProjection(t *testing.T) {
	cases := map[Kind]int{
		KindResourceNotAllowed:    403,
		KindNotFound:              404,
		KindRemoved:               410,
		KindUnreadableResource:    500,
		KindStrictCheckingFailure: 422,
		KindCapacityExhausted:     409,
		KindBackendUnavailable:    503,
		KindBackendTransport:      502,
		KindTimeout:               504,
		KindInvalidArgument:       400,
		KindUnauthorized:          401,
		KindInternal:              500,
	}
	for kind, want := range cases {
		assert.Equal(t, want, kind.HTTPStatus(), kind.String())
	}
}

func TestKindOfSurvivesWrapping(t *testing.T) {
	inner := New(KindNotFound, "no such project")
	wrapped := fmt.Errorf("while handling request: %w", inner)
	assert.Equal(t, KindNotFound, KindOf(wrapped))
	assert.Equal(t, 404, HTTPStatus(wrapped))
}

func TestKindOfDefaultsToInternal(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
}

func TestWrapKeepsCause(t *testing.T) {
	cause := errors.New("disk error")
	err := Wrap(KindUnreadableResource, cause, "loading %s", "a.qgs")
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "UnreadableResource")
	assert.Contains(t, err.Error(), "a.qgs")
}
