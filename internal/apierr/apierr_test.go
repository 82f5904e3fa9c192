package apierr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusCodeMapping(t *testing.T) {
	cases := map[Kind]int{
		InvalidInput:    http.StatusBadRequest,
		Unauthorized:    http.StatusUnauthorized,
		NotFound:        http.StatusNotFound,
		Conflict:        http.StatusConflict,
		PayloadTooLarge: http.StatusRequestEntityTooLarge,
		Busy:            http.StatusServiceUnavailable,
		StorageError:    http.StatusInternalServerError,
		Timeout:         http.StatusGatewayTimeout,
	}

	for kind, status := range cases {
		assert.Equal(t, status, kind.StatusCode(), "kind %s", kind)
	}
}

func TestWrapPreservesCauseForUnwrap(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(StorageError, "ping failed", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestKindOfUnclassifiedErrorIsStorageError(t *testing.T) {
	assert.Equal(t, StorageError, KindOf(errors.New("boom")))
}

func TestKindOfClassifiedError(t *testing.T) {
	err := New(Conflict, "already open")
	assert.Equal(t, Conflict, KindOf(err))
}

func TestAsExtractsWrappedError(t *testing.T) {
	wrapped := Wrap(NotFound, "run missing", nil)

	extracted, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, NotFound, extracted.Kind)
}
