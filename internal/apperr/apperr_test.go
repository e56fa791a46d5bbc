package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNew_HTTPStatusMapsToTaxonomy(t *testing.T) {
	err := New(DbNotFound, "no such database")
	assert.Equal(t, http.StatusNotFound, err.HTTPStatus())
	assert.Equal(t, "no such database", err.Error())
}

func TestWrap_ErrorMessageIncludesCause(t *testing.T) {
	cause := errors.New("connection refused")
	err := Wrap(DialectPullFailed, "failed to pull image", cause)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, http.StatusServiceUnavailable, err.HTTPStatus())
	assert.Equal(t, "connection refused", err.Detail())
}

func TestAs_UnwrapsThroughFmtErrorf(t *testing.T) {
	base := New(Busy, "instance is busy")
	wrapped := fmt.Errorf("begin query: %w", base)

	found, ok := As(wrapped)
	assert.True(t, ok)
	assert.Equal(t, Busy, found.Code())
}

func TestAs_ReturnsFalseForPlainError(t *testing.T) {
	_, ok := As(errors.New("boom"))
	assert.False(t, ok)
}

func TestUnknownCode_DefaultsToInternalServerError(t *testing.T) {
	err := New(Code("SOMETHING_NEW"), "mystery")
	assert.Equal(t, http.StatusInternalServerError, err.HTTPStatus())
}
