package resterr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorStatus(t *testing.T) {
	tests := []struct {
		kind   Kind
		status int
	}{
		{KindNotFoundError, http.StatusNotFound},
		{KindItemDoesNotExist, http.StatusNotFound},
		{KindMultipleRowsFound, http.StatusInternalServerError},
		{KindUniqueConstraint, http.StatusBadRequest},
		{KindUnavailableSubresource, http.StatusBadRequest},
		{KindFieldNotInResource, http.StatusBadRequest},
		{KindUnknownOperator, http.StatusBadRequest},
		{KindInvalidValue, http.StatusBadRequest},
		{KindValueNotInEnum, http.StatusBadRequest},
		{KindManagedProperty, http.StatusBadRequest},
		{KindInsufficientScopeError, http.StatusForbidden},
		{KindInsufficientPermission, http.StatusForbidden},
		{KindUnknownContentType, http.StatusUnsupportedMediaType},
		{KindJSONError, http.StatusBadRequest},
		{KindClientAlreadyExists, http.StatusBadRequest},
		{KindUnknownParameter, http.StatusBadRequest},
		{KindNotImplementedFeature, http.StatusNotImplemented},
		{KindNoAuthServer, http.StatusServiceUnavailable},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			err := New(tt.kind, "boom")
			assert.Equal(t, tt.status, err.Status())
			assert.Equal(t, tt.status, StatusForKind(tt.kind))
		})
	}
}

func TestErrorUnknownKindDefaultsTo500(t *testing.T) {
	err := New(Kind("SomethingElse"), "boom")
	assert.Equal(t, http.StatusInternalServerError, err.Status())
}

func TestWrapUnwraps(t *testing.T) {
	underlying := errors.New("connection refused")
	err := Wrap(KindNotFoundError, underlying, "model %s", "Org")

	assert.ErrorIs(t, err, underlying)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Contains(t, err.Error(), "model Org")
}

func TestErrorMessageFormat(t *testing.T) {
	err := New(KindFieldNotInResource, "field %q not in %q", "foo", "Org")
	assert.Equal(t, `FieldNotInResource: field "foo" not in "Org"`, err.Error())
}

func TestMultipleErrors(t *testing.T) {
	var multi MultipleErrors
	assert.False(t, multi.HasErrors())

	multi.Add(New(KindInvalidValue, "bad value"))
	multi.Add(New(KindUnknownParameter, "unknown param"))

	assert.True(t, multi.HasErrors())
	assert.Equal(t, http.StatusBadRequest, multi.Status())
	assert.Contains(t, multi.Error(), "2 errors")
	assert.Contains(t, multi.Error(), "bad value")
	assert.Contains(t, multi.Error(), "unknown param")
}

func TestMultipleErrorsEmpty(t *testing.T) {
	var multi MultipleErrors
	assert.Equal(t, http.StatusBadRequest, multi.Status())
	assert.Equal(t, "no errors", multi.Error())
}
