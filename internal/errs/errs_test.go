package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatus(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{nil, http.StatusOK},
		{fmt.Errorf("%w: scheduled_start in the past", ErrValidation), http.StatusBadRequest},
		{fmt.Errorf("stream x: %w", ErrNotFound), http.StatusNotFound},
		{ErrForbidden, http.StatusForbidden},
		{fmt.Errorf("%w: live -> scheduled", ErrIllegalTransition), http.StatusConflict},
		{ErrInvalidState, http.StatusConflict},
		{ErrConflict, http.StatusConflict},
		{fmt.Errorf("create stream: %w", ErrProviderUnavailable), http.StatusServiceUnavailable},
		{ErrProviderRejected, http.StatusUnprocessableEntity},
		{ErrProviderError, http.StatusBadGateway},
		{fmt.Errorf("%w: end stream: %w", ErrPartialFailure, ErrProviderUnavailable), http.StatusInternalServerError},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, Status(tc.err), "%v", tc.err)
	}
}

func TestIsProvider(t *testing.T) {
	assert.True(t, IsProvider(fmt.Errorf("stop: %w", ErrProviderNotFound)))
	assert.True(t, IsProvider(ErrProviderError))
	assert.False(t, IsProvider(ErrNotFound))
}
