package api

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorRetryable(t *testing.T) {
	tests := []struct {
		kind      Kind
		retryable bool
	}{
		{KindInvalidURL, false},
		{KindInvalidResponse, true},
		{KindUnauthorized, false},
		{KindNotFound, false},
		{KindRateLimited, true},
		{KindServerError, true},
		{KindHTTPError, true},
		{KindDecodingError, false},
		{KindNoData, false},
		{KindNotReachable, true},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			err := &Error{Kind: tt.kind}
			assert.Equal(t, tt.retryable, err.Retryable())
		})
	}
}

func TestClassifyStatus(t *testing.T) {
	tests := []struct {
		status int
		kind   Kind
	}{
		{http.StatusUnauthorized, KindUnauthorized},
		{http.StatusNotFound, KindNotFound},
		{http.StatusTooManyRequests, KindRateLimited},
		{http.StatusInternalServerError, KindServerError},
		{http.StatusBadGateway, KindServerError},
		{http.StatusServiceUnavailable, KindServerError},
		{http.StatusForbidden, KindHTTPError},
		{http.StatusBadRequest, KindHTTPError},
	}

	for _, tt := range tests {
		t.Run(fmt.Sprintf("status_%d", tt.status), func(t *testing.T) {
			err := classifyStatus(tt.status)
			assert.Equal(t, tt.kind, err.Kind)
			assert.Equal(t, tt.status, err.StatusCode)
		})
	}
}

func TestErrorString(t *testing.T) {
	assert.Equal(t, "api: unauthorized (status 401)",
		(&Error{Kind: KindUnauthorized, StatusCode: 401}).Error())
	assert.Equal(t, "api: not_reachable",
		(&Error{Kind: KindNotReachable}).Error())

	cause := errors.New("connection refused")
	assert.Equal(t, "api: not_reachable: connection refused",
		(&Error{Kind: KindNotReachable, Cause: cause}).Error())
}

func TestErrorUnwrap(t *testing.T) {
	cause := errors.New("underlying")
	err := &Error{Kind: KindInvalidURL, Cause: cause}
	assert.ErrorIs(t, err, cause)
}

func TestIsKind(t *testing.T) {
	err := fmt.Errorf("wrapped: %w", &Error{Kind: KindNotFound, StatusCode: 404})
	assert.True(t, IsKind(err, KindNotFound))
	assert.False(t, IsKind(err, KindServerError))
	assert.False(t, IsKind(errors.New("plain"), KindNotFound))
	assert.False(t, IsKind(nil, KindNotFound))
}
