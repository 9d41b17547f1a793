package apierr_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/righttoaskorg/right-to-ask-server/internal/apierr"
)

func TestWriteOkEnvelopeShape(t *testing.T) {
	w := httptest.NewRecorder()
	apierr.WriteOk(w, map[string]string{"hello": "world"})

	assert.Equal(t, http.StatusOK, w.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	_, hasOk := body["Ok"]
	assert.True(t, hasOk)
	_, hasErr := body["Err"]
	assert.False(t, hasErr)
}

func TestWriteErrorEnvelopeShapeAndStatus(t *testing.T) {
	tests := []struct {
		name       string
		code       apierr.Code
		wantStatus int
	}{
		{"malformed", apierr.Malformed, http.StatusBadRequest},
		{"bad signature", apierr.BadSignature, http.StatusForbidden},
		{"unknown user", apierr.UnknownUser, http.StatusNotFound},
		{"version mismatch", apierr.VersionMismatch, http.StatusConflict},
		{"rate limited", apierr.RateLimited, http.StatusTooManyRequests},
		{"page token expired", apierr.PageTokenExpired, http.StatusGone},
		{"internal", apierr.Internal, http.StatusInternalServerError},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			apierr.WriteError(w, apierr.New(test.code, "some detail"))

			assert.Equal(t, test.wantStatus, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			_, hasErr := body["Err"]
			assert.True(t, hasErr)
			_, hasOk := body["Ok"]
			assert.False(t, hasOk)
		})
	}
}

func TestWriteErrorNeverLeaksInternalDetail(t *testing.T) {
	w := httptest.NewRecorder()
	apierr.WriteError(w, apierr.New(apierr.Internal, "pq: connection refused at 10.0.0.5:5432"))

	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "internal server error", body["Err"])
}

func TestWriteErrorWrapsUnknownErrorAsInternal(t *testing.T) {
	w := httptest.NewRecorder()
	apierr.WriteError(w, assertError("boom"))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}

type assertError string

func (e assertError) Error() string { return string(e) }
