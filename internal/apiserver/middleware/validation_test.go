package middleware

import (
	"bytes"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lattiam/rollout/internal/apiserver/types"
)

func okHandler(t *testing.T) http.Handler {
	t.Helper()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// The body must still be readable after validation
		body, err := io.ReadAll(r.Body)
		require.NoError(t, err)
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	})
}

func TestIDValidator(t *testing.T) {
	t.Parallel()

	r := chi.NewRouter()
	r.With(IDValidator("id")).Get("/executions/{id}", okHandler(t).ServeHTTP)

	tests := []struct {
		name string
		id   string
		want int
	}{
		{"UUID", "0b6a3c9e-5c1d-4e8f-9a7b-2d4e6f8a0c1e", http.StatusOK},
		{"Short", "e1", http.StatusOK},
		{"Dots", "exec.1", http.StatusBadRequest},
		{"TooLong", strings.Repeat("a", 101), http.StatusBadRequest},
		{"Quote", "exec%27", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			rec := httptest.NewRecorder()
			r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/executions/"+tt.id, nil))
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestExecutionRequestValidator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		body  string
		want  int
		field string
	}{
		{"Valid", `{"plan": {"id": "shop"}, "environment": {"name": "prod"}}`, http.StatusOK, ""},
		{"MissingPlan", `{"environment": {"name": "prod"}}`, http.StatusBadRequest, "plan"},
		{"NullEnvironment", `{"plan": {}, "environment": null}`, http.StatusBadRequest, "environment"},
		{"PlanNotObject", `{"plan": "shop.yaml", "environment": {}}`, http.StatusBadRequest, "plan"},
		{"InvalidJSON", `{"plan": `, http.StatusBadRequest, "body"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := ExecutionRequestValidator()(okHandler(t))
			req := httptest.NewRequest(http.MethodPost, "/executions", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			require.Equal(t, tt.want, rec.Code)
			if tt.want == http.StatusOK {
				assert.JSONEq(t, tt.body, rec.Body.String())
				return
			}
			var resp types.ErrorResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "validation_error", resp.Error)
			assert.Equal(t, tt.field, resp.Field)
		})
	}
}

func TestExecutionRequestValidator_BodyTooLarge(t *testing.T) {
	t.Parallel()

	body := `{"plan": {"id": "` + strings.Repeat("x", MaxRequestBodySize) + `"}}`
	h := ExecutionRequestValidator()(okHandler(t))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/executions", strings.NewReader(body)))

	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "request body too large")
}

func TestContentTypeValidator(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name        string
		method      string
		contentType string
		body        string
		want        int
	}{
		{"JSON", http.MethodPost, "application/json", `{}`, http.StatusOK},
		{"JSONWithCharset", http.MethodPost, "application/json; charset=utf-8", `{}`, http.StatusOK},
		{"Form", http.MethodPost, "application/x-www-form-urlencoded", `a=b`, http.StatusBadRequest},
		{"EmptyPost", http.MethodPost, "", "", http.StatusOK},
		{"Get", http.MethodGet, "text/plain", "", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := ContentTypeValidator()(okHandler(t))
			var body io.Reader
			if tt.body != "" {
				body = strings.NewReader(tt.body)
			}
			req := httptest.NewRequest(tt.method, "/executions", body)
			if tt.contentType != "" {
				req.Header.Set("Content-Type", tt.contentType)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}
