// Package middleware rejects malformed API requests before they reach the
// execution handlers.
package middleware

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"

	chi "github.com/go-chi/chi/v5"

	"github.com/lattiam/rollout/internal/apiserver/types"
)

// MaxRequestBodySize bounds submission bodies (10MB)
const MaxRequestBodySize = 10 * 1024 * 1024

var errBodyTooLarge = fmt.Errorf("request body too large (max %d bytes)", MaxRequestBodySize)

// IDValidator rejects execution routes whose paramName segment is not a
// valid execution ID
func IDValidator(paramName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := chi.URLParam(r, paramName)
			switch {
			case id == "":
				rejectRequest(w, paramName, "%s is required", paramName)
			case !types.ValidExecutionID(id):
				rejectRequest(w, paramName, "%s must be 1-%d letters, digits or hyphens",
					paramName, types.MaxExecutionIDLength)
			default:
				next.ServeHTTP(w, r)
			}
		})
	}
}

// submissionEnvelope is the outer shape of execution and assessment bodies;
// the halves stay raw until the handler decodes them strictly
type submissionEnvelope struct {
	Plan        json.RawMessage `json:"plan"`
	Environment json.RawMessage `json:"environment"`
}

// ExecutionRequestValidator rejects submissions whose body lacks a plan or
// environment object. The body is restored for the next handler.
func ExecutionRequestValidator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodPost && r.Method != http.MethodPut {
				next.ServeHTTP(w, r)
				return
			}

			body, err := bufferBody(r)
			if err != nil {
				rejectRequest(w, "body", "%v", err)
				return
			}

			var env submissionEnvelope
			if err := json.Unmarshal(body, &env); err != nil {
				rejectRequest(w, "body", "invalid JSON in request body")
				return
			}
			if field, msg := missingObject("plan", env.Plan); msg != "" {
				rejectRequest(w, field, "%s", msg)
				return
			}
			if field, msg := missingObject("environment", env.Environment); msg != "" {
				rejectRequest(w, field, "%s", msg)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// bufferBody reads at most MaxRequestBodySize bytes and puts them back on r
func bufferBody(r *http.Request) ([]byte, error) {
	defer func() { _ = r.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(r.Body, MaxRequestBodySize+1))
	if err != nil {
		return nil, errors.New("failed to read request body")
	}
	if len(body) > MaxRequestBodySize {
		return nil, errBodyTooLarge
	}
	r.Body = io.NopCloser(bytes.NewReader(body))
	return body, nil
}

func missingObject(field string, raw json.RawMessage) (string, string) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		return field, field + " is required"
	case trimmed[0] != '{':
		return field, field + " must be an object"
	}
	return "", ""
}

// ContentTypeValidator requires application/json on requests that carry a
// body. Bodyless POSTs such as cancel pass through.
func ContentTypeValidator() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if hasBody(r) {
				mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type"))
				if err != nil || mediaType != "application/json" {
					rejectRequest(w, "header", "Content-Type must be application/json")
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}
}

func hasBody(r *http.Request) bool {
	switch r.Method {
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		return r.ContentLength > 0 || len(r.TransferEncoding) > 0 || r.Header.Get("Transfer-Encoding") != ""
	default:
		return false
	}
}

func rejectRequest(w http.ResponseWriter, field, format string, args ...interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusBadRequest)
	// the status is already sent
	_ = json.NewEncoder(w).Encode(types.ErrorResponse{
		Error:   "validation_error",
		Message: fmt.Sprintf(format, args...),
		Field:   field,
	})
}
