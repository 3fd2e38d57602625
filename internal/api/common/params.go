package common

import (
	"fmt"
	"net/http"
	"net/url"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/toolhive-bundle-server/internal/validators"
)

// SubjectParam extracts the subject path parameter, decodes it and validates it
func SubjectParam(r *http.Request) (string, error) {
	encoded := chi.URLParam(r, "subject")

	decoded, err := url.PathUnescape(encoded)
	if err != nil {
		return "", fmt.Errorf("invalid URL encoding in subject")
	}

	return validators.ValidateSubject(decoded)
}

// BoolQueryParam parses a boolean query parameter. A missing parameter is false.
func BoolQueryParam(r *http.Request, name string) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return false, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, fmt.Errorf("query parameter %s must be a boolean, got %q", name, raw)
	}
	return v, nil
}
