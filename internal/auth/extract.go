// Package auth validates callers and decides what they may reach: API keys for
// the OpenAI-compatible surface, signed sessions for administration.
package auth

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/tidwall/gjson"

	"github.com/felipepmaragno/llmmux/internal/domain"
)

const bearerPrefix = "Bearer "

var modelPathPattern = regexp.MustCompile(`/v1/models/([^/?]+)`)

// ExtractBearer returns whatever follows "Bearer " verbatim, including an
// empty or whitespace-only token.
func ExtractBearer(header string) (string, error) {
	if header == "" {
		return "", &domain.AuthenticationError{Reason: domain.ErrMissingAuthHeader}
	}
	if !strings.HasPrefix(header, bearerPrefix) {
		return "", &domain.AuthenticationError{Reason: domain.ErrInvalidAuthHeader}
	}
	return header[len(bearerPrefix):], nil
}

// ExtractModel prefers the body's "model" field, then a /v1/models/{name}
// path segment. An empty result means the request is not model scoped.
func ExtractModel(body []byte, path string) string {
	if len(body) > 0 && gjson.ValidBytes(body) {
		if m := gjson.GetBytes(body, "model"); m.Type == gjson.String && m.Str != "" {
			return m.Str
		}
	}

	if match := modelPathPattern.FindStringSubmatch(path); match != nil {
		return match[1]
	}
	return ""
}

// CheckModelField rejects bodies naming "model" more than once at the top
// level. Backends decode the last occurrence while ExtractModel reads the
// first, so such a body could be authorized for one model and served by another.
func CheckModelField(body []byte) error {
	if len(body) == 0 || !gjson.ValidBytes(body) {
		return nil
	}
	root := gjson.ParseBytes(body)
	if !root.IsObject() {
		return nil
	}

	seen := 0
	root.ForEach(func(key, _ gjson.Result) bool {
		if key.String() == "model" {
			seen++
		}
		return seen < 2
	})
	if seen > 1 {
		return fmt.Errorf("%w: duplicate model field", domain.ErrInvalidRequest)
	}
	return nil
}
