// Package secrets defines the Provider interface for credential resolution.
// Credential values in the Tuma config may be opaque references (e.g.
// "env://GOOGLE_API_KEY") resolved at startup; the resolved material is
// injected into deployed sandboxes and never written to logs or responses.
package secrets

import (
	"context"
	"fmt"
	"strings"
)

// Secret holds resolved credential material.
// This type MUST NOT be serialized to JSON or included in API responses.
type Secret struct {
	Value    string            // The raw secret value (API key, token).
	Metadata map[string]string // Backend-specific metadata (e.g., source, variable).
}

// Provider resolves opaque credential references into secret material.
// Implementations must be safe for concurrent use.
type Provider interface {
	// Resolve takes a credential reference (e.g., "env://MY_KEY") and
	// returns the raw secret. Returns ErrSecretNotFound if the reference
	// cannot be resolved.
	Resolve(ctx context.Context, credentialRef string) (*Secret, error)

	// Name returns the provider identifier for logging (never includes secrets).
	Name() string
}

// ErrSecretNotFound is returned when a credential reference cannot be resolved.
var ErrSecretNotFound = fmt.Errorf("secret not found")

// IsRef reports whether a credential value is a reference to be resolved
// rather than a literal.
func IsRef(value string) bool {
	return strings.Contains(value, "://")
}

// ResolveMap resolves every reference-shaped value in creds through the
// provider, leaving literals untouched. The input map is not modified.
func ResolveMap(ctx context.Context, p Provider, creds map[string]string) (map[string]string, error) {
	out := make(map[string]string, len(creds))
	for key, value := range creds {
		if !IsRef(value) {
			out[key] = value
			continue
		}
		secret, err := p.Resolve(ctx, value)
		if err != nil {
			return nil, fmt.Errorf("resolving credential %s: %w", key, err)
		}
		out[key] = secret.Value
	}
	return out, nil
}
