package oauth

import (
	"context"
	"fmt"
	"regexp"
	"slices"
	"strings"

	"github.com/kiosklabs/kiosk-oauth/storage"
)

// scopeIdentifierPattern is the shape of a single scope identifier.
var scopeIdentifierPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9:-]*[A-Za-z0-9]$`)

// parseScopeParam splits a space-delimited scope parameter and validates
// each identifier's shape. An empty parameter is a nil set, not an error.
func parseScopeParam(scope string) ([]string, *OAuthError) {
	if scope == "" {
		return nil, nil
	}
	parts := strings.Split(scope, " ")
	for _, p := range parts {
		if !scopeIdentifierPattern.MatchString(p) {
			return nil, ErrInvalidScope(fmt.Sprintf("malformed scope %q", p))
		}
	}
	return parts, nil
}

// resolveScopes checks the requested identifiers against the registered
// scope set, rejecting unknown ones by name, then intersects with the
// client's configured scopes. The intersection is a silent downgrade, not
// an error: the client simply gets no more than it was granted.
func (s *Server) resolveScopes(ctx context.Context, client *storage.Client, requested []string) ([]string, error) {
	if len(requested) == 0 {
		return nil, nil
	}
	known, err := s.store.GetScopes(ctx, requested)
	if err != nil {
		s.logger.Error("scope lookup failed", "error", err)
		return nil, ErrServerError("scope lookup failed")
	}
	knownIDs := make(map[string]bool, len(known))
	for _, sc := range known {
		knownIDs[sc.ID] = true
	}
	var unknown []string
	for _, id := range requested {
		if !knownIDs[id] {
			unknown = append(unknown, id)
		}
	}
	if len(unknown) > 0 {
		return nil, ErrInvalidScope(fmt.Sprintf("unknown scope: %s", strings.Join(unknown, " ")))
	}

	var granted []string
	for _, id := range requested {
		if slices.Contains(client.Scopes, id) {
			granted = append(granted, id)
		}
	}
	return granted, nil
}

// scopesSubset reports whether every element of sub is in super.
func scopesSubset(sub, super []string) bool {
	for _, s := range sub {
		if !slices.Contains(super, s) {
			return false
		}
	}
	return true
}

// scopeString joins a scope set for the wire.
func scopeString(scopes []string) string {
	return strings.Join(scopes, " ")
}
