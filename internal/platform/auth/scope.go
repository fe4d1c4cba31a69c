package auth

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"github.com/fhirgw/fhirgw/internal/platform/audit"
)

// smartScopePattern matches SMART on FHIR scope strings in both v1
// (read/write/*) and v2 (cruds) permission syntax.
var smartScopePattern = regexp.MustCompile(`^(patient|user|system|launch)/([A-Za-z*][A-Za-z0-9]*|\*)\.(read|write|\*|[cruds]+)$`)

// SMARTScope is one parsed scope such as "patient/Observation.rs".
// Immutable; derived purely from the scope string.
type SMARTScope struct {
	Context      string
	ResourceType string
	Permissions  string
}

// String reassembles the canonical scope form.
func (s SMARTScope) String() string {
	return s.Context + "/" + s.ResourceType + "." + s.Permissions
}

// ParseScope parses a single scope token. The second return is false for
// anything that is not a well-formed SMART scope.
func ParseScope(token string) (SMARTScope, bool) {
	m := smartScopePattern.FindStringSubmatch(token)
	if m == nil {
		return SMARTScope{}, false
	}
	return SMARTScope{Context: m[1], ResourceType: m[2], Permissions: m[3]}, true
}

// ParseScopes splits a space-separated scope string and keeps the tokens
// that parse as SMART scopes. Non-SMART tokens (openid, fhirUser, launch
// contexts, ...) are dropped silently: absence of a scope means absence of
// permission, never an error.
func ParseScopes(scopeString string) []SMARTScope {
	var scopes []SMARTScope
	for _, token := range strings.Fields(scopeString) {
		if s, ok := ParseScope(token); ok {
			scopes = append(scopes, s)
		}
	}
	return scopes
}

// splitScopeList splits a raw scope string into its tokens, SMART or not.
func splitScopeList(scopeString string) []string {
	return strings.Fields(scopeString)
}

// operationPermission maps a FHIR interaction to its SMART v2 permission
// character. Search reads.
var operationPermission = map[string]byte{
	"create": 'c',
	"read":   'r',
	"search": 'r',
	"update": 'u',
	"delete": 'd',
}

// AllowsOperation reports whether this scope permits the operation on the
// resource type. The resource must match exactly or the scope must be a
// wildcard; v1 "read"/"write" and v2 character sets are both honored.
func (s SMARTScope) AllowsOperation(resourceType, operation string) bool {
	if s.ResourceType != "*" && s.ResourceType != resourceType {
		return false
	}

	required, ok := operationPermission[operation]
	if !ok {
		return false
	}

	switch s.Permissions {
	case "*":
		return true
	case "read":
		return required == 'r'
	case "write":
		return required == 'c' || required == 'u' || required == 'd'
	default:
		return strings.IndexByte(s.Permissions, required) >= 0
	}
}

// ScopeDecision is the outcome of a permission check: the first scope that
// granted access, or a reason explaining the denial.
type ScopeDecision struct {
	Allowed bool
	Granted *SMARTScope
	Reason  string
}

// CheckScopePermission returns the first scope, in presentation order,
// that allows the operation. No priority sorting; providers order scopes
// meaningfully and the first match is cheap and deterministic.
func CheckScopePermission(scopes []SMARTScope, resourceType, operation string) ScopeDecision {
	for i := range scopes {
		if scopes[i].AllowsOperation(resourceType, operation) {
			return ScopeDecision{Allowed: true, Granted: &scopes[i]}
		}
	}

	presented := make([]string, len(scopes))
	for i, s := range scopes {
		presented[i] = s.String()
	}
	return ScopeDecision{
		Allowed: false,
		Reason: fmt.Sprintf("no scope permits %s on %s (granted scopes: %s)",
			operation, resourceType, strings.Join(presented, " ")),
	}
}

// TokenReader is the slice of the token manager the validator needs.
type TokenReader interface {
	GetToken(ctx context.Context, sessionID, platformID string, autoRefresh bool) (*OAuthToken, error)
}

// ScopeValidator gates FHIR operations on the SMART scopes granted to the
// session's token for a platform.
type ScopeValidator struct {
	tokens TokenReader
	audit  audit.Logger
	logger zerolog.Logger
}

// NewScopeValidator wires a validator to a token source and an audit sink.
func NewScopeValidator(tokens TokenReader, auditLog audit.Logger, logger zerolog.Logger) *ScopeValidator {
	return &ScopeValidator{
		tokens: tokens,
		audit:  auditLog,
		logger: logger.With().Str("component", "scope_validator").Logger(),
	}
}

// ValidateOperation fails open when there is no token or the token carries
// no parseable SMART scopes, since some providers do not issue them. Only
// a token with SMART scopes none of which match is rejected, with a
// security audit event and ErrInsufficientScope.
func (v *ScopeValidator) ValidateOperation(ctx context.Context, sessionID, platformID, resourceType, operation string) error {
	token, err := v.tokens.GetToken(ctx, sessionID, platformID, false)
	if err != nil || token == nil {
		return nil
	}

	scopes := ParseScopes(token.Scope)
	if len(scopes) == 0 {
		return nil
	}

	decision := CheckScopePermission(scopes, resourceType, operation)
	if decision.Allowed {
		return nil
	}

	v.audit.Record(ctx, audit.Event{
		Name:         audit.EventSecurityScopeViolation,
		SessionID:    sessionID,
		PlatformID:   platformID,
		ResourceType: resourceType,
		Success:      false,
		Error:        decision.Reason,
		Details:      map[string]any{"operation": operation},
	})
	v.logger.Warn().
		Str("platform_id", platformID).
		Str("resource_type", resourceType).
		Str("operation", operation).
		Msg("scope check denied operation")

	return fmt.Errorf("%w: %s", ErrInsufficientScope, decision.Reason)
}
