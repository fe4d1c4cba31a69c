package auth

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/fhirgw/fhirgw/internal/platform/audit"
)

func TestParseScopes(t *testing.T) {
	scopes := ParseScopes("openid fhirUser patient/Patient.read user/Observation.cruds launch/patient garbage system/*.*")
	if len(scopes) != 3 {
		t.Fatalf("expected 3 SMART scopes, got %d: %v", len(scopes), scopes)
	}
	if scopes[0].Context != "patient" || scopes[0].ResourceType != "Patient" || scopes[0].Permissions != "read" {
		t.Errorf("unexpected first scope: %+v", scopes[0])
	}
	if scopes[2].ResourceType != "*" || scopes[2].Permissions != "*" {
		t.Errorf("unexpected wildcard scope: %+v", scopes[2])
	}
}

func TestParseScope_RejectsMalformed(t *testing.T) {
	for _, bad := range []string{"", "patient/Patient", "patient.read", "admin/Patient.read", "patient/Patient.xyz", "openid"} {
		if _, ok := ParseScope(bad); ok {
			t.Errorf("expected %q to be rejected", bad)
		}
	}
}

func TestAllowsOperation_ReadScope(t *testing.T) {
	scope, ok := ParseScope("patient/Patient.read")
	if !ok {
		t.Fatal("failed to parse scope")
	}

	allowed := map[string]bool{
		"read":   true,
		"search": true,
		"create": false,
		"update": false,
		"delete": false,
	}
	for op, want := range allowed {
		if got := scope.AllowsOperation("Patient", op); got != want {
			t.Errorf("Patient %s: got %v want %v", op, got, want)
		}
	}

	if scope.AllowsOperation("Observation", "read") {
		t.Error("read scope on Patient must not allow Observation")
	}
}

func TestAllowsOperation_WriteScope(t *testing.T) {
	scope, _ := ParseScope("user/Observation.write")
	for _, op := range []string{"create", "update", "delete"} {
		if !scope.AllowsOperation("Observation", op) {
			t.Errorf("write scope should allow %s", op)
		}
	}
	for _, op := range []string{"read", "search"} {
		if scope.AllowsOperation("Observation", op) {
			t.Errorf("write scope should not allow %s", op)
		}
	}
}

func TestAllowsOperation_SystemWildcard(t *testing.T) {
	scope, _ := ParseScope("system/*.*")
	for _, resource := range []string{"Patient", "Observation", "Encounter"} {
		for _, op := range []string{"create", "read", "search", "update", "delete"} {
			if !scope.AllowsOperation(resource, op) {
				t.Errorf("system/*.* should allow %s on %s", op, resource)
			}
		}
	}
}

func TestAllowsOperation_CrudsCharacters(t *testing.T) {
	scope, _ := ParseScope("patient/Observation.rs")
	if !scope.AllowsOperation("Observation", "read") || !scope.AllowsOperation("Observation", "search") {
		t.Error("rs permissions should allow read and search")
	}
	if scope.AllowsOperation("Observation", "update") {
		t.Error("rs permissions should not allow update")
	}
}

func TestCheckScopePermission_FirstMatchWins(t *testing.T) {
	scopes := ParseScopes("patient/Observation.read patient/*.*")
	decision := CheckScopePermission(scopes, "Observation", "read")
	if !decision.Allowed {
		t.Fatal("expected allow")
	}
	if decision.Granted.String() != "patient/Observation.read" {
		t.Errorf("expected first matching scope, got %s", decision.Granted)
	}
}

func TestCheckScopePermission_DenialReason(t *testing.T) {
	scopes := ParseScopes("patient/Patient.read")
	decision := CheckScopePermission(scopes, "Observation", "read")
	if decision.Allowed {
		t.Fatal("expected denial")
	}
	if !strings.Contains(decision.Reason, "patient/Patient.read") {
		t.Errorf("reason should enumerate presented scopes, got %q", decision.Reason)
	}
}

// stubTokenReader serves a fixed token for the validator tests.
type stubTokenReader struct {
	token *OAuthToken
}

func (s *stubTokenReader) GetToken(ctx context.Context, sessionID, platformID string, autoRefresh bool) (*OAuthToken, error) {
	return s.token, nil
}

// recordingAudit captures audit events for assertions.
type recordingAudit struct {
	events []audit.Event
}

func (r *recordingAudit) Record(ctx context.Context, e audit.Event) {
	r.events = append(r.events, e)
}

func TestValidateOperation_FailsOpenWithoutToken(t *testing.T) {
	v := NewScopeValidator(&stubTokenReader{}, audit.Nop{}, zerolog.Nop())
	if err := v.ValidateOperation(context.Background(), "sid", "epic", "Patient", "read"); err != nil {
		t.Fatalf("expected fail-open without token, got %v", err)
	}
}

func TestValidateOperation_FailsOpenWithoutSMARTScopes(t *testing.T) {
	reader := &stubTokenReader{token: NewOAuthToken("at", "Bearer", "", "openid profile", "", 3600)}
	v := NewScopeValidator(reader, audit.Nop{}, zerolog.Nop())
	if err := v.ValidateOperation(context.Background(), "sid", "epic", "Patient", "read"); err != nil {
		t.Fatalf("expected fail-open without SMART scopes, got %v", err)
	}
}

func TestValidateOperation_DeniesAndAudits(t *testing.T) {
	reader := &stubTokenReader{token: NewOAuthToken("at", "Bearer", "", "patient/Patient.read", "", 3600)}
	rec := &recordingAudit{}
	v := NewScopeValidator(reader, rec, zerolog.Nop())

	err := v.ValidateOperation(context.Background(), "sid", "epic", "Observation", "delete")
	if err == nil {
		t.Fatal("expected denial")
	}
	if !strings.Contains(err.Error(), "insufficient scope") {
		t.Errorf("unexpected error: %v", err)
	}

	if len(rec.events) != 1 {
		t.Fatalf("expected 1 audit event, got %d", len(rec.events))
	}
	if rec.events[0].Name != audit.EventSecurityScopeViolation {
		t.Errorf("expected scope violation event, got %s", rec.events[0].Name)
	}
}

func TestValidateOperation_AllowsMatchingScope(t *testing.T) {
	reader := &stubTokenReader{token: NewOAuthToken("at", "Bearer", "", "patient/Observation.rs", "", 3600)}
	rec := &recordingAudit{}
	v := NewScopeValidator(reader, rec, zerolog.Nop())

	if err := v.ValidateOperation(context.Background(), "sid", "epic", "Observation", "search"); err != nil {
		t.Fatalf("expected allow, got %v", err)
	}
	if len(rec.events) != 0 {
		t.Errorf("expected no audit events on allow, got %d", len(rec.events))
	}
}
