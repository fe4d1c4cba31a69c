package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// UserIdentity is what the gateway knows about the authenticated user,
// extracted from the platform's id_token claims.
type UserIdentity struct {
	Subject     string `json:"sub"`
	FHIRUser    string `json:"fhir_user,omitempty"`
	PatientID   string `json:"patient_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
}

// IdentityFromIDToken extracts identity claims from an id_token without
// verifying its signature. The token arrived over the provider's TLS token
// endpoint in direct response to our code exchange, which is the SMART
// trust model for claim extraction here; nothing security-critical keys
// off these values.
func IdentityFromIDToken(idToken string) *UserIdentity {
	if idToken == "" {
		return nil
	}

	parser := jwt.NewParser()
	token, _, err := parser.ParseUnverified(idToken, jwt.MapClaims{})
	if err != nil {
		return nil
	}
	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil
	}

	id := &UserIdentity{
		Subject:     stringClaim(claims, "sub"),
		FHIRUser:    stringClaim(claims, "fhirUser"),
		DisplayName: stringClaim(claims, "name"),
	}
	if id.FHIRUser == "" {
		id.FHIRUser = stringClaim(claims, "profile")
	}

	// A fhirUser reference like ".../Patient/123" carries the patient id.
	if id.PatientID == "" && id.FHIRUser != "" {
		if idx := strings.LastIndex(id.FHIRUser, "Patient/"); idx >= 0 {
			id.PatientID = id.FHIRUser[idx+len("Patient/"):]
		}
	}
	if id.Subject == "" && id.FHIRUser == "" {
		return nil
	}
	return id
}

func stringClaim(claims jwt.MapClaims, key string) string {
	if v, ok := claims[key].(string); ok {
		return v
	}
	return ""
}
