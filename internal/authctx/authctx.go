package authctx

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/jwalitptl/policy-engine/internal/model"
	"github.com/jwalitptl/policy-engine/internal/policy"
)

// Claims is the token shape the gateway issues. Subject carries the
// user id.
type Claims struct {
	jwt.RegisteredClaims
	Role            string `json:"role"`
	ClinicID        string `json:"clinic_id"`
	ProfessionalID  string `json:"professional_id,omitempty"`
	EmergencyAccess bool   `json:"emergency_access,omitempty"`
	Justification   string `json:"justification,omitempty"`
}

// FromToken verifies an HMAC-signed token and builds the request
// security context from its claims. Unknown roles are rejected so a
// forged or stale role claim can never reach the engine as anything
// evaluable.
func FromToken(tokenString string, secret []byte, hierarchy *policy.Hierarchy, ip string, now time.Time) (*model.RLSContext, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return secret, nil
	}, jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}
	if !token.Valid {
		return nil, fmt.Errorf("invalid token")
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		return nil, fmt.Errorf("token subject is not a uuid: %w", err)
	}
	clinicID, err := uuid.Parse(claims.ClinicID)
	if err != nil {
		return nil, fmt.Errorf("token clinic_id is not a uuid: %w", err)
	}

	role := model.Role(claims.Role)
	if !hierarchy.Known(role) {
		return nil, fmt.Errorf("unknown role %q", claims.Role)
	}

	rls := &model.RLSContext{
		UserID:          userID,
		Role:            role,
		ClinicID:        clinicID,
		EmergencyAccess: claims.EmergencyAccess,
		AccessTime:      now,
		IPAddress:       ip,
		Justification:   claims.Justification,
	}

	if claims.ProfessionalID != "" {
		professionalID, err := uuid.Parse(claims.ProfessionalID)
		if err != nil {
			return nil, fmt.Errorf("token professional_id is not a uuid: %w", err)
		}
		rls.ProfessionalID = &professionalID
	}

	return rls, nil
}
