package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionCookieName    = "app_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func newTestValidator(t *testing.T, clockNow time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
		AdminRole:     "admin",
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func signSession(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func sessionClaims(issuedAt time.Time, ttl time.Duration, roles ...string) SessionClaims {
	return SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		UserRoles: roles,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(issuedAt.Add(ttl)),
		},
	}
}

func TestNewSessionValidatorValidatesConfiguration(t *testing.T) {
	if _, err := NewSessionValidator(SessionValidatorConfig{CookieName: testSessionCookieName}); !errors.Is(err, ErrMissingSessionSigningKey) {
		t.Fatalf("expected missing signing key error, got %v", err)
	}
	if _, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte("s")}); !errors.Is(err, ErrMissingSessionCookieName) {
		t.Fatalf("expected missing cookie name error, got %v", err)
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	signed := signSession(t, sessionClaims(clockNow.Add(-time.Minute), time.Hour), testSessionSigningSecret)
	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID || claims.UserEmail != testSessionUserEmail {
		t.Fatalf("unexpected claims: %+v", claims)
	}
}

func TestSessionValidatorRejections(t *testing.T) {
	clockNow := time.Date(2026, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	foreignIssuer := sessionClaims(clockNow.Add(-time.Minute), time.Hour)
	foreignIssuer.Issuer = "someone-else"
	withoutUser := sessionClaims(clockNow.Add(-time.Minute), time.Hour)
	withoutUser.UserID = ""

	testCases := []struct {
		name  string
		token string
		want  error
	}{
		{name: "empty", token: " ", want: ErrMissingSessionToken},
		{name: "expired", token: signSession(t, sessionClaims(clockNow.Add(-2*time.Hour), time.Hour), testSessionSigningSecret), want: ErrExpiredSessionToken},
		{name: "wrong secret", token: signSession(t, sessionClaims(clockNow.Add(-time.Minute), time.Hour), "other"), want: ErrInvalidSessionToken},
		{name: "foreign issuer", token: signSession(t, foreignIssuer, testSessionSigningSecret), want: ErrInvalidSessionToken},
		{name: "missing user", token: signSession(t, withoutUser, testSessionSigningSecret), want: ErrMissingSessionSubject},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			if _, err := validator.ValidateToken(testCase.token); !errors.Is(err, testCase.want) {
				t.Fatalf("expected %v, got %v", testCase.want, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequest(t *testing.T) {
	validator := newTestValidator(t, time.Now())
	signed := signSession(t, sessionClaims(time.Now().Add(-time.Minute), time.Hour, "admin"), testSessionSigningSecret)

	cookieRequest := httptest.NewRequest(http.MethodGet, "/attachments/c1", http.NoBody)
	cookieRequest.AddCookie(&http.Cookie{Name: testSessionCookieName, Value: signed})
	claims, err := validator.ValidateRequest(cookieRequest)
	if err != nil {
		t.Fatalf("cookie validation failed: %v", err)
	}
	if identity := validator.Identity(claims); identity.UserID != testSessionUserID || !identity.Admin {
		t.Fatalf("expected admin identity, got %+v", identity)
	}

	bearerRequest := httptest.NewRequest(http.MethodGet, "/attachments/c1", http.NoBody)
	bearerRequest.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(bearerRequest); err != nil {
		t.Fatalf("bearer validation failed: %v", err)
	}

	anonymous := httptest.NewRequest(http.MethodGet, "/attachments/c1", http.NoBody)
	if _, err := validator.ValidateRequest(anonymous); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token, got %v", err)
	}
}
