package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testCfg = JWTConfig{
	Issuer:     "lis-test",
	Audience:   "lis-api",
	SigningKey: []byte("test-secret-key"),
}

func runMiddleware(t *testing.T, mw echo.MiddlewareFunc, authHeader string) (echo.Context, error, bool) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authHeader != "" {
		req.Header.Set("Authorization", authHeader)
	}
	c := e.NewContext(req, httptest.NewRecorder())
	called := false
	err := mw(func(c echo.Context) error {
		called = true
		return nil
	})(c)
	return c, err, called
}

func statusOf(err error) int {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he.Code
	}
	return 0
}

func TestJWTMiddleware_ValidToken(t *testing.T) {
	tok, err := IssueToken(testCfg, "tech-1", "north", []string{RoleLabTech}, time.Hour)
	if err != nil {
		t.Fatalf("IssueToken: %v", err)
	}
	c, err, called := runMiddleware(t, JWTMiddleware(testCfg), "Bearer "+tok)
	if err != nil || !called {
		t.Fatalf("expected pass, got %v", err)
	}
	if got := UserIDFromContext(c.Request().Context()); got != "tech-1" {
		t.Errorf("user id = %q", got)
	}
	if roles := RolesFromContext(c.Request().Context()); len(roles) != 1 || roles[0] != RoleLabTech {
		t.Errorf("roles = %v", roles)
	}
	if c.Get("jwt_tenant_id") != "north" {
		t.Errorf("tenant = %v", c.Get("jwt_tenant_id"))
	}
}

func TestJWTMiddleware_Rejections(t *testing.T) {
	wrongKey := testCfg
	wrongKey.SigningKey = []byte("other")
	badSig, _ := IssueToken(wrongKey, "u", "", nil, time.Hour)

	otherIssuer := testCfg
	otherIssuer.Issuer = "someone-else"
	badIss, _ := IssueToken(otherIssuer, "u", "", nil, time.Hour)

	expired, _ := IssueToken(testCfg, "u", "", nil, -time.Minute)

	noExp, _ := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{Subject: "u", Issuer: testCfg.Issuer, Audience: jwt.ClaimStrings{testCfg.Audience}},
	}).SignedString(testCfg.SigningKey)

	tests := []struct {
		name   string
		header string
	}{
		{"missing header", ""},
		{"wrong scheme", "Basic abc"},
		{"empty token", "Bearer "},
		{"garbage", "Bearer not.a.jwt"},
		{"bad signature", "Bearer " + badSig},
		{"wrong issuer", "Bearer " + badIss},
		{"expired", "Bearer " + expired},
		{"no expiry", "Bearer " + noExp},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err, called := runMiddleware(t, JWTMiddleware(testCfg), tt.header)
			if called {
				t.Fatal("next handler should not run")
			}
			if statusOf(err) != http.StatusUnauthorized {
				t.Errorf("expected 401, got %v", err)
			}
		})
	}
}

func TestDevAuthMiddleware_NoHeader(t *testing.T) {
	c, err, called := runMiddleware(t, DevAuthMiddleware(JWTConfig{}), "")
	if err != nil || !called {
		t.Fatalf("expected pass, got %v", err)
	}
	if UserIDFromContext(c.Request().Context()) != "dev-user" {
		t.Error("expected dev-user")
	}
	if !HasRole(RolesFromContext(c.Request().Context()), RoleLabTech) {
		t.Error("dev user should be admin")
	}
}

func TestDevAuthMiddleware_ValidatesTokenWhenKeyed(t *testing.T) {
	_, err, called := runMiddleware(t, DevAuthMiddleware(testCfg), "Bearer garbage")
	if called || statusOf(err) != http.StatusUnauthorized {
		t.Errorf("expected 401, got %v", err)
	}
}

func TestIssueToken_RequiresKeyAndSubject(t *testing.T) {
	if _, err := IssueToken(JWTConfig{}, "u", "", nil, time.Hour); err == nil {
		t.Error("expected error without signing key")
	}
	if _, err := IssueToken(testCfg, "", "", nil, time.Hour); err == nil {
		t.Error("expected error without subject")
	}
}

func TestParseToken_RoundTrip(t *testing.T) {
	tok, _ := IssueToken(testCfg, "analyzer-7", "south", []string{RoleLabTech, RoleNurse}, time.Minute)
	claims, err := ParseToken(testCfg, tok)
	if err != nil {
		t.Fatalf("ParseToken: %v", err)
	}
	if claims.Subject != "analyzer-7" || claims.TenantID != "south" || len(claims.Roles) != 2 {
		t.Errorf("unexpected claims: %+v", claims)
	}
}
