package db

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func newCtx(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestExtractTenantID(t *testing.T) {
	tests := []struct {
		name   string
		target string
		header string
		jwt    string
		want   string
	}{
		{"header", "/", "lab_north", "", "lab_north"},
		{"query", "/?tenant_id=clinic_xyz", "", "", "clinic_xyz"},
		{"jwt", "/", "", "jwt_tenant", "jwt_tenant"},
		{"default", "/", "", "", "default"},
		{"jwt beats header and query", "/?tenant_id=q", "h", "j", "j"},
		{"header beats query", "/?tenant_id=q", "h", "", "h"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := newCtx(tt.target)
			if tt.header != "" {
				c.Request().Header.Set("X-Tenant-ID", tt.header)
			}
			if tt.jwt != "" {
				c.Set("jwt_tenant_id", tt.jwt)
			}
			if got := extractTenantID(c, "default"); got != tt.want {
				t.Errorf("got %q, want %q", got, tt.want)
			}
		})
	}
}

func TestValidTenantID(t *testing.T) {
	valid := []string{"default", "lab_1", "ABC123"}
	invalid := []string{"", "a-b", "a b", "a;DROP", "lab.x", "x'y"}
	for _, id := range valid {
		if !ValidTenantID(id) {
			t.Errorf("expected %q to be valid", id)
		}
	}
	for _, id := range invalid {
		if ValidTenantID(id) {
			t.Errorf("expected %q to be invalid", id)
		}
	}
}

func TestSchemaName(t *testing.T) {
	if got := SchemaName("north"); got != "lab_north" {
		t.Errorf("got %q", got)
	}
}

func TestTenantMiddleware_RejectsInvalidTenant(t *testing.T) {
	c := newCtx("/")
	c.Request().Header.Set("X-Tenant-ID", "bad-tenant")
	called := false
	h := TenantMiddleware(nil, "default")(func(c echo.Context) error {
		called = true
		return nil
	})
	err := h(c)
	var he *echo.HTTPError
	if !errors.As(err, &he) || he.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %v", err)
	}
	if called {
		t.Error("next handler should not run")
	}
}

func TestContextAccessors(t *testing.T) {
	ctx := context.Background()
	if ConnFromContext(ctx) != nil {
		t.Error("expected nil conn")
	}
	if TxFromContext(ctx) != nil {
		t.Error("expected nil tx")
	}
	if TenantFromContext(ctx) != "" {
		t.Error("expected empty tenant")
	}
	if got := TenantFromContext(WithTenant(ctx, "north")); got != "north" {
		t.Errorf("got %q", got)
	}
}

func TestContextAccessors_WrongType(t *testing.T) {
	ctx := context.WithValue(context.Background(), DBConnKey, "not-a-conn")
	ctx = context.WithValue(ctx, DBTxKey, "not-a-tx")
	ctx = context.WithValue(ctx, TenantIDKey, 12345)
	if ConnFromContext(ctx) != nil || TxFromContext(ctx) != nil || TenantFromContext(ctx) != "" {
		t.Error("expected zero values for wrongly typed context values")
	}
}

func TestWithTx_NoConnection(t *testing.T) {
	_, _, err := WithTx(context.Background())
	if err == nil || err.Error() != "no database connection in context" {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestInTx_WithoutConnectionRunsDirectly(t *testing.T) {
	ran := false
	err := InTx(context.Background(), func(ctx context.Context) error {
		ran = true
		return nil
	})
	if err != nil || !ran {
		t.Errorf("expected fn to run, err=%v", err)
	}

	want := errors.New("boom")
	if err := InTx(context.Background(), func(context.Context) error { return want }); !errors.Is(err, want) {
		t.Errorf("expected fn error to propagate, got %v", err)
	}
}

func TestCreateTenantSchema_InvalidID(t *testing.T) {
	for _, id := range []string{"", "a-b", "x; DROP SCHEMA public"} {
		if err := CreateTenantSchema(context.Background(), nil, id, ""); err == nil {
			t.Errorf("expected error for %q", id)
		}
	}
}
