package auth

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func TestHasRole(t *testing.T) {
	tests := []struct {
		granted  []string
		required []string
		want     bool
	}{
		{[]string{RoleLabTech}, WriteRoles, true},
		{[]string{RoleNurse}, WriteRoles, false},
		{[]string{RoleNurse}, ReadRoles, true},
		{[]string{RoleAdmin}, []string{"anything"}, true},
		{nil, ReadRoles, false},
		{[]string{"patient"}, ReadRoles, false},
	}
	for _, tt := range tests {
		if got := HasRole(tt.granted, tt.required...); got != tt.want {
			t.Errorf("HasRole(%v, %v) = %v, want %v", tt.granted, tt.required, got, tt.want)
		}
	}
}

func TestRequireRole(t *testing.T) {
	e := echo.New()
	handler := RequireRole(WriteRoles...)(func(c echo.Context) error {
		return c.NoContent(http.StatusNoContent)
	})

	for _, tc := range []struct {
		roles []string
		code  int
	}{
		{[]string{RoleLabTech}, http.StatusNoContent},
		{[]string{RolePhysician}, http.StatusForbidden},
		{nil, http.StatusForbidden},
	} {
		req := httptest.NewRequest(http.MethodPost, "/", nil)
		req = req.WithContext(context.WithValue(req.Context(), UserRolesKey, tc.roles))
		rec := httptest.NewRecorder()
		c := e.NewContext(req, rec)

		err := handler(c)
		code := rec.Code
		if err != nil {
			code = statusOf(err)
		}
		if code != tc.code {
			t.Errorf("roles %v: got %d, want %d", tc.roles, code, tc.code)
		}
	}
}
