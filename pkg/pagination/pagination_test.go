package pagination

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
)

func ctxFor(target string) echo.Context {
	e := echo.New()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		target string
		want   Params
	}{
		{"/", Params{Limit: DefaultLimit, Offset: 0}},
		{"/?limit=50&offset=10", Params{Limit: 50, Offset: 10}},
		{"/?limit=500", Params{Limit: MaxLimit, Offset: 0}},
		{"/?limit=-3&offset=-7", Params{Limit: DefaultLimit, Offset: 0}},
		{"/?limit=abc", Params{Limit: DefaultLimit, Offset: 0}},
	}
	for _, tt := range tests {
		if got := FromContext(ctxFor(tt.target)); got != tt.want {
			t.Errorf("%s: got %+v, want %+v", tt.target, got, tt.want)
		}
	}
}

func TestParams_Navigation(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if !p.HasNext(20) || p.HasNext(15) {
		t.Error("HasNext wrong")
	}
	if !p.HasPrevious() || (Params{Limit: 10}).HasPrevious() {
		t.Error("HasPrevious wrong")
	}
	if p.NextOffset() != 15 {
		t.Errorf("NextOffset = %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("PreviousOffset = %d", p.PreviousOffset())
	}
	if (Params{Limit: 10, Offset: 30}).PreviousOffset() != 20 {
		t.Error("PreviousOffset from 30 should be 20")
	}
}

func TestNewResponse(t *testing.T) {
	r := NewResponse([]int{1, 2}, 25, 2, 0)
	if r.Total != 25 || !r.HasMore {
		t.Errorf("unexpected response %+v", r)
	}
	if NewResponse(nil, 2, 2, 0).HasMore {
		t.Error("last page should not have more")
	}
}

func TestFromRequest_Links(t *testing.T) {
	c := ctxFor("/api/v1/test-results?patient_id=p1&limit=10&offset=10")
	p := FromContext(c)
	r := FromRequest(c, []string{}, 35, p)

	if r.Next != "/api/v1/test-results?limit=10&offset=20&patient_id=p1" {
		t.Errorf("next = %q", r.Next)
	}
	if r.Previous != "/api/v1/test-results?limit=10&offset=0&patient_id=p1" {
		t.Errorf("previous = %q", r.Previous)
	}
}

func TestFromRequest_SinglePage(t *testing.T) {
	c := ctxFor("/x")
	r := FromRequest(c, nil, 3, FromContext(c))
	if r.Next != "" || r.Previous != "" || r.HasMore {
		t.Errorf("unexpected links %+v", r)
	}
}
