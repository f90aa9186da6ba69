package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
)

func newContext(target string) echo.Context {
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, target, nil)
	return e.NewContext(req, httptest.NewRecorder())
}

func TestFromContext_Defaults(t *testing.T) {
	p := FromContext(newContext("/visits"))
	if p.Limit != DefaultLimit {
		t.Errorf("expected limit %d, got %d", DefaultLimit, p.Limit)
	}
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestFromContext_CustomValues(t *testing.T) {
	p := FromContext(newContext("/visits?limit=50&offset=10"))
	if p.Limit != 50 || p.Offset != 10 {
		t.Errorf("expected 50/10, got %d/%d", p.Limit, p.Offset)
	}
}

func TestFromContext_MaxLimit(t *testing.T) {
	p := FromContext(newContext("/visits?limit=500"))
	if p.Limit != MaxLimit {
		t.Errorf("expected limit capped at %d, got %d", MaxLimit, p.Limit)
	}
}

func TestFromContext_NegativeOffset(t *testing.T) {
	p := FromContext(newContext("/visits?offset=-5"))
	if p.Offset != 0 {
		t.Errorf("expected offset 0, got %d", p.Offset)
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, 2, 0)
	if !resp.HasMore {
		t.Error("expected has_more for 2 of 5")
	}
	resp = NewResponse([]string{"e"}, 5, 2, 4)
	if resp.HasMore {
		t.Error("expected no more results on the last page")
	}
}

func TestParams_Offsets(t *testing.T) {
	p := Params{Limit: 10, Offset: 5}
	if p.NextOffset() != 15 {
		t.Errorf("expected next offset 15, got %d", p.NextOffset())
	}
	if p.PreviousOffset() != 0 {
		t.Errorf("expected previous offset clamped to 0, got %d", p.PreviousOffset())
	}
	if !p.HasPrevious() {
		t.Error("expected HasPrevious with offset 5")
	}
	if p.HasNext(15) {
		t.Error("expected no next page at total 15")
	}
}

func TestParams_LinkHeader_MiddlePage(t *testing.T) {
	p := Params{Limit: 10, Offset: 10}
	q := url.Values{"status": {"signed"}}
	link := p.LinkHeader("/api/v1/visits", q, 35)

	if !strings.Contains(link, `offset=20`) || !strings.Contains(link, `rel="next"`) {
		t.Errorf("expected next link at offset 20, got %q", link)
	}
	if !strings.Contains(link, `offset=0`) || !strings.Contains(link, `rel="prev"`) {
		t.Errorf("expected prev link at offset 0, got %q", link)
	}
	if !strings.Contains(link, "status=signed") {
		t.Errorf("expected filters to be preserved, got %q", link)
	}
	if q.Get("offset") != "" {
		t.Error("LinkHeader must not modify the caller's query")
	}
}

func TestParams_LinkHeader_SinglePage(t *testing.T) {
	p := Params{Limit: 20}
	if link := p.LinkHeader("/api/v1/visits", nil, 3); link != "" {
		t.Errorf("expected no links for a single page, got %q", link)
	}
}

func TestSetLinkHeader(t *testing.T) {
	c := newContext("/api/v1/visits?limit=2")
	SetLinkHeader(c, FromContext(c), 5)
	if got := c.Response().Header().Get("Link"); !strings.Contains(got, `rel="next"`) {
		t.Errorf("expected next link header, got %q", got)
	}
}
