package pagination

import (
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/labstack/echo/v4"
)

func contextFor(target string) echo.Context {
	e := echo.New()
	return e.NewContext(httptest.NewRequest(http.MethodGet, target, nil), httptest.NewRecorder())
}

func TestFromContext(t *testing.T) {
	tests := []struct {
		name    string
		query   string
		want    Params
		wantErr bool
	}{
		{"defaults", "", Params{Limit: DefaultLimit}, false},
		{"explicit", "?limit=5&offset=10", Params{Limit: 5, Offset: 10}, false},
		{"capped", "?limit=1000", Params{Limit: MaxLimit}, false},
		{"zero limit", "?limit=0", Params{}, true},
		{"negative offset", "?offset=-1", Params{}, true},
		{"non numeric", "?limit=abc", Params{}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := FromContext(contextFor("/" + tt.query))
			if (err != nil) != tt.wantErr {
				t.Fatalf("FromContext() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && got != tt.want {
				t.Errorf("FromContext() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse([]string{"a", "b"}, 5, Params{Limit: 2, Offset: 0})
	if !resp.HasMore {
		t.Error("expected HasMore with 5 total and first page of 2")
	}
	resp = NewResponse([]string{"e"}, 5, Params{Limit: 2, Offset: 4})
	if resp.HasMore {
		t.Error("expected no more results on last page")
	}
}

func TestWithLinks(t *testing.T) {
	u, _ := url.Parse("/api/v1/patients/p1/consent-contracts?status=approved&limit=2&offset=2")
	resp := NewResponse(nil, 5, Params{Limit: 2, Offset: 2}).WithLinks(u)

	if resp.Links.Self != "/api/v1/patients/p1/consent-contracts?limit=2&offset=2&status=approved" {
		t.Errorf("unexpected self link %q", resp.Links.Self)
	}
	if resp.Links.Next != "/api/v1/patients/p1/consent-contracts?limit=2&offset=4&status=approved" {
		t.Errorf("unexpected next link %q", resp.Links.Next)
	}
	if resp.Links.Previous != "/api/v1/patients/p1/consent-contracts?limit=2&offset=0&status=approved" {
		t.Errorf("unexpected previous link %q", resp.Links.Previous)
	}
}

func TestWithLinks_FirstAndLastPage(t *testing.T) {
	u, _ := url.Parse("/items")
	resp := NewResponse(nil, 2, Params{Limit: 20}).WithLinks(u)
	if resp.Links.Next != "" || resp.Links.Previous != "" {
		t.Errorf("expected no neighbours for single page, got %+v", resp.Links)
	}
}

func TestPreviousOffset(t *testing.T) {
	if got := (Params{Limit: 20, Offset: 5}).PreviousOffset(); got != 0 {
		t.Errorf("expected clamp to 0, got %d", got)
	}
	if got := (Params{Limit: 20, Offset: 45}).PreviousOffset(); got != 25 {
		t.Errorf("expected 25, got %d", got)
	}
}
