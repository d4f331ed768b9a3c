package audithttp

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/assetdesk/assetdesk/internal/audit"
	"github.com/assetdesk/assetdesk/internal/rbac"
)

type stubTimelineService struct {
	result      audit.Result
	lastFilters audit.TimelineFilters
}

func (s *stubTimelineService) Timeline(ctx context.Context, filters audit.TimelineFilters) (audit.Result, error) {
	s.lastFilters = filters
	return s.result, nil
}

func newAuditHandler(service *stubTimelineService) *Handler {
	handler := NewHandler(nil, service, rbac.Middleware{})
	handler.now = func() time.Time { return time.Date(2026, 3, 15, 0, 0, 0, 0, time.UTC) }
	return handler
}

func TestTimelineDefaultsToLastWeek(t *testing.T) {
	service := &stubTimelineService{}
	handler := newAuditHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/audit", nil)
	rr := httptest.NewRecorder()
	handler.handleTimeline(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if got := service.lastFilters.From.Format("2006-01-02"); got != "2026-03-08" {
		t.Fatalf("unexpected from %s", got)
	}
	if got := service.lastFilters.To.Format("2006-01-02"); got != "2026-03-16" {
		t.Fatalf("expected exclusive upper bound, got %s", got)
	}
	var body audit.Result
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body.Rows == nil {
		t.Fatalf("expected empty rows array")
	}
}

func TestTimelinePassesFilters(t *testing.T) {
	rows := []audit.TimelineRow{{ID: "a", At: time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC), Kind: "access_denied", ActorID: 3}}
	service := &stubTimelineService{result: audit.Result{Rows: rows, Paging: audit.PagingInfo{Page: 2, PageSize: 10}}}
	handler := newAuditHandler(service)

	req := httptest.NewRequest(http.MethodGet, "/audit?from=2026-03-01&to=2026-03-10&actor_id=3&kind=access_denied&page=2&page_size=10", nil)
	rr := httptest.NewRecorder()
	handler.handleTimeline(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	f := service.lastFilters
	if f.ActorID != 3 || f.Kind != "access_denied" || f.Page != 2 || f.PageSize != 10 {
		t.Fatalf("unexpected filters %+v", f)
	}
}

func TestTimelineRejectsBadFilters(t *testing.T) {
	cases := []string{
		"/audit?from=2026-03-10&to=2026-03-01",
		"/audit?from=2025-01-01&to=2026-03-01",
		"/audit?to=yesterday",
		"/audit?page=0",
		"/audit?actor_id=abc",
	}
	for _, target := range cases {
		handler := newAuditHandler(&stubTimelineService{})
		rr := httptest.NewRecorder()
		handler.handleTimeline(rr, httptest.NewRequest(http.MethodGet, target, nil))
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: expected 400, got %d", target, rr.Code)
		}
	}
}
