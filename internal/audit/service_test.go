package audit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgtype"
)

type stubTimelineRepo struct {
	windowRows     []TimelineRow
	err            error
	lastWindowCall WindowParams
}

func (s *stubTimelineRepo) AuditTimelineWindow(ctx context.Context, arg WindowParams) ([]TimelineRow, error) {
	s.lastWindowCall = arg
	return s.windowRows, s.err
}

func TestServiceTimelinePaging(t *testing.T) {
	repo := &stubTimelineRepo{
		windowRows: []TimelineRow{
			mockRow("2026-03-10T10:00:00Z", 3, "access_denied", "tickets:update:all"),
			mockRow("2026-03-09T09:00:00Z", 2, "admin_change", "role:Manager"),
			mockRow("2026-03-08T08:00:00Z", 2, "critical_permission_used", "assets:delete:all"),
		},
	}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{
		From:     time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC),
		To:       time.Date(2026, 3, 31, 0, 0, 0, 0, time.UTC),
		Page:     1,
		PageSize: 2,
	})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if len(result.Rows) != 2 {
		t.Fatalf("expected 2 rows, got %d", len(result.Rows))
	}
	if !result.Paging.HasNext || result.Paging.NextPage != 2 {
		t.Fatalf("expected next page 2, got %+v", result.Paging)
	}
	if repo.lastWindowCall.LimitRows != 3 {
		t.Fatalf("expected limitRows 3, got %d", repo.lastWindowCall.LimitRows)
	}
	if repo.lastWindowCall.OffsetRows != 0 {
		t.Fatalf("expected offset 0, got %d", repo.lastWindowCall.OffsetRows)
	}
	if repo.lastWindowCall.ActorID.Valid || repo.lastWindowCall.Kind != (pgtype.Text{}) {
		t.Fatalf("expected empty optional filters")
	}
}

func TestServiceTimelineClampsAndFilters(t *testing.T) {
	repo := &stubTimelineRepo{}
	svc := NewService(repo)
	result, err := svc.Timeline(context.Background(), TimelineFilters{
		ActorID:  42,
		Kind:     " access_denied ",
		Page:     3,
		PageSize: 500,
	})
	if err != nil {
		t.Fatalf("timeline: %v", err)
	}
	if result.Paging.PageSize != 50 || result.Paging.PrevPage != 2 {
		t.Fatalf("unexpected paging %+v", result.Paging)
	}
	call := repo.lastWindowCall
	if call.OffsetRows != 100 || call.LimitRows != 51 {
		t.Fatalf("unexpected window %d/%d", call.OffsetRows, call.LimitRows)
	}
	if !call.ActorID.Valid || call.ActorID.Int64 != 42 {
		t.Fatalf("expected actor filter 42, got %+v", call.ActorID)
	}
	if call.Kind.String != "access_denied" {
		t.Fatalf("expected trimmed kind, got %q", call.Kind.String)
	}
	if call.FromAt.Valid {
		t.Fatalf("expected open lower bound")
	}
}

func TestServiceTimelinePropagatesErrors(t *testing.T) {
	repo := &stubTimelineRepo{err: errors.New("boom")}
	_, err := NewService(repo).Timeline(context.Background(), TimelineFilters{})
	if err == nil {
		t.Fatalf("expected error")
	}
	if _, err := NewService(nil).Timeline(context.Background(), TimelineFilters{}); err == nil {
		t.Fatalf("expected error without repository")
	}
}

func mockRow(ts string, actor int64, kind, subject string) TimelineRow {
	at, _ := time.Parse(time.RFC3339, ts)
	return TimelineRow{ID: ts, At: at, ActorID: actor, Kind: kind, Subject: subject}
}
