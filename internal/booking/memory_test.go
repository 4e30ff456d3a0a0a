package booking

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

var t0 = time.Date(2024, 3, 13, 10, 0, 0, 0, time.UTC)

func seedRequest(t *testing.T, s *InMemory, nickname string, status Status) Request {
	t.Helper()
	var out Request
	err := s.Update(context.Background(), func(tx Tx) error {
		r, err := tx.InsertRequest(context.Background(), Request{
			Origin:      OriginMember,
			Nickname:    nickname,
			ServiceTags: []string{"battesimo"},
			Status:      status,
			CreatedAt:   t0,
			UpdatedAt:   t0,
		})
		out = r
		return err
	})
	if err != nil {
		t.Fatalf("seed request: %v", err)
	}
	return out
}

func TestUpdateRollsBackOnError(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	r := seedRequest(t, s, "anna", StatusPending)

	boom := errors.New("boom")
	err := s.Update(ctx, func(tx Tx) error {
		r.Status = StatusAssigned
		if err := tx.SaveRequest(ctx, r); err != nil {
			return err
		}
		if _, err := tx.AppendAudit(ctx, AuditEntry{RequestID: r.ID, Action: ActionAssign, At: t0}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	got, _ := s.GetRequest(ctx, r.ID)
	if got.Status != StatusPending {
		t.Fatalf("status leaked from rolled back tx: %s", got.Status)
	}
	log, _ := s.AuditLog(ctx, r.ID)
	if len(log) != 0 {
		t.Fatalf("audit leaked from rolled back tx: %+v", log)
	}
}

func TestTxSeesOwnWrites(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	err := s.Update(ctx, func(tx Tx) error {
		r, err := tx.InsertRequest(ctx, Request{Nickname: "x", Status: StatusPending, CreatedAt: t0, UpdatedAt: t0})
		if err != nil {
			return err
		}
		if err := tx.SaveAssignment(ctx, Assignment{RequestID: r.ID, FulfillerID: 7, AssignedAt: t0}); err != nil {
			return err
		}
		a, ok, err := tx.Assignment(ctx, r.ID)
		if err != nil || !ok || a.FulfillerID != 7 {
			t.Fatalf("assignment not visible inside tx: %+v %v %v", a, ok, err)
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestLockMissingRequest(t *testing.T) {
	s := NewInMemory()
	err := s.Update(context.Background(), func(tx Tx) error {
		_, err := tx.LockRequest(context.Background(), 99)
		return err
	})
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestDeleteCascades(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	r := seedRequest(t, s, "anna", StatusPending)
	keep := seedRequest(t, s, "bruno", StatusPending)
	_ = s.Update(ctx, func(tx Tx) error {
		_ = tx.SaveAssignment(ctx, Assignment{RequestID: r.ID, FulfillerID: 1, AssignedAt: t0})
		_, _ = tx.AppendAudit(ctx, AuditEntry{RequestID: r.ID, Action: ActionAssign, At: t0})
		_, _ = tx.AppendAudit(ctx, AuditEntry{RequestID: keep.ID, Action: ActionCreate, At: t0})
		return nil
	})

	if err := s.Update(ctx, func(tx Tx) error { return tx.DeleteRequest(ctx, r.ID) }); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.GetRequest(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("request still present: %v", err)
	}
	if _, err := s.GetAssignment(ctx, r.ID); !errors.Is(err, ErrNotFound) {
		t.Fatalf("assignment still present: %v", err)
	}
	log, err := s.AuditLog(ctx, keep.ID)
	if err != nil || len(log) != 1 {
		t.Fatalf("unrelated audit lost: %v %+v", err, log)
	}
}

func TestListRequestsFiltersAndOrder(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	a := seedRequest(t, s, "Anna Rossi", StatusPending)
	b := seedRequest(t, s, "Bruno", StatusCompleted)
	c := seedRequest(t, s, "Giovanna", StatusPending)

	items, total, err := s.ListRequests(ctx, Filter{}, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if total != 3 || items[0].ID != c.ID || items[2].ID != a.ID {
		t.Fatalf("unexpected order: total=%d %+v", total, items)
	}

	items, total, _ = s.ListRequests(ctx, Filter{Status: StatusCompleted}, 0, 10)
	if total != 1 || items[0].ID != b.ID {
		t.Fatalf("status filter: %+v", items)
	}

	items, total, _ = s.ListRequests(ctx, Filter{Nickname: "ANNA"}, 0, 10)
	if total != 2 {
		t.Fatalf("nickname filter should match Anna Rossi and Giovanna, got %+v", items)
	}

	items, total, _ = s.ListRequests(ctx, Filter{}, 10, 10)
	if total != 3 || len(items) != 0 {
		t.Fatalf("page past end: total=%d items=%d", total, len(items))
	}
}

func TestListRequestsByFulfillerIncludesHistory(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	current := seedRequest(t, s, "one", StatusAssigned)
	previous := seedRequest(t, s, "two", StatusAssigned)
	seedRequest(t, s, "three", StatusPending)

	_ = s.Update(ctx, func(tx Tx) error {
		_ = tx.SaveAssignment(ctx, Assignment{RequestID: current.ID, FulfillerID: 5, AssignedAt: t0})
		_ = tx.SaveAssignment(ctx, Assignment{RequestID: previous.ID, FulfillerID: 6, AssignedAt: t0})
		_, _ = tx.AppendAudit(ctx, AuditEntry{RequestID: previous.ID, Action: ActionAssign, Target: 5, At: t0})
		_, _ = tx.AppendAudit(ctx, AuditEntry{RequestID: previous.ID, Action: ActionReassign, Target: 6, At: t0})
		return nil
	})

	_, total, _ := s.ListRequests(ctx, Filter{FulfillerID: 5}, 0, 10)
	if total != 2 {
		t.Fatalf("expected current and historical match, got %d", total)
	}
	items, total, _ := s.ListRequests(ctx, Filter{FulfillerID: 5, CurrentOnly: true}, 0, 10)
	if total != 1 || items[0].ID != current.ID {
		t.Fatalf("current-only filter: %+v", items)
	}
}

func TestUpsertFulfiller(t *testing.T) {
	s := NewInMemory()
	ctx := context.Background()
	f, err := s.UpsertFulfiller(ctx, Fulfiller{ID: 1, Handle: "@Don_Mario", RegisteredAt: t0})
	if err != nil {
		t.Fatal(err)
	}
	if f.Handle != "don_mario" {
		t.Fatalf("handle not normalized: %q", f.Handle)
	}
	f, err = s.UpsertFulfiller(ctx, Fulfiller{ID: 1, Handle: "don_m", RegisteredAt: t0.Add(time.Hour)})
	if err != nil {
		t.Fatal(err)
	}
	if !f.RegisteredAt.Equal(t0) || f.Handle != "don_m" {
		t.Fatalf("refresh should keep registration time and update handle: %+v", f)
	}
	if _, err := s.UpsertFulfiller(ctx, Fulfiller{ID: 2, Handle: "don_m"}); !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput for taken handle, got %v", err)
	}
}

func TestConcurrentInserts(t *testing.T) {
	s := NewInMemory()
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := s.Update(context.Background(), func(tx Tx) error {
				_, err := tx.InsertRequest(context.Background(), Request{Nickname: "n", Status: StatusPending, CreatedAt: t0, UpdatedAt: t0})
				return err
			})
			if err != nil {
				t.Errorf("insert: %v", err)
			}
		}()
	}
	wg.Wait()
	_, total, _ := s.ListRequests(context.Background(), Filter{}, 0, 0)
	if total != 50 {
		t.Fatalf("expected 50 requests, got %d", total)
	}
	got, err := s.GetRequest(context.Background(), 50)
	if err != nil || got.ID != 50 {
		t.Fatalf("ids not dense: %v %+v", err, got)
	}
}

func TestWeekWindow(t *testing.T) {
	rome, err := time.LoadLocation("Europe/Rome")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	cases := []struct {
		at    time.Time
		start time.Time
	}{
		{time.Date(2024, 3, 13, 12, 0, 0, 0, rome), time.Date(2024, 3, 11, 0, 0, 0, 0, rome)},
		{time.Date(2024, 3, 11, 0, 0, 0, 0, rome), time.Date(2024, 3, 11, 0, 0, 0, 0, rome)},
		{time.Date(2024, 3, 17, 23, 59, 0, 0, rome), time.Date(2024, 3, 11, 0, 0, 0, 0, rome)},
		// Sunday 23:30 UTC is already Monday in Rome.
		{time.Date(2024, 3, 17, 23, 30, 0, 0, time.UTC), time.Date(2024, 3, 18, 0, 0, 0, 0, rome)},
	}
	for _, tc := range cases {
		start, end := WeekWindow(tc.at, rome)
		if !start.Equal(tc.start) {
			t.Fatalf("WeekWindow(%s) start=%s, want %s", tc.at, start, tc.start)
		}
		if !end.Equal(tc.start.AddDate(0, 0, 7)) {
			t.Fatalf("WeekWindow(%s) end=%s", tc.at, end)
		}
	}
}

func TestStatusHelpers(t *testing.T) {
	if s, ok := ParseStatus(" In_Progress "); !ok || s != StatusInProgress {
		t.Fatalf("ParseStatus: %q %v", s, ok)
	}
	if _, ok := ParseStatus("archived"); ok {
		t.Fatal("unknown status accepted")
	}
	for _, s := range OpenStatuses {
		if s.Terminal() {
			t.Fatalf("%s should not be terminal", s)
		}
	}
	if !StatusCompleted.Terminal() || !StatusCanceled.Terminal() {
		t.Fatal("terminal statuses misreported")
	}
}
