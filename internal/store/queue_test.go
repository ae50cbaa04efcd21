package store

import (
	"context"
	"testing"
	"time"
)

func insertTestMutation(t *testing.T, s *Store, action string, priority int, createdAt time.Time) int64 {
	t.Helper()
	id, err := s.InsertMutation(context.Background(), Mutation{
		Action:         action,
		Payload:        []byte(`{}`),
		Priority:       priority,
		IdempotencyKey: action + "-" + createdAt.Format(time.RFC3339Nano),
		CreatedAt:      createdAt,
	})
	if err != nil {
		t.Fatalf("InsertMutation(%s) failed: %v", action, err)
	}
	return id
}

func TestInsertMutation_IdsMonotonic(t *testing.T) {
	s := openTestStore(t)
	base := time.UnixMilli(1700000000000)

	id1 := insertTestMutation(t, s, "updateAttendance", 1, base)
	id2 := insertTestMutation(t, s, "savePoints", 1, base)
	if id2 <= id1 {
		t.Errorf("ids not monotonic: %d then %d", id1, id2)
	}
}

func TestSelectReplayable_OrderedByPriorityThenAge(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	// Insertion order: A (priority 2), B (priority 1), C (priority 1, later)
	insertTestMutation(t, s, "A", 2, base)
	insertTestMutation(t, s, "B", 1, base.Add(time.Second))
	insertTestMutation(t, s, "C", 1, base.Add(2*time.Second))

	muts, err := s.SelectReplayable(ctx, 2)
	if err != nil {
		t.Fatalf("SelectReplayable() failed: %v", err)
	}
	if len(muts) != 3 {
		t.Fatalf("got %d mutations, want 3", len(muts))
	}

	want := []string{"B", "C", "A"}
	for i, m := range muts {
		if m.Action != want[i] {
			t.Errorf("position %d: action = %q, want %q", i, m.Action, want[i])
		}
	}
}

func TestSelectReplayable_SkipsExhaustedRetries(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	id := insertTestMutation(t, s, "updateAttendance", 1, base)

	// Fail three times: retry_count becomes 3
	for i := 0; i < 3; i++ {
		if _, err := s.FailMutation(ctx, id, "server error", base.Add(time.Duration(i)*time.Second)); err != nil {
			t.Fatalf("FailMutation() iteration %d failed: %v", i, err)
		}
	}

	muts, err := s.SelectReplayable(ctx, 2)
	if err != nil {
		t.Fatalf("SelectReplayable() failed: %v", err)
	}
	if len(muts) != 0 {
		t.Errorf("exhausted mutation still replayable: %+v", muts)
	}
}

func TestFailMutation_IncrementsRetryCount(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	id := insertTestMutation(t, s, "updateAttendance", 1, base)

	for want := 1; want <= 3; want++ {
		count, err := s.FailMutation(ctx, id, "boom", base)
		if err != nil {
			t.Fatalf("FailMutation() failed: %v", err)
		}
		if count != want {
			t.Errorf("retry count = %d, want %d", count, want)
		}
	}

	m, err := s.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation() failed: %v", err)
	}
	if m.Status != StatusFailed {
		t.Errorf("status = %q, want %q", m.Status, StatusFailed)
	}
	if m.LastError != "boom" {
		t.Errorf("last_error = %q, want %q", m.LastError, "boom")
	}
}

func TestUpdateMutationStatus(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	id := insertTestMutation(t, s, "updateAttendance", 1, base)

	if err := s.UpdateMutationStatus(ctx, id, StatusProcessing, base.Add(time.Second)); err != nil {
		t.Fatalf("UpdateMutationStatus() failed: %v", err)
	}

	m, err := s.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation() failed: %v", err)
	}
	if m.Status != StatusProcessing {
		t.Errorf("status = %q, want %q", m.Status, StatusProcessing)
	}
	if !m.UpdatedAt.Equal(base.Add(time.Second)) {
		t.Errorf("updated_at = %v, want %v", m.UpdatedAt, base.Add(time.Second))
	}
}

func TestResetProcessingBefore(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	stuck := insertTestMutation(t, s, "stuck", 1, base)
	recent := insertTestMutation(t, s, "recent", 1, base)

	if err := s.UpdateMutationStatus(ctx, stuck, StatusProcessing, base); err != nil {
		t.Fatalf("UpdateMutationStatus() failed: %v", err)
	}
	if err := s.UpdateMutationStatus(ctx, recent, StatusProcessing, base.Add(5*time.Minute)); err != nil {
		t.Fatalf("UpdateMutationStatus() failed: %v", err)
	}

	// Cutoff between the two updated_at values: only the stale one resets
	cutoff := base.Add(2 * time.Minute)
	n, err := s.ResetProcessingBefore(ctx, cutoff, base.Add(6*time.Minute))
	if err != nil {
		t.Fatalf("ResetProcessingBefore() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("reset %d mutations, want 1", n)
	}

	m1, _ := s.GetMutation(ctx, stuck)
	if m1.Status != StatusPending {
		t.Errorf("stuck mutation status = %q, want %q", m1.Status, StatusPending)
	}
	m2, _ := s.GetMutation(ctx, recent)
	if m2.Status != StatusProcessing {
		t.Errorf("recent mutation status = %q, want %q", m2.Status, StatusProcessing)
	}
}

func TestDeleteMutation_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	id := insertTestMutation(t, s, "updateAttendance", 1, time.Now())
	for i := 0; i < 2; i++ {
		if err := s.DeleteMutation(ctx, id); err != nil {
			t.Fatalf("DeleteMutation() iteration %d failed: %v", i, err)
		}
	}

	m, err := s.GetMutation(ctx, id)
	if err != nil {
		t.Fatalf("GetMutation() failed: %v", err)
	}
	if m != nil {
		t.Error("mutation still present after delete")
	}
}

func TestInsertMutation_DuplicateIdempotencyKeyRejected(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.UnixMilli(1700000000000)

	m := Mutation{
		Action:         "updateAttendance",
		Payload:        []byte(`{}`),
		Priority:       1,
		IdempotencyKey: "fixed-key",
		CreatedAt:      base,
	}
	if _, err := s.InsertMutation(ctx, m); err != nil {
		t.Fatalf("first insert failed: %v", err)
	}
	if _, err := s.InsertMutation(ctx, m); err == nil {
		t.Error("expected unique constraint violation for duplicate idempotency key")
	}
}
