package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/runtarahq/runtara/internal/store"
)

func checkpointRows(cps ...*store.Checkpoint) *sqlmock.Rows {
	rows := sqlmock.NewRows([]string{
		"seq", "instance_id", "checkpoint_id", "state", "is_retry_attempt", "attempt",
		"error_message", "is_compensatable", "compensation_step_id", "compensation_data",
		"compensation_order", "created_at",
	})
	for _, cp := range cps {
		rows.AddRow(cp.Seq, cp.InstanceID, cp.CheckpointID, cp.State, cp.IsRetryAttempt,
			cp.Attempt, cp.ErrorMessage, cp.IsCompensatable, cp.CompensationStepID,
			cp.CompensationData, cp.CompensationOrder, cp.CreatedAt)
	}
	return rows
}

func TestSaveCheckpoint_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	cp := &store.Checkpoint{
		InstanceID:   "inst-1",
		CheckpointID: "step-1",
		State:        []byte(`{"cursor":5}`),
	}

	mock.ExpectQuery(`INSERT INTO checkpoints`).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(10), time.Now().UTC()))

	if err := s.SaveCheckpoint(context.Background(), cp); err != nil {
		t.Fatalf("SaveCheckpoint failed: %v", err)
	}
	if cp.Seq != 10 {
		t.Errorf("seq = %d, want 10", cp.Seq)
	}
}

func TestGetCheckpoint_Missing(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM checkpoints`).
		WithArgs("inst-1", "step-9").
		WillReturnError(sql.ErrNoRows)

	cp, err := s.GetCheckpoint(context.Background(), "inst-1", "step-9")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if cp != nil {
		t.Errorf("expected nil for missing checkpoint, got %+v", cp)
	}
}

func TestGetCheckpoint_ReturnsFirstFreshRow(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	want := &store.Checkpoint{
		Seq: 3, InstanceID: "inst-1", CheckpointID: "step-1",
		State: []byte(`{"v":1}`), CreatedAt: time.Now().UTC(),
	}

	mock.ExpectQuery(`SELECT (.+) FROM checkpoints\s+WHERE instance_id = \$1 AND checkpoint_id = \$2 AND NOT is_retry_attempt`).
		WithArgs("inst-1", "step-1").
		WillReturnRows(checkpointRows(want))

	got, err := s.GetCheckpoint(context.Background(), "inst-1", "step-1")
	if err != nil {
		t.Fatalf("GetCheckpoint failed: %v", err)
	}
	if got == nil || string(got.State) != `{"v":1}` {
		t.Errorf("unexpected checkpoint: %+v", got)
	}
}

func TestSaveRetryAttempt_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	msg := "step blew up"
	cp := &store.Checkpoint{
		InstanceID:   "inst-1",
		CheckpointID: "step-1",
		Attempt:      2,
		ErrorMessage: &msg,
	}

	mock.ExpectQuery(`INSERT INTO checkpoints`).
		WithArgs("inst-1", "step-1", []byte(nil), 2, &msg).
		WillReturnRows(sqlmock.NewRows([]string{"seq", "created_at"}).AddRow(int64(11), time.Now().UTC()))

	if err := s.SaveRetryAttempt(context.Background(), cp); err != nil {
		t.Fatalf("SaveRetryAttempt failed: %v", err)
	}
}

func TestGetCompensableCheckpoints_DecreasingOrder(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	stepA := "undo-a"
	stepB := "undo-b"
	later := &store.Checkpoint{Seq: 2, InstanceID: "inst-1", CheckpointID: "b",
		IsCompensatable: true, CompensationStepID: &stepB, CompensationOrder: 2, CreatedAt: time.Now().UTC()}
	earlier := &store.Checkpoint{Seq: 1, InstanceID: "inst-1", CheckpointID: "a",
		IsCompensatable: true, CompensationStepID: &stepA, CompensationOrder: 1, CreatedAt: time.Now().UTC()}

	mock.ExpectQuery(`SELECT (.+) FROM checkpoints\s+WHERE instance_id = \$1 AND is_compensatable (.+) ORDER BY compensation_order DESC`).
		WithArgs("inst-1").
		WillReturnRows(checkpointRows(later, earlier))

	got, err := s.GetCompensableCheckpoints(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetCompensableCheckpoints failed: %v", err)
	}
	if len(got) != 2 || got[0].CompensationOrder != 2 || got[1].CompensationOrder != 1 {
		t.Errorf("rollback walk out of order: %+v", got)
	}
}

func TestCountCheckpoints_WithFilter(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM checkpoints WHERE 1=1 AND instance_id = \$1 AND checkpoint_id = \$2`).
		WithArgs("inst-1", "step-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	count, err := s.CountCheckpoints(context.Background(), store.CheckpointFilter{
		InstanceID:   "inst-1",
		CheckpointID: "step-1",
	})
	if err != nil {
		t.Fatalf("CountCheckpoints failed: %v", err)
	}
	if count != 4 {
		t.Errorf("count = %d, want 4", count)
	}
}
