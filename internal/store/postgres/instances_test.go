package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/store"
)

func newMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create sqlmock: %v", err)
	}
	return &Store{db: db}, mock
}

func instanceRows(inst *store.Instance) *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "tenant_id", "image_id", "status", "termination_reason", "checkpoint_id",
		"sleep_until", "input", "env_json", "output", "error_message", "stderr", "exit_code",
		"attempt", "max_attempts", "pid", "container_id", "timeout_seconds",
		"memory_peak_bytes", "cpu_usage_micros", "created_at", "started_at", "finished_at", "updated_at",
	}).AddRow(
		inst.ID, inst.TenantID, inst.ImageID, inst.Status, inst.TerminationReason, inst.CheckpointID,
		inst.SleepUntil, inst.Input, nil, inst.Output, inst.ErrorMessage, inst.Stderr, inst.ExitCode,
		inst.Attempt, inst.MaxAttempts, inst.PID, inst.ContainerID, inst.TimeoutSeconds,
		inst.MemoryPeakBytes, inst.CPUUsageMicros, inst.CreatedAt, inst.StartedAt, inst.FinishedAt, inst.UpdatedAt,
	)
}

func TestCreateInstance_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	inst := &store.Instance{
		ID:          "inst-1",
		TenantID:    "tenant-1",
		ImageID:     "img-1",
		Status:      store.StatusPending,
		Input:       []byte(`{"n":1}`),
		Env:         map[string]string{"KEY": "VALUE"},
		Attempt:     1,
		MaxAttempts: 3,
	}

	mock.ExpectExec(`INSERT INTO instances`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.CreateInstance(context.Background(), inst); err != nil {
		t.Fatalf("CreateInstance failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetInstance_NotFound(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM instances WHERE id = \$1`).
		WithArgs("missing").
		WillReturnError(sql.ErrNoRows)

	_, err := s.GetInstance(context.Background(), "missing")
	if !fault.IsNotFound(err) {
		t.Errorf("expected not-found fault, got %v", err)
	}
}

func TestGetInstance_Success(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().UTC()
	want := &store.Instance{
		ID: "inst-1", TenantID: "tenant-1", ImageID: "img-1",
		Status: store.StatusRunning, Attempt: 1, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectQuery(`SELECT (.+) FROM instances WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(instanceRows(want))

	got, err := s.GetInstance(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetInstance failed: %v", err)
	}
	if got.ID != want.ID || got.Status != want.Status {
		t.Errorf("got %+v, want %+v", got, want)
	}
}

func TestUpdateInstanceStatus_TerminalRejected(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	// The guarded update misses, then the row turns out to be terminal.
	mock.ExpectExec(`UPDATE instances`).
		WillReturnResult(sqlmock.NewResult(0, 0))

	now := time.Now().UTC()
	reason := store.ReasonCompleted
	terminal := &store.Instance{
		ID: "inst-1", TenantID: "tenant-1", Status: store.StatusCompleted,
		TerminationReason: &reason, Attempt: 1, MaxAttempts: 3,
		CreatedAt: now, UpdatedAt: now,
	}
	mock.ExpectQuery(`SELECT (.+) FROM instances WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(instanceRows(terminal))

	err := s.UpdateInstanceStatus(context.Background(), "inst-1", store.StatusRunning, nil)
	if fault.Code(err) != fault.CodeTerminal {
		t.Errorf("expected terminal fault, got %v", err)
	}
}

func TestClearInstanceSleep_WinnerAndLoser(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE instances`).
		WithArgs("inst-1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	won, err := s.ClearInstanceSleep(context.Background(), "inst-1")
	if err != nil || !won {
		t.Fatalf("expected wake win, got won=%v err=%v", won, err)
	}

	mock.ExpectExec(`UPDATE instances`).
		WithArgs("inst-1").
		WillReturnResult(sqlmock.NewResult(0, 0))
	won, err = s.ClearInstanceSleep(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("ClearInstanceSleep: %v", err)
	}
	if won {
		t.Error("second wake should lose")
	}
}

func TestGetSleepingInstancesDue_PlainSelect(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().UTC()
	sleeping := &store.Instance{
		ID: "inst-s", TenantID: "tenant-1", Status: store.StatusSuspended,
		Attempt: 1, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now,
	}

	// No row lock: ClearInstanceSleep's guard is what serializes wakers.
	mock.ExpectQuery(`SELECT (.+) FROM instances\s+WHERE status = 'suspended' AND sleep_until IS NOT NULL AND sleep_until <= \$1\s+ORDER BY sleep_until ASC\s+LIMIT \$2$`).
		WithArgs(sqlmock.AnyArg(), 16).
		WillReturnRows(instanceRows(sleeping))

	got, err := s.GetSleepingInstancesDue(context.Background(), now, 16)
	if err != nil {
		t.Fatalf("GetSleepingInstancesDue failed: %v", err)
	}
	if len(got) != 1 || got[0].ID != "inst-s" {
		t.Errorf("unexpected result: %+v", got)
	}
}

func TestSetInstanceExitCode_FirstObservationWins(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE instances SET exit_code = COALESCE\(exit_code, \$2\)`).
		WithArgs("inst-1", 3).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetInstanceExitCode(context.Background(), "inst-1", 3); err != nil {
		t.Fatalf("SetInstanceExitCode failed: %v", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestSetInstanceStderr(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	tail := "panic: boom"
	mock.ExpectExec(`UPDATE instances SET stderr = \$2`).
		WithArgs("inst-1", &tail).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.SetInstanceStderr(context.Background(), "inst-1", &tail); err != nil {
		t.Fatalf("SetInstanceStderr failed: %v", err)
	}
}

func TestTouchInstance(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`UPDATE instances SET updated_at = now\(\) WHERE id = \$1`).
		WithArgs("inst-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.TouchInstance(context.Background(), "inst-1"); err != nil {
		t.Fatalf("TouchInstance failed: %v", err)
	}
}

func TestListInstances_Filters(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	now := time.Now().UTC()
	inst := &store.Instance{
		ID: "inst-1", TenantID: "tenant-1", Status: store.StatusRunning,
		Attempt: 1, MaxAttempts: 3, CreatedAt: now, UpdatedAt: now,
	}

	mock.ExpectQuery(`SELECT (.+) FROM instances WHERE 1=1 AND tenant_id = \$1 AND status = \$2 ORDER BY created_at DESC LIMIT \$3`).
		WithArgs("tenant-1", store.StatusRunning, 50).
		WillReturnRows(instanceRows(inst))

	got, err := s.ListInstances(context.Background(), store.InstanceFilter{
		TenantID: "tenant-1",
		Status:   store.StatusRunning,
		Limit:    50,
	})
	if err != nil {
		t.Fatalf("ListInstances failed: %v", err)
	}
	if len(got) != 1 {
		t.Errorf("expected 1 instance, got %d", len(got))
	}
}

func TestCountActiveInstances(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT COUNT\(\*\) FROM instances`).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(7))

	count, err := s.CountActiveInstances(context.Background())
	if err != nil {
		t.Fatalf("CountActiveInstances failed: %v", err)
	}
	if count != 7 {
		t.Errorf("count = %d, want 7", count)
	}
}
