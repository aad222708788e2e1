package postgres

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"github.com/runtarahq/runtara/internal/store"
)

func TestUpsertSignal_NeverDowngradesCancel(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	// The guard lives in the SQL: the upsert only replaces rows whose kind
	// is not cancel. Zero affected rows is still a success.
	mock.ExpectExec(`INSERT INTO signals (.+) ON CONFLICT \(instance_id\) DO UPDATE (.+) WHERE signals\.kind <> 'cancel'`).
		WithArgs("inst-1", "pause", []byte(nil), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := s.UpsertSignal(context.Background(), &store.Signal{
		InstanceID: "inst-1",
		Kind:       "pause",
	})
	if err != nil {
		t.Fatalf("UpsertSignal failed: %v", err)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestGetPendingSignal_None(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM signals WHERE instance_id = \$1`).
		WithArgs("inst-1").
		WillReturnError(sql.ErrNoRows)

	sig, err := s.GetPendingSignal(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetPendingSignal failed: %v", err)
	}
	if sig != nil {
		t.Errorf("expected nil, got %+v", sig)
	}
}

func TestGetPendingSignal_Found(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`SELECT (.+) FROM signals WHERE instance_id = \$1`).
		WithArgs("inst-1").
		WillReturnRows(sqlmock.NewRows([]string{"instance_id", "kind", "payload", "created_at"}).
			AddRow("inst-1", "cancel", []byte(`{"why":"user"}`), time.Now().UTC()))

	sig, err := s.GetPendingSignal(context.Background(), "inst-1")
	if err != nil {
		t.Fatalf("GetPendingSignal failed: %v", err)
	}
	if sig == nil || sig.Kind != "cancel" {
		t.Errorf("unexpected signal: %+v", sig)
	}
}

func TestAcknowledgeSignal(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectExec(`DELETE FROM signals WHERE instance_id = \$1`).
		WithArgs("inst-1").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := s.AcknowledgeSignal(context.Background(), "inst-1"); err != nil {
		t.Fatalf("AcknowledgeSignal failed: %v", err)
	}
}

func TestTakeCheckpointSignal_AtomicDelete(t *testing.T) {
	s, mock := newMockStore(t)
	defer s.db.Close()

	mock.ExpectQuery(`DELETE FROM checkpoint_signals\s+WHERE instance_id = \$1 AND checkpoint_id = \$2\s+RETURNING`).
		WithArgs("inst-1", "wait-approval").
		WillReturnRows(sqlmock.NewRows([]string{"payload", "created_at"}).
			AddRow([]byte(`{"approved":true}`), time.Now().UTC()))

	sig, err := s.TakeCheckpointSignal(context.Background(), "inst-1", "wait-approval")
	if err != nil {
		t.Fatalf("TakeCheckpointSignal failed: %v", err)
	}
	if sig == nil || string(sig.Payload) != `{"approved":true}` {
		t.Errorf("unexpected signal: %+v", sig)
	}

	// A second take finds nothing.
	mock.ExpectQuery(`DELETE FROM checkpoint_signals`).
		WithArgs("inst-1", "wait-approval").
		WillReturnError(sql.ErrNoRows)

	sig, err = s.TakeCheckpointSignal(context.Background(), "inst-1", "wait-approval")
	if err != nil {
		t.Fatalf("second TakeCheckpointSignal failed: %v", err)
	}
	if sig != nil {
		t.Errorf("expected nil after take, got %+v", sig)
	}
}
