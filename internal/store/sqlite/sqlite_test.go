package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/store"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := Migrate(s.DB()); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func createInstance(t *testing.T, s *Store, id string) {
	t.Helper()
	err := s.CreateInstance(context.Background(), &store.Instance{
		ID:          id,
		TenantID:    "tenant-1",
		ImageID:     "img-1",
		Status:      store.StatusPending,
		Attempt:     1,
		MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("CreateInstance: %v", err)
	}
}

func TestInstanceLifecycle(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")

	if err := s.UpdateInstanceStatus(ctx, "inst-1", store.StatusRunning, nil); err != nil {
		t.Fatalf("to running: %v", err)
	}
	inst, err := s.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Status != store.StatusRunning {
		t.Errorf("status = %v, want running", inst.Status)
	}
	if inst.StartedAt == nil {
		t.Error("started_at should be set on the running transition")
	}

	exitCode := 0
	if err := s.CompleteInstance(ctx, "inst-1", store.StatusCompleted, store.ReasonCompleted, &exitCode, []byte(`{"ok":true}`), nil); err != nil {
		t.Fatalf("CompleteInstance: %v", err)
	}

	// Terminal states are absorbing.
	err = s.UpdateInstanceStatus(ctx, "inst-1", store.StatusRunning, nil)
	if fault.Code(err) != fault.CodeTerminal {
		t.Errorf("expected terminal fault, got %v", err)
	}

	// A second completion is a silent no-op that does not overwrite.
	badCode := 1
	if err := s.CompleteInstance(ctx, "inst-1", store.StatusFailed, store.ReasonCrashed, &badCode, nil, nil); err != nil {
		t.Fatalf("second CompleteInstance: %v", err)
	}
	inst, _ = s.GetInstance(ctx, "inst-1")
	if inst.Status != store.StatusCompleted {
		t.Errorf("terminal status overwritten to %v", inst.Status)
	}
	if string(inst.Output) != `{"ok":true}` {
		t.Errorf("output overwritten: %s", inst.Output)
	}
}

func TestGetInstance_NotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetInstance(context.Background(), "ghost")
	if !fault.IsNotFound(err) {
		t.Errorf("expected not-found fault, got %v", err)
	}
}

func TestCheckpoint_FreshThenRetryAudit(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")

	cp := &store.Checkpoint{InstanceID: "inst-1", CheckpointID: "step-1", State: []byte(`{"v":1}`)}
	if err := s.SaveCheckpoint(ctx, cp); err != nil {
		t.Fatalf("SaveCheckpoint: %v", err)
	}
	if cp.Seq == 0 {
		t.Error("SaveCheckpoint should assign seq")
	}

	got, err := s.GetCheckpoint(ctx, "inst-1", "step-1")
	if err != nil {
		t.Fatalf("GetCheckpoint: %v", err)
	}
	if got == nil || string(got.State) != `{"v":1}` {
		t.Fatalf("unexpected checkpoint: %+v", got)
	}

	// A second fresh write for the same key violates the partial unique
	// index; callers replay instead, but the store must also refuse.
	dup := &store.Checkpoint{InstanceID: "inst-1", CheckpointID: "step-1", State: []byte(`{"v":2}`)}
	if err := s.SaveCheckpoint(ctx, dup); err == nil {
		t.Error("duplicate fresh checkpoint write should fail")
	}

	// Retry-audit rows are additive and never shadow the fresh row.
	msg := "attempt 2 failed"
	audit := &store.Checkpoint{InstanceID: "inst-1", CheckpointID: "step-1", Attempt: 2, ErrorMessage: &msg}
	if err := s.SaveRetryAttempt(ctx, audit); err != nil {
		t.Fatalf("SaveRetryAttempt: %v", err)
	}

	got, err = s.GetCheckpoint(ctx, "inst-1", "step-1")
	if err != nil {
		t.Fatalf("GetCheckpoint after audit: %v", err)
	}
	if string(got.State) != `{"v":1}` {
		t.Errorf("audit row shadowed fresh state: %s", got.State)
	}

	count, err := s.CountCheckpoints(ctx, store.CheckpointFilter{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("CountCheckpoints: %v", err)
	}
	if count != 2 {
		t.Errorf("count = %d, want 2 (fresh + audit)", count)
	}
}

func TestCompensableCheckpoints_DecreasingOrder(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")

	for i, id := range []string{"book-flight", "book-hotel", "charge-card"} {
		stepID := "undo-" + id
		err := s.SaveCheckpoint(ctx, &store.Checkpoint{
			InstanceID:         "inst-1",
			CheckpointID:       id,
			State:              []byte(`{}`),
			IsCompensatable:    true,
			CompensationStepID: &stepID,
			CompensationOrder:  i + 1,
		})
		if err != nil {
			t.Fatalf("SaveCheckpoint %s: %v", id, err)
		}
	}

	cps, err := s.GetCompensableCheckpoints(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetCompensableCheckpoints: %v", err)
	}
	if len(cps) != 3 {
		t.Fatalf("got %d rows, want 3", len(cps))
	}
	for i := 1; i < len(cps); i++ {
		if cps[i].CompensationOrder > cps[i-1].CompensationOrder {
			t.Errorf("rollback walk not in decreasing order: %d before %d",
				cps[i-1].CompensationOrder, cps[i].CompensationOrder)
		}
	}
}

func TestDurableSleepAndWake(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")
	_ = s.UpdateInstanceStatus(ctx, "inst-1", store.StatusRunning, nil)

	until := time.Now().UTC().Add(-time.Second) // already due
	if err := s.SetInstanceSleep(ctx, "inst-1", until); err != nil {
		t.Fatalf("SetInstanceSleep: %v", err)
	}

	inst, _ := s.GetInstance(ctx, "inst-1")
	if inst.Status != store.StatusSuspended || inst.TerminationReason == nil || *inst.TerminationReason != store.ReasonSleeping {
		t.Errorf("expected suspended/sleeping, got %v/%v", inst.Status, inst.TerminationReason)
	}

	due, err := s.GetSleepingInstancesDue(ctx, time.Now().UTC(), 10)
	if err != nil {
		t.Fatalf("GetSleepingInstancesDue: %v", err)
	}
	if len(due) != 1 || due[0].ID != "inst-1" {
		t.Fatalf("unexpected due set: %+v", due)
	}

	won, err := s.ClearInstanceSleep(ctx, "inst-1")
	if err != nil || !won {
		t.Fatalf("first wake should win: won=%v err=%v", won, err)
	}
	won, err = s.ClearInstanceSleep(ctx, "inst-1")
	if err != nil {
		t.Fatalf("second wake errored: %v", err)
	}
	if won {
		t.Error("second wake must lose")
	}

	inst, _ = s.GetInstance(ctx, "inst-1")
	if inst.Status != store.StatusRunning || inst.SleepUntil != nil {
		t.Errorf("wake left instance in %v sleep_until=%v", inst.Status, inst.SleepUntil)
	}
}

func TestSignals_CancelNeverDowngraded(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")

	if err := s.UpsertSignal(ctx, &store.Signal{InstanceID: "inst-1", Kind: "pause"}); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if err := s.UpsertSignal(ctx, &store.Signal{InstanceID: "inst-1", Kind: "cancel"}); err != nil {
		t.Fatalf("upgrade to cancel: %v", err)
	}
	// A later pause must not replace the pending cancel.
	if err := s.UpsertSignal(ctx, &store.Signal{InstanceID: "inst-1", Kind: "pause"}); err != nil {
		t.Fatalf("pause after cancel: %v", err)
	}

	sig, err := s.GetPendingSignal(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetPendingSignal: %v", err)
	}
	if sig == nil || sig.Kind != "cancel" {
		t.Errorf("pending signal = %+v, want cancel", sig)
	}

	if err := s.AcknowledgeSignal(ctx, "inst-1"); err != nil {
		t.Fatalf("AcknowledgeSignal: %v", err)
	}
	sig, _ = s.GetPendingSignal(ctx, "inst-1")
	if sig != nil {
		t.Errorf("signal should be gone after ack, got %+v", sig)
	}
}

func TestCheckpointSignal_TakenAtomically(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")

	err := s.InsertCheckpointSignal(ctx, &store.CheckpointSignal{
		InstanceID:   "inst-1",
		CheckpointID: "wait-approval",
		Payload:      []byte(`{"approved":true}`),
	})
	if err != nil {
		t.Fatalf("InsertCheckpointSignal: %v", err)
	}

	sig, err := s.TakeCheckpointSignal(ctx, "inst-1", "wait-approval")
	if err != nil {
		t.Fatalf("TakeCheckpointSignal: %v", err)
	}
	if sig == nil || string(sig.Payload) != `{"approved":true}` {
		t.Fatalf("unexpected signal: %+v", sig)
	}

	sig, err = s.TakeCheckpointSignal(ctx, "inst-1", "wait-approval")
	if err != nil {
		t.Fatalf("second take: %v", err)
	}
	if sig != nil {
		t.Errorf("take must remove the row, got %+v", sig)
	}
}

func TestImages_DedupeByDigest(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	img := &store.Image{
		ID: "img-1", TenantID: "tenant-1", Name: "wf", Digest: "sha256:abc",
		SizeBytes: 64, RunnerKind: "oci", BlobPath: "/data/images/abc",
		Metadata: map[string]string{"lang": "go"},
	}
	if err := s.CreateImage(ctx, img); err != nil {
		t.Fatalf("CreateImage: %v", err)
	}

	dup, err := s.GetImageByDigest(ctx, "tenant-1", "sha256:abc")
	if err != nil {
		t.Fatalf("GetImageByDigest: %v", err)
	}
	if dup == nil || dup.ID != "img-1" || dup.Metadata["lang"] != "go" {
		t.Errorf("unexpected dedupe hit: %+v", dup)
	}

	// Another tenant's identical digest is not a dedupe hit.
	other, err := s.GetImageByDigest(ctx, "tenant-2", "sha256:abc")
	if err != nil {
		t.Fatalf("GetImageByDigest other tenant: %v", err)
	}
	if other != nil {
		t.Errorf("digest dedupe must be tenant scoped, got %+v", other)
	}

	byName, err := s.GetImageByName(ctx, "tenant-1", "wf")
	if err != nil {
		t.Fatalf("GetImageByName: %v", err)
	}
	if byName == nil || byName.ID != "img-1" {
		t.Errorf("unexpected name hit: %+v", byName)
	}
	if missing, err := s.GetImageByName(ctx, "tenant-1", "ghost"); err != nil || missing != nil {
		t.Errorf("GetImageByName miss = %+v, %v", missing, err)
	}

	// One name per tenant.
	clash := &store.Image{
		ID: "img-2", TenantID: "tenant-1", Name: "wf", Digest: "sha256:def",
		BlobPath: "/data/images/def",
	}
	if err := s.CreateImage(ctx, clash); err == nil {
		t.Error("duplicate name for tenant accepted")
	}

	if err := s.DeleteImage(ctx, "img-1"); err != nil {
		t.Fatalf("DeleteImage: %v", err)
	}
	if err := s.DeleteImage(ctx, "img-1"); !fault.IsNotFound(err) {
		t.Errorf("expected not-found on second delete, got %v", err)
	}
}

func TestEventsAndStaleness(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")
	_ = s.UpdateInstanceStatus(ctx, "inst-1", store.StatusRunning, nil)

	latest, err := s.LatestEventAt(ctx, "inst-1")
	if err != nil {
		t.Fatalf("LatestEventAt: %v", err)
	}
	if latest != nil {
		t.Errorf("expected nil before any events, got %v", latest)
	}

	sub := "milestone"
	events := []*store.Event{
		{InstanceID: "inst-1", Kind: "started"},
		{InstanceID: "inst-1", Kind: "heartbeat"},
		{InstanceID: "inst-1", Kind: "custom", Subtype: &sub, Payload: []byte(`{"stage":"ingest"}`)},
	}
	for _, ev := range events {
		if err := s.InsertEvent(ctx, ev); err != nil {
			t.Fatalf("InsertEvent %s: %v", ev.Kind, err)
		}
	}

	got, err := s.ListEvents(ctx, store.EventFilter{InstanceID: "inst-1"})
	if err != nil {
		t.Fatalf("ListEvents: %v", err)
	}
	if len(got) != 3 || got[0].Kind != "started" || got[2].Kind != "custom" {
		t.Errorf("events out of insertion order: %+v", got)
	}

	filtered, err := s.ListEvents(ctx, store.EventFilter{InstanceID: "inst-1", Kind: "custom", PayloadMatch: "ingest"})
	if err != nil {
		t.Fatalf("filtered ListEvents: %v", err)
	}
	if len(filtered) != 1 {
		t.Errorf("payload filter matched %d events, want 1", len(filtered))
	}

	// With a recent event the instance is not stale.
	stale, err := s.GetStaleRunningInstances(ctx, time.Now().UTC().Add(-time.Minute))
	if err != nil {
		t.Fatalf("GetStaleRunningInstances: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("fresh instance flagged stale: %+v", stale)
	}

	// A future cutoff makes everything stale.
	stale, err = s.GetStaleRunningInstances(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatalf("GetStaleRunningInstances future: %v", err)
	}
	if len(stale) != 1 {
		t.Errorf("expected 1 stale instance, got %d", len(stale))
	}
}

func TestTouchInstance_KeepsLongPollerAlive(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")
	_ = s.UpdateInstanceStatus(ctx, "inst-1", store.StatusRunning, nil)

	// Age both the event log and the row so only a touch can keep it alive.
	old := time.Now().UTC().Add(-time.Hour)
	if err := s.InsertEvent(ctx, &store.Event{InstanceID: "inst-1", Kind: "started", CreatedAt: old}); err != nil {
		t.Fatalf("InsertEvent: %v", err)
	}
	if _, err := s.db.ExecContext(ctx, `UPDATE instances SET updated_at = ? WHERE id = ?`, old, "inst-1"); err != nil {
		t.Fatalf("age instance: %v", err)
	}

	cutoff := time.Now().UTC().Add(-time.Minute)
	stale, err := s.GetStaleRunningInstances(ctx, cutoff)
	if err != nil {
		t.Fatalf("GetStaleRunningInstances: %v", err)
	}
	if len(stale) != 1 {
		t.Fatalf("aged instance not stale: %+v", stale)
	}

	// A touch with no new events, the long-poller case, resets staleness
	// even though the newest event is old.
	if err := s.TouchInstance(ctx, "inst-1"); err != nil {
		t.Fatalf("TouchInstance: %v", err)
	}
	stale, err = s.GetStaleRunningInstances(ctx, cutoff)
	if err != nil {
		t.Fatalf("GetStaleRunningInstances after touch: %v", err)
	}
	if len(stale) != 0 {
		t.Errorf("touched instance still flagged stale: %+v", stale)
	}
}

func TestExitCodeAndStderrRecording(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")

	if err := s.SetInstanceExitCode(ctx, "inst-1", 3); err != nil {
		t.Fatalf("SetInstanceExitCode: %v", err)
	}
	// The first observed code wins.
	if err := s.SetInstanceExitCode(ctx, "inst-1", 9); err != nil {
		t.Fatalf("SetInstanceExitCode second: %v", err)
	}
	inst, err := s.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.ExitCode == nil || *inst.ExitCode != 3 {
		t.Errorf("exit code = %v, want 3", inst.ExitCode)
	}

	tail := "panic: boom\n"
	if err := s.SetInstanceStderr(ctx, "inst-1", &tail); err != nil {
		t.Fatalf("SetInstanceStderr: %v", err)
	}
	inst, err = s.GetInstance(ctx, "inst-1")
	if err != nil {
		t.Fatalf("GetInstance: %v", err)
	}
	if inst.Stderr == nil || *inst.Stderr != tail {
		t.Errorf("stderr = %v, want captured tail", inst.Stderr)
	}
}

func TestListInstances_TenantAndStatusFilter(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	createInstance(t, s, "inst-1")
	createInstance(t, s, "inst-2")
	_ = s.UpdateInstanceStatus(ctx, "inst-2", store.StatusRunning, nil)

	running, err := s.ListInstances(ctx, store.InstanceFilter{TenantID: "tenant-1", Status: store.StatusRunning})
	if err != nil {
		t.Fatalf("ListInstances: %v", err)
	}
	if len(running) != 1 || running[0].ID != "inst-2" {
		t.Errorf("unexpected running set: %+v", running)
	}

	active, err := s.CountActiveInstances(ctx)
	if err != nil {
		t.Fatalf("CountActiveInstances: %v", err)
	}
	if active != 2 {
		t.Errorf("active = %d, want 2", active)
	}

	perImage, err := s.CountLiveInstancesByImage(ctx, "img-1")
	if err != nil {
		t.Fatalf("CountLiveInstancesByImage: %v", err)
	}
	if perImage != 2 {
		t.Errorf("per-image live = %d, want 2", perImage)
	}
}
