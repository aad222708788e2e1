// Package storetest provides an in-memory Store used by plane tests.
// It mirrors the backend semantics closely enough for handler and control
// loop tests: at-most-once fresh checkpoints, absorbing terminal states,
// cancel never downgraded, atomic checkpoint-signal takes.
package storetest

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/runtarahq/runtara/internal/fault"
	"github.com/runtarahq/runtara/internal/store"
)

// Memory is an in-memory store.Store.
type Memory struct {
	mu sync.Mutex

	instances         map[string]*store.Instance
	checkpoints       []*store.Checkpoint
	events            []*store.Event
	signals           map[string]*store.Signal
	checkpointSignals map[string]*store.CheckpointSignal
	images            map[string]*store.Image

	nextSeq     int64
	nextEventID int64

	// FailNext makes the next store call fail, for error path tests.
	FailNext error
}

// New creates an empty in-memory store.
func New() *Memory {
	return &Memory{
		instances:         make(map[string]*store.Instance),
		signals:           make(map[string]*store.Signal),
		checkpointSignals: make(map[string]*store.CheckpointSignal),
		images:            make(map[string]*store.Image),
	}
}

func (m *Memory) failNext() error {
	if m.FailNext != nil {
		err := m.FailNext
		m.FailNext = nil
		return err
	}
	return nil
}

func cskey(instanceID, checkpointID string) string {
	return instanceID + "\x00" + checkpointID
}

func copyInstance(inst *store.Instance) *store.Instance {
	cp := *inst
	return &cp
}

func (m *Memory) CreateInstance(ctx context.Context, inst *store.Instance) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if _, ok := m.instances[inst.ID]; ok {
		return fault.Newf(fault.CodeAlreadyExists, fault.CategoryPermanent, "instance %q exists", inst.ID)
	}
	c := copyInstance(inst)
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	m.instances[c.ID] = c
	return nil
}

func (m *Memory) GetInstance(ctx context.Context, id string) (*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	inst, ok := m.instances[id]
	if !ok {
		return nil, fault.NotFound("instance", id)
	}
	return copyInstance(inst), nil
}

func (m *Memory) UpdateInstanceStatus(ctx context.Context, id string, status store.Status, reason *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	inst, ok := m.instances[id]
	if !ok {
		return fault.NotFound("instance", id)
	}
	if inst.Status.IsTerminal() {
		return fault.Newf(fault.CodeTerminal, fault.CategoryPermanent, "instance %q is %s", id, inst.Status)
	}
	inst.Status = status
	inst.TerminationReason = reason
	now := time.Now().UTC()
	if status == store.StatusRunning && inst.StartedAt == nil {
		inst.StartedAt = &now
	}
	inst.UpdatedAt = now
	return nil
}

func (m *Memory) SetInstanceCheckpoint(ctx context.Context, id, checkpointID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		cp := checkpointID
		inst.CheckpointID = &cp
		inst.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) CompleteInstance(ctx context.Context, id string, status store.Status, reason string, exitCode *int, output []byte, errMsg *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	inst, ok := m.instances[id]
	if !ok {
		return fault.NotFound("instance", id)
	}
	if inst.Status.IsTerminal() {
		return nil
	}
	now := time.Now().UTC()
	inst.Status = status
	inst.TerminationReason = &reason
	inst.ExitCode = exitCode
	inst.Output = output
	inst.ErrorMessage = errMsg
	inst.SleepUntil = nil
	inst.FinishedAt = &now
	inst.UpdatedAt = now
	return nil
}

func (m *Memory) SetInstanceRuntime(ctx context.Context, id string, pid *int, containerID *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.PID = pid
		inst.ContainerID = containerID
		inst.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) SetInstanceUsage(ctx context.Context, id string, memoryPeakBytes, cpuUsageMicros *int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.MemoryPeakBytes = memoryPeakBytes
		inst.CPUUsageMicros = cpuUsageMicros
	}
	return nil
}

func (m *Memory) SetInstanceStderr(ctx context.Context, id string, stderr *string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.Stderr = stderr
		inst.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) SetInstanceExitCode(ctx context.Context, id string, exitCode int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok && inst.ExitCode == nil {
		code := exitCode
		inst.ExitCode = &code
		inst.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) TouchInstance(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.UpdatedAt = time.Now().UTC()
	}
	return nil
}

func (m *Memory) IncrementAttempt(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if inst, ok := m.instances[id]; ok {
		inst.Attempt++
	}
	return nil
}

func (m *Memory) ReopenInstance(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return false, err
	}
	inst, ok := m.instances[id]
	if !ok || inst.Status != store.StatusFailed || inst.Attempt >= inst.MaxAttempts {
		return false, nil
	}
	inst.Status = store.StatusPending
	inst.TerminationReason = nil
	inst.ErrorMessage = nil
	inst.ExitCode = nil
	inst.Output = nil
	inst.PID = nil
	inst.ContainerID = nil
	inst.FinishedAt = nil
	inst.Attempt++
	inst.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) SetInstanceSleep(ctx context.Context, id string, until time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	inst, ok := m.instances[id]
	if !ok {
		return fault.NotFound("instance", id)
	}
	if inst.Status.IsTerminal() {
		return fault.Newf(fault.CodeTerminal, fault.CategoryPermanent, "instance %q is %s", id, inst.Status)
	}
	reason := store.ReasonSleeping
	u := until.UTC()
	inst.Status = store.StatusSuspended
	inst.TerminationReason = &reason
	inst.SleepUntil = &u
	inst.UpdatedAt = time.Now().UTC()
	return nil
}

func (m *Memory) ClearInstanceSleep(ctx context.Context, id string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return false, err
	}
	inst, ok := m.instances[id]
	if !ok || inst.Status != store.StatusSuspended || inst.SleepUntil == nil {
		return false, nil
	}
	inst.Status = store.StatusRunning
	inst.TerminationReason = nil
	inst.SleepUntil = nil
	inst.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (m *Memory) GetSleepingInstancesDue(ctx context.Context, now time.Time, limit int) ([]*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	var due []*store.Instance
	for _, inst := range m.instances {
		if inst.Status == store.StatusSuspended && inst.SleepUntil != nil && !inst.SleepUntil.After(now) {
			due = append(due, copyInstance(inst))
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].SleepUntil.Before(*due[j].SleepUntil) })
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *Memory) GetStaleRunningInstances(ctx context.Context, cutoff time.Time) ([]*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stale []*store.Instance
	for _, inst := range m.instances {
		if inst.Status != store.StatusRunning {
			continue
		}
		latest := inst.UpdatedAt
		for _, ev := range m.events {
			if ev.InstanceID == inst.ID && ev.CreatedAt.After(latest) {
				latest = ev.CreatedAt
			}
		}
		if latest.Before(cutoff) {
			stale = append(stale, copyInstance(inst))
		}
	}
	return stale, nil
}

func (m *Memory) GetRunningInstances(ctx context.Context) ([]*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Instance
	for _, inst := range m.instances {
		if !inst.Status.IsTerminal() && inst.PID != nil {
			out = append(out, copyInstance(inst))
		}
	}
	return out, nil
}

func (m *Memory) ListInstances(ctx context.Context, f store.InstanceFilter) ([]*store.Instance, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Instance
	for _, inst := range m.instances {
		if f.TenantID != "" && inst.TenantID != f.TenantID {
			continue
		}
		if f.Status != "" && inst.Status != f.Status {
			continue
		}
		if f.ImageID != "" && inst.ImageID != f.ImageID {
			continue
		}
		if f.CreatedAfter != nil && inst.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && inst.CreatedAt.After(*f.CreatedBefore) {
			continue
		}
		out = append(out, copyInstance(inst))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	out = page(out, f.Limit, f.Offset)
	return out, nil
}

func (m *Memory) CountInstances(ctx context.Context, f store.InstanceFilter) (int64, error) {
	f.Limit, f.Offset = 0, 0
	list, err := m.ListInstances(ctx, f)
	if err != nil {
		return 0, err
	}
	return int64(len(list)), nil
}

func (m *Memory) CountActiveInstances(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, inst := range m.instances {
		if !inst.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) CountLiveInstancesByImage(ctx context.Context, imageID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, inst := range m.instances {
		if inst.ImageID == imageID && !inst.Status.IsTerminal() {
			n++
		}
	}
	return n, nil
}

func (m *Memory) SaveCheckpoint(ctx context.Context, cp *store.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	for _, existing := range m.checkpoints {
		if existing.InstanceID == cp.InstanceID && existing.CheckpointID == cp.CheckpointID && !existing.IsRetryAttempt {
			return fault.Newf(fault.CodeAlreadyExists, fault.CategoryPermanent,
				"checkpoint %q already written", cp.CheckpointID)
		}
	}
	m.nextSeq++
	c := *cp
	c.Seq = m.nextSeq
	c.IsRetryAttempt = false
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.checkpoints = append(m.checkpoints, &c)
	cp.Seq = c.Seq
	cp.CreatedAt = c.CreatedAt
	return nil
}

func (m *Memory) GetCheckpoint(ctx context.Context, instanceID, checkpointID string) (*store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	for _, cp := range m.checkpoints {
		if cp.InstanceID == instanceID && cp.CheckpointID == checkpointID && !cp.IsRetryAttempt {
			c := *cp
			return &c, nil
		}
	}
	return nil, nil
}

func (m *Memory) SaveRetryAttempt(ctx context.Context, cp *store.Checkpoint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	m.nextSeq++
	c := *cp
	c.Seq = m.nextSeq
	c.IsRetryAttempt = true
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	m.checkpoints = append(m.checkpoints, &c)
	cp.Seq = c.Seq
	return nil
}

func (m *Memory) ListCheckpoints(ctx context.Context, f store.CheckpointFilter) ([]*store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Checkpoint
	for _, cp := range m.checkpoints {
		if f.InstanceID != "" && cp.InstanceID != f.InstanceID {
			continue
		}
		if f.CheckpointID != "" && cp.CheckpointID != f.CheckpointID {
			continue
		}
		if f.CreatedAfter != nil && cp.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && cp.CreatedAt.After(*f.CreatedBefore) {
			continue
		}
		c := *cp
		out = append(out, &c)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	out = page(out, f.Limit, f.Offset)
	return out, nil
}

func (m *Memory) CountCheckpoints(ctx context.Context, f store.CheckpointFilter) (int64, error) {
	f.Limit, f.Offset = 0, 0
	list, err := m.ListCheckpoints(ctx, f)
	if err != nil {
		return 0, err
	}
	return int64(len(list)), nil
}

func (m *Memory) GetCompensableCheckpoints(ctx context.Context, instanceID string) ([]*store.Checkpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Checkpoint
	for _, cp := range m.checkpoints {
		if cp.InstanceID == instanceID && cp.IsCompensatable && !cp.IsRetryAttempt {
			c := *cp
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CompensationOrder != out[j].CompensationOrder {
			return out[i].CompensationOrder > out[j].CompensationOrder
		}
		return out[i].Seq > out[j].Seq
	})
	return out, nil
}

func (m *Memory) InsertEvent(ctx context.Context, ev *store.Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	m.nextEventID++
	e := *ev
	e.ID = m.nextEventID
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	m.events = append(m.events, &e)
	ev.ID = e.ID
	ev.CreatedAt = e.CreatedAt
	return nil
}

func (m *Memory) ListEvents(ctx context.Context, f store.EventFilter) ([]*store.Event, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Event
	for _, ev := range m.events {
		if f.InstanceID != "" && ev.InstanceID != f.InstanceID {
			continue
		}
		if f.Kind != "" && ev.Kind != f.Kind {
			continue
		}
		if f.Subtype != "" && (ev.Subtype == nil || *ev.Subtype != f.Subtype) {
			continue
		}
		if f.PayloadMatch != "" && !strings.Contains(string(ev.Payload), f.PayloadMatch) {
			continue
		}
		if f.CreatedAfter != nil && ev.CreatedAt.Before(*f.CreatedAfter) {
			continue
		}
		if f.CreatedBefore != nil && ev.CreatedAt.After(*f.CreatedBefore) {
			continue
		}
		e := *ev
		out = append(out, &e)
	}
	out = page(out, f.Limit, f.Offset)
	return out, nil
}

func (m *Memory) CountEvents(ctx context.Context, f store.EventFilter) (int64, error) {
	f.Limit, f.Offset = 0, 0
	list, err := m.ListEvents(ctx, f)
	if err != nil {
		return 0, err
	}
	return int64(len(list)), nil
}

func (m *Memory) LatestEventAt(ctx context.Context, instanceID string) (*time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var latest *time.Time
	for _, ev := range m.events {
		if ev.InstanceID != instanceID {
			continue
		}
		if latest == nil || ev.CreatedAt.After(*latest) {
			t := ev.CreatedAt
			latest = &t
		}
	}
	return latest, nil
}

func (m *Memory) UpsertSignal(ctx context.Context, sig *store.Signal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if existing, ok := m.signals[sig.InstanceID]; ok && existing.Kind == "cancel" {
		return nil
	}
	s := *sig
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.signals[sig.InstanceID] = &s
	return nil
}

func (m *Memory) GetPendingSignal(ctx context.Context, instanceID string) (*store.Signal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	sig, ok := m.signals[instanceID]
	if !ok {
		return nil, nil
	}
	s := *sig
	return &s, nil
}

func (m *Memory) AcknowledgeSignal(ctx context.Context, instanceID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	delete(m.signals, instanceID)
	return nil
}

func (m *Memory) InsertCheckpointSignal(ctx context.Context, sig *store.CheckpointSignal) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := *sig
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	m.checkpointSignals[cskey(sig.InstanceID, sig.CheckpointID)] = &s
	return nil
}

func (m *Memory) TakeCheckpointSignal(ctx context.Context, instanceID, checkpointID string) (*store.CheckpointSignal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	key := cskey(instanceID, checkpointID)
	sig, ok := m.checkpointSignals[key]
	if !ok {
		return nil, nil
	}
	delete(m.checkpointSignals, key)
	s := *sig
	return &s, nil
}

func (m *Memory) CreateImage(ctx context.Context, img *store.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return err
	}
	if _, ok := m.images[img.ID]; ok {
		return fault.Newf(fault.CodeAlreadyExists, fault.CategoryPermanent, "image %q exists", img.ID)
	}
	for _, existing := range m.images {
		if existing.TenantID == img.TenantID && existing.Name == img.Name {
			return fault.Newf(fault.CodeAlreadyExists, fault.CategoryPermanent, "image name %q taken", img.Name)
		}
	}
	i := *img
	if i.CreatedAt.IsZero() {
		i.CreatedAt = time.Now().UTC()
	}
	m.images[img.ID] = &i
	return nil
}

func (m *Memory) GetImage(ctx context.Context, id string) (*store.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.failNext(); err != nil {
		return nil, err
	}
	img, ok := m.images[id]
	if !ok {
		return nil, fault.NotFound("image", id)
	}
	i := *img
	return &i, nil
}

func (m *Memory) GetImageByDigest(ctx context.Context, tenantID, digest string) (*store.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, img := range m.images {
		if img.TenantID == tenantID && img.Digest == digest {
			i := *img
			return &i, nil
		}
	}
	return nil, nil
}

func (m *Memory) GetImageByName(ctx context.Context, tenantID, name string) (*store.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, img := range m.images {
		if img.TenantID == tenantID && img.Name == name {
			i := *img
			return &i, nil
		}
	}
	return nil, nil
}

func (m *Memory) ListImages(ctx context.Context, f store.ImageFilter) ([]*store.Image, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*store.Image
	for _, img := range m.images {
		if f.TenantID != "" && img.TenantID != f.TenantID {
			continue
		}
		i := *img
		out = append(out, &i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	out = page(out, f.Limit, f.Offset)
	return out, nil
}

func (m *Memory) CountImages(ctx context.Context, f store.ImageFilter) (int64, error) {
	f.Limit, f.Offset = 0, 0
	list, err := m.ListImages(ctx, f)
	if err != nil {
		return 0, err
	}
	return int64(len(list)), nil
}

func (m *Memory) DeleteImage(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.images[id]; !ok {
		return fault.NotFound("image", id)
	}
	delete(m.images, id)
	return nil
}

func (m *Memory) Ping(ctx context.Context) error {
	return nil
}

func (m *Memory) Close() error {
	return nil
}

// Events returns a snapshot of all inserted events for assertions.
func (m *Memory) Events() []*store.Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*store.Event, 0, len(m.events))
	for _, ev := range m.events {
		e := *ev
		out = append(out, &e)
	}
	return out
}

func page[T any](in []T, limit, offset int) []T {
	if offset > 0 {
		if offset >= len(in) {
			return nil
		}
		in = in[offset:]
	}
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	return in
}

var _ store.Store = (*Memory)(nil)
