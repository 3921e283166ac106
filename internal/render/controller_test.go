package render

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/szaher/stagehand/internal/storage"
)

type fakeBatch struct {
	mu        sync.Mutex
	phase     UnitPhase
	message   string
	missing   bool
	submitErr error
	submitted []Spec
	deleted   []string
}

func (b *fakeBatch) Submit(_ context.Context, spec Spec) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.submitErr != nil {
		return "", b.submitErr
	}
	b.submitted = append(b.submitted, spec)
	return "render-" + spec.RenderID, nil
}

func (b *fakeBatch) Status(_ context.Context, _ string) (UnitStatus, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.missing {
		return UnitStatus{}, ErrUnitNotFound
	}
	return UnitStatus{Phase: b.phase, Message: b.message}, nil
}

func (b *fakeBatch) Delete(_ context.Context, unit string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deleted = append(b.deleted, unit)
	return nil
}

func (b *fakeBatch) Logs(_ context.Context, unit string) (string, error) {
	return "logs of " + unit, nil
}

func (b *fakeBatch) set(phase UnitPhase) {
	b.mu.Lock()
	b.phase = phase
	b.mu.Unlock()
}

// recorder collects events and exposes the status sequence per job.
type recorder struct {
	mu     sync.Mutex
	events []Event
	done   chan struct{}
}

func newRecorder() *recorder { return &recorder{done: make(chan struct{}, 16)} }

func (r *recorder) OnRenderEvent(ev Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	if ev.Job.Status.Terminal() {
		r.done <- struct{}{}
	}
}

func (r *recorder) wait(t *testing.T) {
	t.Helper()
	select {
	case <-r.done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for terminal event")
	}
}

func (r *recorder) types() []EventType {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []EventType
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

func (r *recorder) statuses() []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, ev := range r.events {
		out = append(out, ev.Job.Status)
	}
	return out
}

func newTestController(b BatchClient, store storage.Store, timeout time.Duration) *Controller {
	return NewController(b, store, Options{
		PollInterval:  5 * time.Millisecond,
		Timeout:       timeout,
		OutputURLBase: "https://cdn.example.com/",
	})
}

func assertMonotonic(t *testing.T, statuses []Status) {
	t.Helper()
	for i := 1; i < len(statuses); i++ {
		if statuses[i].rank() < statuses[i-1].rank() || statuses[i-1].Terminal() {
			t.Fatalf("non-monotonic status sequence %v", statuses)
		}
	}
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to Status
		want     bool
	}{
		{StatusPending, StatusRunning, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusFailed, true},
		{StatusRunning, StatusRunning, false},
		{StatusRunning, StatusPending, false},
		{StatusCompleted, StatusRunning, false},
		{StatusFailed, StatusCompleted, false},
		{StatusCompleted, StatusFailed, false},
	}
	for _, tt := range tests {
		if got := canTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("canTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestJobCompletesWithMetadataURL(t *testing.T) {
	b := &fakeBatch{phase: UnitActive}
	store := storage.NewMemoryStore()
	c := newTestController(b, store, time.Minute)
	defer c.Shutdown()
	rec := newRecorder()
	c.Subscribe(rec)

	job, err := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	if job.Format != "mp4" || job.Status != StatusPending {
		t.Errorf("created job = %+v", job)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		j, _ := c.Get(job.ID)
		if j.Status == StatusRunning {
			if j.Progress != ProgressRunning {
				t.Errorf("running progress = %d", j.Progress)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("job never reached running")
		}
		time.Sleep(5 * time.Millisecond)
	}

	_ = store.Put(context.Background(), storage.RenderMetadataKey(job.ID),
		[]byte(`{"status":"completed","outputUrl":"https://cdn.example.com/final.mp4"}`))
	b.set(UnitSucceeded)
	rec.wait(t)

	got, _ := c.Get(job.ID)
	if got.Status != StatusCompleted || got.OutputURL != "https://cdn.example.com/final.mp4" || got.Progress != 100 {
		t.Errorf("completed job = %+v", got)
	}
	if got.CompletedAt == nil {
		t.Error("CompletedAt not set")
	}
	want := []EventType{EventStarted, EventProgress, EventComplete}
	if types := rec.types(); len(types) != 3 || types[0] != want[0] || types[1] != want[1] || types[2] != want[2] {
		t.Errorf("events = %v, want %v", types, want)
	}
	assertMonotonic(t, rec.statuses())
}

func TestSuccessWithoutMetadataUsesFallback(t *testing.T) {
	b := &fakeBatch{phase: UnitSucceeded}
	c := newTestController(b, storage.NewMemoryStore(), time.Minute)
	defer c.Shutdown()
	rec := newRecorder()
	c.Subscribe(rec)

	job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1", Format: "webm"})
	rec.wait(t)

	got, _ := c.Get(job.ID)
	want := "https://cdn.example.com/renders/" + job.ID + "/output.webm"
	if got.Status != StatusCompleted || got.OutputURL != want {
		t.Errorf("job = %+v, want output %s", got, want)
	}
}

func TestFailureUsesMetadataError(t *testing.T) {
	b := &fakeBatch{phase: UnitPending}
	store := storage.NewMemoryStore()
	c := newTestController(b, store, time.Minute)
	defer c.Shutdown()
	rec := newRecorder()
	c.Subscribe(rec)

	job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	_ = store.Put(context.Background(), storage.RenderMetadataKey(job.ID), []byte(`{"status":"failed","error":"composition not found"}`))
	b.set(UnitFailed)
	rec.wait(t)

	got, _ := c.Get(job.ID)
	if got.Status != StatusFailed || got.Error != "composition not found" {
		t.Errorf("job = %+v", got)
	}
}

func TestFailureWithoutMetadataIsGeneric(t *testing.T) {
	b := &fakeBatch{phase: UnitFailed}
	c := newTestController(b, nil, time.Minute)
	defer c.Shutdown()
	rec := newRecorder()
	c.Subscribe(rec)

	job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	rec.wait(t)
	got, _ := c.Get(job.ID)
	if got.Status != StatusFailed || got.Error != ReasonFailed {
		t.Errorf("job = %+v", got)
	}
}

func TestUnitNotFoundReconcilesFromMetadata(t *testing.T) {
	tests := []struct {
		name       string
		metadata   string
		wantStatus Status
		wantURL    string
		wantError  string
	}{
		{"completed", `{"status":"completed","outputUrl":"https://cdn.example.com/x.mp4"}`, StatusCompleted, "https://cdn.example.com/x.mp4", ""},
		{"failed", `{"status":"failed","error":"encoder crashed"}`, StatusFailed, "", "encoder crashed"},
		{"absent", "", StatusFailed, "", ReasonLost},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := &fakeBatch{phase: UnitPending}
			store := storage.NewMemoryStore()
			c := newTestController(b, store, time.Minute)
			defer c.Shutdown()
			rec := newRecorder()
			c.Subscribe(rec)

			job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
			if tt.metadata != "" {
				_ = store.Put(context.Background(), storage.RenderMetadataKey(job.ID), []byte(tt.metadata))
			}
			b.mu.Lock()
			b.missing = true
			b.mu.Unlock()
			rec.wait(t)

			got, _ := c.Get(job.ID)
			if got.Status != tt.wantStatus || got.OutputURL != tt.wantURL || got.Error != tt.wantError {
				t.Errorf("job = %+v", got)
			}
		})
	}
}

func TestStuckJobIsForcedToFailAtCeiling(t *testing.T) {
	b := &fakeBatch{phase: UnitActive}
	c := newTestController(b, nil, 50*time.Millisecond)
	defer c.Shutdown()
	rec := newRecorder()
	c.Subscribe(rec)

	job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	rec.wait(t)

	got, _ := c.Get(job.ID)
	if got.Status != StatusFailed || got.Error == "" {
		t.Fatalf("job = %+v", got)
	}
	b.mu.Lock()
	deleted := len(b.deleted)
	b.mu.Unlock()
	if deleted != 1 {
		t.Errorf("unit deleted %d times after timeout", deleted)
	}
	assertMonotonic(t, rec.statuses())
}

func TestCancel(t *testing.T) {
	b := &fakeBatch{phase: UnitPending}
	c := newTestController(b, nil, time.Minute)
	defer c.Shutdown()

	job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	got, err := c.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if got.Status != StatusFailed || got.Error != ReasonCancelled {
		t.Errorf("cancelled job = %+v", got)
	}
	if _, err := c.Cancel(context.Background(), "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Errorf("err = %v, want ErrJobNotFound", err)
	}
}

func TestCancelCompletedJobIsRejected(t *testing.T) {
	b := &fakeBatch{phase: UnitSucceeded}
	c := newTestController(b, nil, time.Minute)
	defer c.Shutdown()
	rec := newRecorder()
	c.Subscribe(rec)

	job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	rec.wait(t)
	before, _ := c.Get(job.ID)

	if _, err := c.Cancel(context.Background(), job.ID); !errors.Is(err, ErrJobTerminal) {
		t.Fatalf("err = %v, want ErrJobTerminal", err)
	}
	after, _ := c.Get(job.ID)
	if after.Status != StatusCompleted || after.OutputURL != before.OutputURL {
		t.Errorf("job changed by rejected cancel: %+v", after)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.deleted) != 0 {
		t.Errorf("unit deleted for completed job")
	}
}

func TestListenerPanicDoesNotStopDelivery(t *testing.T) {
	c := newTestController(&fakeBatch{phase: UnitPending}, nil, time.Minute)
	defer c.Shutdown()

	c.Subscribe(listenerFunc(func(Event) { panic("boom") }))
	var got []EventType
	var mu sync.Mutex
	unsub := c.Subscribe(listenerFunc(func(ev Event) {
		mu.Lock()
		got = append(got, ev.Type)
		mu.Unlock()
	}))

	job, err := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	unsub()
	_, _ = c.Cancel(context.Background(), job.ID)

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0] != EventStarted {
		t.Errorf("events after unsubscribe = %v", got)
	}
}

func TestSubmitFailureRegistersNothing(t *testing.T) {
	c := newTestController(&fakeBatch{submitErr: errors.New("quota")}, nil, time.Minute)
	defer c.Shutdown()
	if _, err := c.Create(context.Background(), CreateRequest{ProjectID: "p1"}); err == nil {
		t.Fatal("expected error")
	}
	if n := len(c.ListByProject("p1")); n != 0 {
		t.Errorf("%d jobs registered", n)
	}
}

func TestListByProjectAndLogs(t *testing.T) {
	c := newTestController(&fakeBatch{phase: UnitPending}, nil, time.Minute)
	defer c.Shutdown()

	a, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	_, _ = c.Create(context.Background(), CreateRequest{ProjectID: "p2"})
	list := c.ListByProject("p1")
	if len(list) != 1 || list[0].ID != a.ID {
		t.Errorf("ListByProject = %v", list)
	}
	logs, err := c.Logs(context.Background(), a.ID)
	if err != nil || logs != "logs of render-"+a.ID {
		t.Errorf("Logs = %q, %v", logs, err)
	}
	if c.Active() != 2 {
		t.Errorf("Active = %d", c.Active())
	}
}

// hangingBatch never answers a status read until its context ends.
type hangingBatch struct {
	fakeBatch
}

func (b *hangingBatch) Status(ctx context.Context, _ string) (UnitStatus, error) {
	<-ctx.Done()
	return UnitStatus{}, ctx.Err()
}

func TestHangingStatusReadStillHitsCeiling(t *testing.T) {
	c := newTestController(&hangingBatch{}, nil, 50*time.Millisecond)
	defer c.Shutdown()
	rec := newRecorder()
	c.Subscribe(rec)

	start := time.Now()
	job, err := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	if err != nil {
		t.Fatal(err)
	}
	rec.wait(t)

	if elapsed := time.Since(start); elapsed > time.Second {
		t.Errorf("job finished after %s, ceiling is 50ms", elapsed)
	}
	got, _ := c.Get(job.ID)
	if got.Status != StatusFailed || !strings.Contains(got.Error, "timed out") {
		t.Fatalf("job = %+v", got)
	}
}

func TestHangingMetadataReadIsRetried(t *testing.T) {
	b := &fakeBatch{missing: true}
	store := &hangingStore{}
	c := newTestController(b, store, time.Minute)
	defer c.Shutdown()

	job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	deadline := time.Now().Add(time.Second)
	for store.calls() < 3 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if store.calls() < 3 {
		t.Fatalf("metadata read %d times, want retries", store.calls())
	}
	if got, _ := c.Get(job.ID); got.Status.Terminal() {
		t.Fatalf("job = %+v, want still open while metadata is unreachable", got)
	}
}

type hangingStore struct {
	storage.MemoryStore
	mu sync.Mutex
	n  int
}

func (s *hangingStore) Get(ctx context.Context, _ string) ([]byte, error) {
	s.mu.Lock()
	s.n++
	s.mu.Unlock()
	<-ctx.Done()
	return nil, ctx.Err()
}

func (s *hangingStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.n
}

// deleteObserver records the job status seen when the unit is deleted.
type deleteObserver struct {
	fakeBatch
	c    *Controller
	id   string
	seen Status
}

func (b *deleteObserver) Delete(ctx context.Context, unit string) error {
	if j, ok := b.c.Get(b.id); ok {
		b.seen = j.Status
	}
	b.mu.Lock()
	b.missing = true
	b.mu.Unlock()
	time.Sleep(20 * time.Millisecond)
	return b.fakeBatch.Delete(ctx, unit)
}

func TestCancelMarksJobBeforeDeletingUnit(t *testing.T) {
	b := &deleteObserver{fakeBatch: fakeBatch{phase: UnitActive}}
	c := newTestController(b, nil, time.Minute)
	defer c.Shutdown()
	b.c = c

	job, _ := c.Create(context.Background(), CreateRequest{ProjectID: "p1"})
	b.id = job.ID

	got, err := c.Cancel(context.Background(), job.ID)
	if err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if b.seen != StatusFailed {
		t.Errorf("status at delete = %q, want failed", b.seen)
	}
	time.Sleep(30 * time.Millisecond)
	after, _ := c.Get(job.ID)
	if got.Error != ReasonCancelled || after.Error != ReasonCancelled {
		t.Errorf("cancel reason lost: returned %q, stored %q", got.Error, after.Error)
	}
}
