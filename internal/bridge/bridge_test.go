package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/szaher/stagehand/internal/agent"
	"github.com/szaher/stagehand/internal/compute"
	"github.com/szaher/stagehand/internal/project"
	"github.com/szaher/stagehand/internal/render"
)

type fakeSessions struct {
	mu        sync.Mutex
	n         int
	live      map[string]*compute.Session
	log       []string
	createErr error
	destroys  int
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{live: make(map[string]*compute.Session)}
}

func (f *fakeSessions) CreateSession(_ context.Context, req compute.CreateRequest) (*compute.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return nil, f.createErr
	}
	f.n++
	id := fmt.Sprintf("sess-%d", f.n)
	s := &compute.Session{ID: id, ShortID: id, ProjectID: req.ProjectID, AgentSessionID: req.AgentSessionID, Address: "10.0.0.1"}
	f.live[id] = s
	f.log = append(f.log, "create:"+id)
	cp := *s
	return &cp, nil
}

func (f *fakeSessions) DestroySession(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.live[id]; !ok {
		return nil
	}
	delete(f.live, id)
	f.destroys++
	f.log = append(f.log, "destroy:"+id)
	return nil
}

func (f *fakeSessions) GetSession(id string) (*compute.Session, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live[id]
	if !ok {
		return nil, false
	}
	cp := *s
	return &cp, true
}

func (f *fakeSessions) PreviewURL(s *compute.Session) string {
	return "https://" + s.ShortID + ".preview.test"
}

func (f *fakeSessions) AgentAddress(*compute.Session) string { return "ws://10.0.0.1:8787/ws" }

func (f *fakeSessions) SetAgentSessionID(id, token string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.live[id]
	if !ok {
		return compute.ErrSessionNotFound
	}
	s.AgentSessionID = token
	return nil
}

func (f *fakeSessions) snapshot() ([]string, int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.log...), f.destroys, len(f.live)
}

type fakeAgent struct {
	in     chan agent.Event
	sent   chan map[string]any
	closed chan struct{}
	once   sync.Once
}

func newFakeAgent() *fakeAgent {
	return &fakeAgent{in: make(chan agent.Event, 16), sent: make(chan map[string]any, 16), closed: make(chan struct{})}
}

func (a *fakeAgent) Send(_ context.Context, msg any) error {
	select {
	case <-a.closed:
		return agent.ErrClosed
	default:
	}
	data, _ := json.Marshal(msg)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	a.sent <- m
	return nil
}

func (a *fakeAgent) Receive(ctx context.Context) (agent.Event, error) {
	select {
	case ev := <-a.in:
		return ev, nil
	case <-a.closed:
		return agent.Event{}, agent.ErrClosed
	case <-ctx.Done():
		return agent.Event{}, ctx.Err()
	}
}

func (a *fakeAgent) Close() error {
	a.once.Do(func() { close(a.closed) })
	return nil
}

func (a *fakeAgent) emit(t *testing.T, raw string) {
	t.Helper()
	ev, err := agent.Decode([]byte(raw))
	if err != nil {
		t.Fatal(err)
	}
	a.in <- ev
}

func (a *fakeAgent) next(t *testing.T) map[string]any {
	t.Helper()
	select {
	case m := <-a.sent:
		return m
	case <-time.After(2 * time.Second):
		t.Fatal("agent received nothing")
		return nil
	}
}

type fakeDialer struct {
	mu     sync.Mutex
	err    error
	agents []*fakeAgent
}

func (d *fakeDialer) Dial(context.Context, string) (agent.Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return nil, d.err
	}
	a := newFakeAgent()
	d.agents = append(d.agents, a)
	return a, nil
}

func (d *fakeDialer) last() *fakeAgent {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.agents[len(d.agents)-1]
}

type recordOutbox struct {
	ch chan map[string]any
}

func newRecordOutbox() *recordOutbox { return &recordOutbox{ch: make(chan map[string]any, 64)} }

func (o *recordOutbox) Send(msg any) {
	data, _ := json.Marshal(msg)
	var m map[string]any
	_ = json.Unmarshal(data, &m)
	o.ch <- m
}

func (o *recordOutbox) next(t *testing.T, wantType string) map[string]any {
	t.Helper()
	select {
	case m := <-o.ch:
		if m["type"] != wantType {
			t.Fatalf("client got %v, want type %q", m, wantType)
		}
		return m
	case <-time.After(2 * time.Second):
		t.Fatalf("client got nothing, want %q", wantType)
		return nil
	}
}

type harness struct {
	sessions *fakeSessions
	dialer   *fakeDialer
	projects *project.MemoryStore
	bridge   *Bridge
}

func newHarness(grace time.Duration) *harness {
	h := &harness{sessions: newFakeSessions(), dialer: &fakeDialer{}, projects: project.NewMemoryStore()}
	h.bridge = New(h.sessions, h.dialer, h.projects, Options{GracePeriod: grace, SystemPrompt: "You are a builder."})
	return h
}

func send(c *Connection, msg string) {
	c.Handle(context.Background(), []byte(msg))
}

func eventually(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartSendEnd(t *testing.T) {
	h := newHarness(time.Minute)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)

	send(c, `{"type":"session:start"}`)
	ready := out.next(t, TypeSessionReady)
	if ready["sessionId"] != "sess-1" || ready["previewUrl"] != "https://sess-1.preview.test" || ready["shortId"] != "sess-1" {
		t.Errorf("ready = %v", ready)
	}

	send(c, `{"type":"message:send","content":"build a landing page"}`)
	prompt := h.dialer.last().next(t)
	if prompt["type"] != "prompt" || prompt["content"] != "build a landing page" {
		t.Errorf("prompt = %v", prompt)
	}

	send(c, `{"type":"session:end"}`)
	out.next(t, TypeSessionEnded)

	log, destroys, live := h.sessions.snapshot()
	if len(log) != 2 || destroys != 1 || live != 0 {
		t.Errorf("log = %v, destroys = %d, live = %d", log, destroys, live)
	}
	if c.SessionID() != "" {
		t.Error("connection still attached after end")
	}
}

func TestStartTwiceDestroysFirst(t *testing.T) {
	h := newHarness(time.Minute)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)

	send(c, `{"type":"session:start"}`)
	out.next(t, TypeSessionReady)
	send(c, `{"type":"session:start"}`)
	out.next(t, TypeSessionReady)

	log, _, live := h.sessions.snapshot()
	want := []string{"create:sess-1", "destroy:sess-1", "create:sess-2"}
	if fmt.Sprint(log) != fmt.Sprint(want) {
		t.Errorf("log = %v, want %v", log, want)
	}
	if live != 1 {
		t.Errorf("live sessions = %d, want 1", live)
	}
}

func TestReconnectWithinGraceKeepsSession(t *testing.T) {
	h := newHarness(80 * time.Millisecond)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:start"}`)
	id := out.next(t, TypeSessionReady)["sessionId"].(string)

	c.Close()
	if len(h.bridge.PendingCleanups()) != 1 {
		t.Fatal("cleanup not scheduled")
	}

	out2 := newRecordOutbox()
	c2 := h.bridge.Connect(out2)
	send(c2, `{"type":"session:start","sessionId":"`+id+`"}`)
	ready := out2.next(t, TypeSessionReady)
	if ready["sessionId"] != id || ready["resumed"] != true {
		t.Errorf("ready = %v", ready)
	}

	time.Sleep(200 * time.Millisecond)
	log, destroys, _ := h.sessions.snapshot()
	if destroys != 0 || len(log) != 1 {
		t.Errorf("log = %v after reconnect", log)
	}
}

func TestDisconnectWithoutReconnectDestroysOnce(t *testing.T) {
	h := newHarness(30 * time.Millisecond)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:start"}`)
	out.next(t, TypeSessionReady)

	c.Close()
	c.Close()
	eventually(t, "destroy", func() bool {
		_, destroys, _ := h.sessions.snapshot()
		return destroys == 1
	})
	time.Sleep(100 * time.Millisecond)
	if _, destroys, _ := h.sessions.snapshot(); destroys != 1 {
		t.Errorf("destroys = %d, want 1", destroys)
	}
	if h.bridge.Connections() != 0 {
		t.Errorf("connections = %d", h.bridge.Connections())
	}
}

func TestResumeAfterExpiryCreatesFreshSession(t *testing.T) {
	h := newHarness(10 * time.Millisecond)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:start"}`)
	id := out.next(t, TypeSessionReady)["sessionId"].(string)
	c.Close()
	eventually(t, "destroy", func() bool {
		_, destroys, _ := h.sessions.snapshot()
		return destroys == 1
	})

	out2 := newRecordOutbox()
	c2 := h.bridge.Connect(out2)
	send(c2, `{"type":"session:start","sessionId":"`+id+`"}`)
	ready := out2.next(t, TypeSessionReady)
	if ready["sessionId"] == id || ready["resumed"] == true {
		t.Errorf("resumed a destroyed session: %v", ready)
	}
}

func TestResumeOfSessionHeldByAnotherConnection(t *testing.T) {
	h := newHarness(time.Minute)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:start"}`)
	id := out.next(t, TypeSessionReady)["sessionId"].(string)

	out2 := newRecordOutbox()
	c2 := h.bridge.Connect(out2)
	send(c2, `{"type":"session:start","sessionId":"`+id+`"}`)
	if ready := out2.next(t, TypeSessionReady); ready["sessionId"] == id {
		t.Errorf("two connections attached to %s", id)
	}
}

func TestAgentMessagesKeepOrder(t *testing.T) {
	h := newHarness(time.Minute)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:start"}`)
	out.next(t, TypeSessionReady)

	a := h.dialer.last()
	for i := 1; i <= 3; i++ {
		a.emit(t, fmt.Sprintf(`{"type":"agent_message","seq":%d}`, i))
	}
	a.emit(t, `{"type":"complete"}`)

	for i := 1; i <= 3; i++ {
		m := out.next(t, TypeAgentMessage)
		data := m["data"].(map[string]any)
		if data["seq"] != float64(i) {
			t.Fatalf("message %d = %v", i, data)
		}
	}
	out.next(t, TypeAgentComplete)
}

func TestSessionIDPersistedAndSystemPromptNotResent(t *testing.T) {
	h := newHarness(time.Minute)
	h.projects.Put(project.Project{ID: "p1", Name: "site"})
	out := newRecordOutbox()
	c := h.bridge.Connect(out)

	send(c, `{"type":"session:start","projectId":"p1"}`)
	out.next(t, TypeSessionReady)
	a := h.dialer.last()

	send(c, `{"type":"message:send","content":"first"}`)
	first := a.next(t)
	if first["systemPrompt"] != "You are a builder." {
		t.Errorf("first prompt = %v, want system prompt", first)
	}
	if _, ok := first["sessionId"]; ok {
		t.Errorf("first prompt carries a session id: %v", first)
	}

	a.emit(t, `{"type":"session_id","sessionId":"abc"}`)
	eventually(t, "agent session id persisted", func() bool {
		p, err := h.projects.Get(context.Background(), "p1")
		return err == nil && p.AgentSessionID == "abc"
	})
	a.emit(t, `{"type":"complete"}`)
	out.next(t, TypeAgentComplete)

	send(c, `{"type":"message:send","content":"second"}`)
	second := a.next(t)
	if second["sessionId"] != "abc" {
		t.Errorf("second prompt = %v, want sessionId abc", second)
	}
	if _, ok := second["systemPrompt"]; ok {
		t.Errorf("system prompt resent: %v", second)
	}
	if s, _ := h.sessions.GetSession(c.SessionID()); s.AgentSessionID != "abc" {
		t.Errorf("live session token = %q", s.AgentSessionID)
	}

	msgs := h.projects.Messages("p1")
	if len(msgs) != 2 || msgs[0].Role != project.RoleUser || msgs[0].Content != "first" {
		t.Errorf("persisted messages = %+v", msgs)
	}
}

func TestStoredTokenIsUsedFromFirstPrompt(t *testing.T) {
	h := newHarness(time.Minute)
	h.projects.Put(project.Project{ID: "p1", AgentSessionID: "prior"})
	out := newRecordOutbox()
	c := h.bridge.Connect(out)

	send(c, `{"type":"session:start","projectId":"p1"}`)
	out.next(t, TypeSessionReady)
	send(c, `{"type":"message:send","content":"continue"}`)
	p := h.dialer.last().next(t)
	if p["sessionId"] != "prior" {
		t.Errorf("prompt = %v", p)
	}
	if _, ok := p["systemPrompt"]; ok {
		t.Errorf("system prompt sent on resumed conversation: %v", p)
	}
}

func TestSendWithoutAgentIsError(t *testing.T) {
	h := newHarness(time.Minute)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)

	send(c, `{"type":"message:send","content":"hello?"}`)
	if m := out.next(t, TypeError); m["message"] != "no active agent connection" {
		t.Errorf("error = %v", m)
	}
}

func TestAgentDialFailureIsRecoverable(t *testing.T) {
	h := newHarness(time.Minute)
	h.dialer.err = errors.New("connection refused")
	out := newRecordOutbox()
	c := h.bridge.Connect(out)

	send(c, `{"type":"session:start"}`)
	out.next(t, TypeError)
	send(c, `{"type":"message:send","content":"x"}`)
	out.next(t, TypeError)

	send(c, `{"type":"session:end"}`)
	out.next(t, TypeSessionEnded)
	if _, destroys, _ := h.sessions.snapshot(); destroys != 1 {
		t.Errorf("destroys = %d", destroys)
	}
}

func TestStartFailureRegistersNothing(t *testing.T) {
	h := newHarness(time.Minute)
	h.sessions.createErr = fmt.Errorf("%w: not ready", compute.ErrSessionStartTimeout)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)

	send(c, `{"type":"session:start"}`)
	m := out.next(t, TypeError)
	if m["message"] != "session start timed out: the sandbox did not become ready" {
		t.Errorf("error = %v", m)
	}
	if c.SessionID() != "" {
		t.Error("connection attached after failed start")
	}
}

func TestLatestPromptWins(t *testing.T) {
	h := newHarness(time.Minute)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:start"}`)
	out.next(t, TypeSessionReady)
	a := h.dialer.last()

	send(c, `{"type":"message:send","content":"one"}`)
	send(c, `{"type":"message:send","content":"two"}`)
	got := []any{a.next(t)["type"], a.next(t)["type"], a.next(t)["type"]}
	if fmt.Sprint(got) != "[prompt cancel prompt]" {
		t.Errorf("agent saw %v", got)
	}

	send(c, `{"type":"message:cancel"}`)
	if m := a.next(t); m["type"] != "cancel" {
		t.Errorf("explicit cancel = %v", m)
	}
}

func TestDisconnectCancelsInFlightTurn(t *testing.T) {
	h := newHarness(time.Minute)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:start"}`)
	out.next(t, TypeSessionReady)
	a := h.dialer.last()

	send(c, `{"type":"message:send","content":"long task"}`)
	a.next(t)
	c.Close()
	if m := a.next(t); m["type"] != "cancel" {
		t.Errorf("on disconnect agent saw %v", m)
	}
	h.bridge.Shutdown()
}

func TestUnknownMessageType(t *testing.T) {
	h := newHarness(time.Minute)
	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:pause"}`)
	out.next(t, TypeError)
	send(c, `not json`)
	out.next(t, TypeError)
}

func TestRenderEventsReachProjectClients(t *testing.T) {
	h := newHarness(time.Minute)
	onProject := newRecordOutbox()
	other := newRecordOutbox()
	c1 := h.bridge.Connect(onProject)
	c2 := h.bridge.Connect(other)
	send(c1, `{"type":"session:start","projectId":"p1"}`)
	onProject.next(t, TypeSessionReady)
	send(c2, `{"type":"session:start","projectId":"p2"}`)
	other.next(t, TypeSessionReady)

	h.bridge.OnRenderEvent(render.Event{
		Type: render.EventComplete,
		Job:  render.Job{ID: "r1", ProjectID: "p1", Status: render.StatusCompleted, Progress: 100, OutputURL: "https://cdn/x.mp4"},
	})
	m := onProject.next(t, string(render.EventComplete))
	if m["renderId"] != "r1" || m["outputUrl"] != "https://cdn/x.mp4" {
		t.Errorf("render message = %v", m)
	}
	select {
	case m := <-other.ch:
		t.Errorf("other project got %v", m)
	default:
	}
}

type blockingSessions struct {
	*fakeSessions
	entered chan string
	release chan struct{}
}

func (b *blockingSessions) DestroySession(ctx context.Context, id string) error {
	b.entered <- id
	<-b.release
	return b.fakeSessions.DestroySession(ctx, id)
}

func TestResumeDuringExpiredCleanupCreatesFreshSession(t *testing.T) {
	h := newHarness(10 * time.Millisecond)
	bs := &blockingSessions{fakeSessions: h.sessions, entered: make(chan string, 1), release: make(chan struct{})}
	h.bridge = New(bs, h.dialer, h.projects, Options{GracePeriod: 10 * time.Millisecond})

	out := newRecordOutbox()
	c := h.bridge.Connect(out)
	send(c, `{"type":"session:start"}`)
	id := out.next(t, TypeSessionReady)["sessionId"].(string)
	c.Close()

	select {
	case <-bs.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("cleanup destroy never started")
	}
	if _, live := h.sessions.GetSession(id); !live {
		t.Fatal("session gone before destroy finished")
	}

	out2 := newRecordOutbox()
	c2 := h.bridge.Connect(out2)
	send(c2, `{"type":"session:start","sessionId":"`+id+`"}`)
	ready := out2.next(t, TypeSessionReady)
	if ready["sessionId"] == id || ready["resumed"] == true {
		t.Errorf("resumed a session being destroyed: %v", ready)
	}

	close(bs.release)
	eventually(t, "destroy", func() bool {
		_, destroys, _ := h.sessions.snapshot()
		return destroys == 1
	})
	h.bridge.mu.Lock()
	holder, held := h.bridge.attached[id]
	_, destroying := h.bridge.destroying[id]
	h.bridge.mu.Unlock()
	if held || destroying {
		t.Errorf("stale state for %s: attached to %p, destroying %v", id, holder, destroying)
	}
	if c2.SessionID() == id {
		t.Errorf("connection attached to destroyed session %s", id)
	}
}

type stallingProjects struct {
	*project.MemoryStore
	mu      sync.Mutex
	appends int
}

func (s *stallingProjects) AppendMessage(ctx context.Context, _ project.Message) error {
	s.mu.Lock()
	s.appends++
	s.mu.Unlock()
	<-ctx.Done()
	return ctx.Err()
}

func (s *stallingProjects) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.appends
}

func TestStalledMessageStoreDoesNotBlockAgentStream(t *testing.T) {
	projects := &stallingProjects{MemoryStore: project.NewMemoryStore()}
	projects.Put(project.Project{ID: "p1"})
	sessions, dialer := newFakeSessions(), &fakeDialer{}
	b := New(sessions, dialer, projects, Options{GracePeriod: time.Minute, PersistTimeout: 20 * time.Millisecond})

	out := newRecordOutbox()
	c := b.Connect(out)
	send(c, `{"type":"session:start","projectId":"p1"}`)
	out.next(t, TypeSessionReady)

	a := dialer.last()
	for i := 1; i <= 3; i++ {
		a.emit(t, fmt.Sprintf(`{"type":"agent_message","seq":%d}`, i))
	}
	a.emit(t, `{"type":"complete"}`)

	for i := 1; i <= 3; i++ {
		data := out.next(t, TypeAgentMessage)["data"].(map[string]any)
		if data["seq"] != float64(i) {
			t.Fatalf("message %d = %v", i, data)
		}
	}
	out.next(t, TypeAgentComplete)
	if n := projects.count(); n != 3 {
		t.Errorf("appends = %d, want 3", n)
	}
}
