package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"autopilot/pkg/engine"
	"autopilot/pkg/persistence"
)

// stubPlanner plans its tasks once and reports the goal complete after doneAfter actions.
// When gate is set, analyze handlers block on it.
type stubPlanner struct {
	mu        sync.Mutex
	tasks     []engine.Task
	doneAfter int
	gate      chan struct{}
	entered   chan struct{}
}

func (p *stubPlanner) CreatePlan(_ context.Context, req engine.PlanRequest) (*engine.Plan, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return &engine.Plan{Goal: req.Goal, Tasks: append([]engine.Task(nil), p.tasks...)}, nil
}

func (p *stubPlanner) AssessCompletion(_ context.Context, _, _ string, completed []string) (*engine.Assessment, error) {
	return &engine.Assessment{GoalComplete: len(completed) >= p.doneAfter}, nil
}

func (p *stubPlanner) run(kind engine.ActionKind) (map[string]any, error) {
	if kind == engine.KindAnalyze && p.gate != nil {
		select {
		case p.entered <- struct{}{}:
		default:
		}
		<-p.gate
	}
	return map[string]any{"kind": string(kind)}, nil
}

func (p *stubPlanner) AnalyzeCodebase(context.Context, engine.TaskRequest) (map[string]any, error) {
	return p.run(engine.KindAnalyze)
}

func (p *stubPlanner) GenerateCode(context.Context, engine.TaskRequest) (map[string]any, error) {
	return p.run(engine.KindGenerateCode)
}

func (p *stubPlanner) SuggestRefactoring(context.Context, engine.TaskRequest) (map[string]any, error) {
	return p.run(engine.KindRefactor)
}

func (p *stubPlanner) RunTests(context.Context, engine.TaskRequest) (map[string]any, error) {
	return p.run(engine.KindTest)
}

func (p *stubPlanner) AnalyzeError(context.Context, engine.TaskRequest) (map[string]any, error) {
	return p.run(engine.KindDebug)
}

func (p *stubPlanner) GenerateDocumentation(context.Context, engine.TaskRequest) (map[string]any, error) {
	return p.run(engine.KindDocument)
}

func (p *stubPlanner) ReviewCode(context.Context, engine.TaskRequest) (map[string]any, error) {
	return p.run(engine.KindReview)
}

type stubLookup struct {
	records []*persistence.ExecutionSession
}

func (s *stubLookup) Get(_ context.Context, id string) (*persistence.ExecutionSession, error) {
	for _, r := range s.records {
		if r.SessionID == id {
			return r, nil
		}
	}
	return nil, persistence.ErrSessionNotFound
}

func (s *stubLookup) ListByUser(_ context.Context, userID string, _ ...string) ([]*persistence.ExecutionSession, error) {
	var out []*persistence.ExecutionSession
	for _, r := range s.records {
		if r.UserID == userID {
			out = append(out, r)
		}
	}
	return out, nil
}

func testEngineConfig() engine.Config {
	cfg := engine.DefaultConfig()
	cfg.LoopDelay = time.Millisecond
	cfg.PausePoll = 2 * time.Millisecond
	cfg.InputTimeout = 2 * time.Second
	return cfg
}

func newTestRegistry(t *testing.T, planner engine.Planner, deps Deps) *Registry {
	t.Helper()
	deps.Planner = planner
	r, err := New(Config{Engine: testEngineConfig(), DefaultAutonomy: FullyAutonomous}, deps)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Shutdown(ctx)
	})
	return r
}

func waitForState(t *testing.T, r *Registry, sessionID string, want engine.State) {
	t.Helper()
	require.Eventually(t, func() bool {
		st, err := r.GetStatus(sessionID)
		return err == nil && st.State == want
	}, 2*time.Second, 2*time.Millisecond)
}

func collect(ch <-chan *Message, until func(*Message) bool) []*Message {
	var out []*Message
	timeout := time.After(2 * time.Second)
	for {
		select {
		case m, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, m)
			if until(m) {
				return out
			}
		case <-timeout:
			return out
		}
	}
}

func TestAutonomyProfiles(t *testing.T) {
	base := testEngineConfig()
	base.ConfirmationKinds = []engine.ActionKind{engine.KindDeploy}

	tests := []struct {
		level      Autonomy
		iterations int
		interval   int
		confirm    []engine.ActionKind
	}{
		{Supervised, 10, 3, []engine.ActionKind{engine.KindDeploy}},
		{SemiAutonomous, 50, 10, []engine.ActionKind{engine.KindGenerateCode, engine.KindRefactor}},
		{FullyAutonomous, 100, 20, []engine.ActionKind{}},
	}
	for _, tt := range tests {
		t.Run(string(tt.level), func(t *testing.T) {
			cfg := tt.level.Apply(base)
			assert.Equal(t, tt.iterations, cfg.MaxIterations)
			assert.Equal(t, tt.interval, cfg.CheckpointInterval)
			assert.Equal(t, tt.confirm, cfg.ConfirmationKinds)
		})
	}
}

func TestParseAutonomy(t *testing.T) {
	a, err := ParseAutonomy("", SemiAutonomous)
	require.NoError(t, err)
	assert.Equal(t, SemiAutonomous, a)

	a, err = ParseAutonomy("fully_autonomous", Supervised)
	require.NoError(t, err)
	assert.Equal(t, FullyAutonomous, a)

	_, err = ParseAutonomy("reckless", Supervised)
	assert.Error(t, err)
}

func TestNewRequiresPlanner(t *testing.T) {
	_, err := New(Config{}, Deps{})
	assert.ErrorIs(t, err, engine.ErrNoPlanner)
}

func TestStartSessionRunsAndForwardsEvents(t *testing.T) {
	notifier := NewLocalNotifier()
	msgs, cancel := notifier.Subscribe("chat-1")
	defer cancel()

	store, err := persistence.Open(persistence.MemoryPath)
	require.NoError(t, err)
	defer store.Close()
	worker := persistence.NewWorker(store, 0)
	worker.Start(context.Background())
	defer worker.Close()

	planner := &stubPlanner{tasks: []engine.Task{{ID: "t1", Type: "analyze", Description: "look around"}}, doneAfter: 1}
	r := newTestRegistry(t, planner, Deps{Notifier: notifier, Worker: worker, Sessions: store.Sessions})

	ec, err := r.StartSession(context.Background(), StartRequest{
		SessionID: "s1", ProjectID: "p1", UserID: "u1", Goal: "explore", Channel: "chat-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "s1", ec.SessionID)

	received := collect(msgs, func(m *Message) bool {
		ev, ok := m.Data.(engine.StatusEvent)
		return ok && ev.Event == engine.EventCompleted
	})
	var types []string
	for _, m := range received {
		types = append(types, m.Type)
		assert.Equal(t, "s1", m.SessionID)
		assert.Equal(t, "p1", m.ProjectID)
	}
	assert.Contains(t, types, MsgStatus)
	assert.Contains(t, types, MsgAction)

	st, err := r.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, engine.StateCompleted, st.State)
	assert.Equal(t, FullyAutonomous, st.Autonomy)
	assert.Equal(t, "chat-1", st.Channel)

	require.Eventually(t, func() bool {
		rec, err := store.Sessions.Get(context.Background(), "s1")
		return err == nil && rec.Status == persistence.SessionStatusCompleted
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStartSessionValidation(t *testing.T) {
	planner := &stubPlanner{tasks: []engine.Task{{ID: "t1", Type: "analyze"}}, doneAfter: 1}
	planner.gate = make(chan struct{})
	planner.entered = make(chan struct{}, 1)
	r := newTestRegistry(t, planner, Deps{})
	defer close(planner.gate)

	_, err := r.StartSession(context.Background(), StartRequest{ProjectID: "bad id", UserID: "u1", Goal: "g"})
	assert.ErrorIs(t, err, engine.ErrInvalidIdentifier)

	_, err = r.StartSession(context.Background(), StartRequest{ProjectID: "p1", UserID: "u1", Goal: "g", Autonomy: "reckless"})
	assert.Error(t, err)

	ec, err := r.StartSession(context.Background(), StartRequest{ProjectID: "p1", UserID: "u1", Goal: "g"})
	require.NoError(t, err)
	assert.NotEmpty(t, ec.SessionID, "session ids are generated")

	_, err = r.StartSession(context.Background(), StartRequest{SessionID: ec.SessionID, ProjectID: "p1", UserID: "u1", Goal: "g"})
	assert.ErrorIs(t, err, ErrSessionExists)
}

func TestUnknownSession(t *testing.T) {
	r := newTestRegistry(t, &stubPlanner{}, Deps{})
	assert.ErrorIs(t, r.PauseSession("nope", "x"), ErrSessionNotFound)
	assert.ErrorIs(t, r.ResumeSession("nope"), ErrSessionNotFound)
	assert.ErrorIs(t, r.StopSession("nope", "x"), ErrSessionNotFound)
	assert.ErrorIs(t, r.ProvideUserInput("nope", nil), ErrSessionNotFound)
	_, err := r.GetStatus("nope")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestConfirmationThroughRegistry(t *testing.T) {
	notifier := NewLocalNotifier()
	msgs, cancel := notifier.Subscribe("ws")
	defer cancel()

	planner := &stubPlanner{tasks: []engine.Task{{ID: "t1", Type: "generate_code", Description: "write handler"}}, doneAfter: 1}
	r := newTestRegistry(t, planner, Deps{Notifier: notifier})

	_, err := r.StartSession(context.Background(), StartRequest{
		SessionID: "s1", ProjectID: "p1", UserID: "u1", Goal: "g", Channel: "ws", Autonomy: SemiAutonomous,
	})
	require.NoError(t, err)

	received := collect(msgs, func(m *Message) bool { return m.Type == MsgInputNeeded })
	require.NotEmpty(t, received)
	req, ok := received[len(received)-1].Data.(engine.InputRequest)
	require.True(t, ok)
	assert.Equal(t, engine.InputConfirmation, req.Type)

	st, err := r.GetStatus("s1")
	require.NoError(t, err)
	require.NotNil(t, st.WaitingFor)

	require.NoError(t, r.ProvideUserInput("s1", map[string]any{"approved": true}))
	waitForState(t, r, "s1", engine.StateCompleted)
	st, err = r.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, 1, st.CompletedActions)
}

func TestPauseResumeStop(t *testing.T) {
	planner := &stubPlanner{tasks: []engine.Task{{ID: "t1", Type: "analyze"}, {ID: "t2", Type: "review"}}, doneAfter: 2}
	planner.gate = make(chan struct{})
	planner.entered = make(chan struct{}, 1)
	r := newTestRegistry(t, planner, Deps{})

	_, err := r.StartSession(context.Background(), StartRequest{SessionID: "s1", ProjectID: "p1", UserID: "u1", Goal: "g"})
	require.NoError(t, err)
	<-planner.entered

	require.NoError(t, r.PauseSession("s1", "coffee"))
	close(planner.gate)
	waitForState(t, r, "s1", engine.StatePaused)
	assert.ErrorIs(t, r.PauseSession("s1", "again"), engine.ErrInvalidTransition)

	require.NoError(t, r.StopSession("s1", "done for today"))
	waitForState(t, r, "s1", engine.StateStopped)
	assert.Error(t, r.StopSession("s1", "again"))
	require.NoError(t, r.Remove("s1"))
	_, err = r.GetStatus("s1")
	assert.ErrorIs(t, err, ErrSessionNotFound)
}

func TestListSessionsMergesLiveAndRecorded(t *testing.T) {
	lookup := &stubLookup{records: []*persistence.ExecutionSession{
		{SessionID: "old", UserID: "u1", Status: persistence.SessionStatusPaused, LastActivityAt: time.Now().Add(-time.Hour)},
		{SessionID: "s1", UserID: "u1", Status: persistence.SessionStatusActive, LastActivityAt: time.Now().Add(-2 * time.Hour)},
		{SessionID: "other", UserID: "u2", Status: persistence.SessionStatusPaused},
	}}
	planner := &stubPlanner{tasks: []engine.Task{{ID: "t1", Type: "analyze"}}, doneAfter: 1}
	r := newTestRegistry(t, planner, Deps{Sessions: lookup})

	_, err := r.StartSession(context.Background(), StartRequest{SessionID: "s1", ProjectID: "p1", UserID: "u1", Goal: "g"})
	require.NoError(t, err)
	waitForState(t, r, "s1", engine.StateCompleted)

	list, err := r.ListSessions(context.Background(), "u1")
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "s1", list[0].SessionID)
	assert.True(t, list[0].Live)
	assert.Equal(t, persistence.SessionStatusCompleted, list[0].Status)
	assert.Equal(t, "old", list[1].SessionID)
	assert.False(t, list[1].Live)
}

func TestRestoreSessionFromCheckpoint(t *testing.T) {
	checkpoints := engine.NewMemoryCheckpointStore()
	require.NoError(t, checkpoints.SaveCheckpoint(context.Background(), &engine.Checkpoint{
		ID:        "cp1",
		SessionID: "s9",
		Iteration: 2,
		State:     engine.StateExecuting,
		Goal:      "finish login",
		Snapshot:  engine.Snapshot{ProjectID: "p1", UserID: "u1"},
		CreatedAt: time.Now(),
	}))
	lookup := &stubLookup{records: []*persistence.ExecutionSession{
		{SessionID: "s9", UserID: "u1", Autonomy: string(SemiAutonomous), Channel: "ws-9"},
	}}
	planner := &stubPlanner{tasks: []engine.Task{{ID: "t1", Type: "analyze"}}, doneAfter: 1}
	r := newTestRegistry(t, planner, Deps{Checkpoints: checkpoints, Sessions: lookup})

	st, err := r.RestoreSession(context.Background(), RestoreRequest{SessionID: "s9"})
	require.NoError(t, err)
	assert.Equal(t, engine.StatePaused, st.State)
	assert.Equal(t, 2, st.Iteration)
	assert.Equal(t, "finish login", st.Goal)
	assert.Equal(t, SemiAutonomous, st.Autonomy)
	assert.Equal(t, "ws-9", st.Channel)

	_, err = r.RestoreSession(context.Background(), RestoreRequest{SessionID: "s9"})
	assert.ErrorIs(t, err, ErrSessionExists)

	require.NoError(t, r.ResumeSession("s9"))
	waitForState(t, r, "s9", engine.StateCompleted)

	_, err = r.RestoreSession(context.Background(), RestoreRequest{SessionID: "missing"})
	assert.ErrorIs(t, err, engine.ErrCheckpointNotFound)
}

func TestBroadcast(t *testing.T) {
	notifier := NewLocalNotifier()
	a, cancelA := notifier.Subscribe("a")
	defer cancelA()
	planner := &stubPlanner{tasks: []engine.Task{{ID: "t1", Type: "analyze"}}, doneAfter: 1}
	r := newTestRegistry(t, planner, Deps{Notifier: notifier})

	for _, req := range []StartRequest{
		{SessionID: "s1", ProjectID: "p1", UserID: "u1", Goal: "g", Channel: "a"},
		{SessionID: "s2", ProjectID: "p1", UserID: "u2", Goal: "g", Channel: "b"},
		{SessionID: "s3", ProjectID: "p2", UserID: "u1", Goal: "g", Channel: "a"},
	} {
		_, err := r.StartSession(context.Background(), req)
		require.NoError(t, err)
	}

	n, err := r.BroadcastToProject(context.Background(), "p1", MsgBroadcast, "deploy frozen")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	n, err = r.BroadcastToUser(context.Background(), "u1", MsgBroadcast, "hello")
	require.NoError(t, err)
	assert.Equal(t, 1, n, "both of u1's sessions share channel a")

	got := collect(a, func(m *Message) bool { return m.Type == MsgBroadcast && m.UserID == "u1" })
	last := got[len(got)-1]
	assert.Equal(t, "hello", last.Data)
}

func TestShutdownPausesRunningSessions(t *testing.T) {
	planner := &stubPlanner{tasks: []engine.Task{{ID: "t1", Type: "analyze"}}, doneAfter: 1}
	planner.gate = make(chan struct{})
	planner.entered = make(chan struct{}, 1)
	r := newTestRegistry(t, planner, Deps{})

	_, err := r.StartSession(context.Background(), StartRequest{SessionID: "s1", ProjectID: "p1", UserID: "u1", Goal: "g"})
	require.NoError(t, err)
	<-planner.entered

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go func() {
		time.Sleep(10 * time.Millisecond)
		close(planner.gate)
	}()
	require.NoError(t, r.Shutdown(ctx))

	st, err := r.GetStatus("s1")
	require.NoError(t, err)
	assert.Equal(t, engine.StatePaused, st.State)

	_, err = r.StartSession(context.Background(), StartRequest{SessionID: "s2", ProjectID: "p1", UserID: "u1", Goal: "g"})
	assert.ErrorIs(t, err, ErrShutdown)
}

func TestSessionStatusFor(t *testing.T) {
	assert.Equal(t, persistence.SessionStatusActive, SessionStatusFor(engine.StateExecuting))
	assert.Equal(t, persistence.SessionStatusPaused, SessionStatusFor(engine.StatePaused))
	assert.Equal(t, persistence.SessionStatusCompleted, SessionStatusFor(engine.StateCompleted))
	assert.Equal(t, persistence.SessionStatusFailed, SessionStatusFor(engine.StateFailed))
	assert.Equal(t, persistence.SessionStatusCancelled, SessionStatusFor(engine.StateStopped))
}

func TestLocalNotifierUnsubscribe(t *testing.T) {
	n := NewLocalNotifier()
	ch, cancel := n.Subscribe("x")
	require.NoError(t, n.Publish(context.Background(), "x", &Message{Type: MsgStatus}))
	cancel()
	cancel()

	m, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, MsgStatus, m.Type)
	_, ok = <-ch
	assert.False(t, ok)
	require.NoError(t, n.Publish(context.Background(), "x", &Message{Type: MsgStatus}))
}
