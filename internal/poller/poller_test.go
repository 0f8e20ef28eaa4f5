package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kalambet/debugpartner/internal/storage"
)

type mockSource struct {
	sessions []storage.ReasoningSession
	err      error
}

func (m *mockSource) ListDueSessions(now time.Time) ([]storage.ReasoningSession, error) {
	return m.sessions, m.err
}

type call struct {
	problemID  string
	layerOrder int
}

type mockProcessor struct {
	mu    sync.Mutex
	calls []call
	errOn map[string]error
}

func (m *mockProcessor) Process(ctx context.Context, problemID string, layerOrder int) error {
	m.mu.Lock()
	m.calls = append(m.calls, call{problemID, layerOrder})
	m.mu.Unlock()
	if m.errOn != nil {
		return m.errOn[problemID]
	}
	return nil
}

func (m *mockProcessor) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

func due(problemID string, order int) storage.ReasoningSession {
	return storage.ReasoningSession{
		ID:         problemID + "-s",
		ProblemID:  problemID,
		LayerOrder: order,
		Status:     storage.SessionPending,
	}
}

func TestRunOnce_ProcessesAllDue(t *testing.T) {
	source := &mockSource{sessions: []storage.ReasoningSession{
		due("p1", 0), due("p2", 1), due("p3", 4),
	}}
	proc := &mockProcessor{}
	p := NewPoller(source, proc, 2, nil)

	n, err := p.RunOnce(context.Background(), time.Now())
	if err != nil {
		t.Fatalf("RunOnce: %v", err)
	}
	if n != 3 {
		t.Errorf("attempted = %d, want 3", n)
	}
	if proc.count() != 3 {
		t.Errorf("processed = %d, want 3", proc.count())
	}

	seen := map[call]bool{}
	proc.mu.Lock()
	for _, c := range proc.calls {
		seen[c] = true
	}
	proc.mu.Unlock()
	for _, want := range []call{{"p1", 0}, {"p2", 1}, {"p3", 4}} {
		if !seen[want] {
			t.Errorf("missing call %+v", want)
		}
	}
}

func TestRunOnce_NothingDue(t *testing.T) {
	p := NewPoller(&mockSource{}, &mockProcessor{}, 0, nil)
	n, err := p.RunOnce(context.Background(), time.Now())
	if err != nil || n != 0 {
		t.Errorf("RunOnce = (%d, %v), want (0, nil)", n, err)
	}
}

func TestRunOnce_FailureDoesNotStopBatch(t *testing.T) {
	source := &mockSource{sessions: []storage.ReasoningSession{
		due("p1", 0), due("p2", 0), due("p3", 0),
	}}
	proc := &mockProcessor{errOn: map[string]error{"p2": errors.New("llm down")}}
	p := NewPoller(source, proc, 1, nil)

	n, err := p.RunOnce(context.Background(), time.Now())
	if err == nil {
		t.Fatal("expected batch error")
	}
	if n != 3 {
		t.Errorf("attempted = %d, want 3", n)
	}
	if proc.count() != 3 {
		t.Errorf("processed = %d, want all 3 despite failure", proc.count())
	}
}

func TestRunOnce_ListErrorPropagates(t *testing.T) {
	p := NewPoller(&mockSource{err: errors.New("db locked")}, &mockProcessor{}, 0, nil)
	if _, err := p.RunOnce(context.Background(), time.Now()); err == nil {
		t.Fatal("expected error")
	}
}

func TestRun_StopsOnCancel(t *testing.T) {
	source := &mockSource{sessions: []storage.ReasoningSession{due("p1", 0)}}
	proc := &mockProcessor{}
	p := NewPoller(source, proc, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		p.Run(ctx, 5*time.Millisecond)
		close(done)
	}()

	deadline := time.After(2 * time.Second)
	for proc.count() == 0 {
		select {
		case <-deadline:
			t.Fatal("poller never processed a session")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
