package events

import (
	"testing"
)

func TestBoundaryStartEndPairing(t *testing.T) {
	stream := NewStream()
	rec := NewRecorder(stream)

	session := stream.Begin(BoundarySession, "session", nil, nil)
	exec := stream.Begin(BoundaryExecution, "execution", session, map[string]any{"strategy": "direct"})
	exec.Point("execution.llm-call", nil)
	exec.End(nil)
	session.End(nil)

	evs := rec.Events()
	if len(evs) != 5 {
		t.Fatalf("recorded %d events, want 5", len(evs))
	}

	if evs[0].EventRole != RoleBoundaryStart || evs[0].BoundaryType != BoundarySession {
		t.Errorf("first event = %+v", evs[0])
	}
	if evs[1].ParentBoundaryID != evs[0].BoundaryID {
		t.Error("execution boundary not parented to session")
	}
	if evs[2].EventRole != RolePoint || evs[2].BoundaryID != evs[1].BoundaryID {
		t.Errorf("point event misattributed: %+v", evs[2])
	}
	if evs[3].EventRole != RoleBoundaryEnd || evs[3].BoundaryID != evs[1].BoundaryID {
		t.Errorf("execution end mismatch: %+v", evs[3])
	}
}

func TestBoundaryEndIsIdempotent(t *testing.T) {
	stream := NewStream()
	rec := NewRecorder(stream)

	b := stream.Begin(BoundaryCycle, "cycle", nil, nil)
	b.End(nil)
	b.End(nil)
	b.End(map[string]any{"ignored": true})

	ends := 0
	for _, ev := range rec.Events() {
		if ev.EventRole == RoleBoundaryEnd {
			ends++
		}
	}
	if ends != 1 {
		t.Errorf("boundary ended %d times, want 1", ends)
	}
}

func TestNilBoundaryAndStreamAreSilent(t *testing.T) {
	var b *Boundary
	b.Point("nothing", nil)
	b.End(nil)
	if b.ID() != "" {
		t.Error("nil boundary should have empty id")
	}

	var s *Stream
	s.Point("nothing", "", nil)
	s.Subscribe(func(Event) {})
}

func TestRecorderByType(t *testing.T) {
	stream := NewStream()
	rec := NewRecorder(stream)

	p := stream.Begin(BoundaryPipeline, "pipeline", nil, nil)
	stream.Begin(BoundaryLLMExchange, "llm", p, nil).End(nil)
	p.End(nil)

	llm := rec.ByType(BoundaryLLMExchange)
	if len(llm) != 2 {
		t.Errorf("ByType(llm_exchange) = %d events, want 2", len(llm))
	}
}
