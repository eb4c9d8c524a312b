// Package events provides the structured event stream exposed to external
// consumers. Every pipeline stage emits events grouped into boundaries
// (start/end pairs); boundaries carry parent ids so consumers can rebuild the
// execution tree for one turn.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"cortex/internal/logging"
)

// =============================================================================
// EVENT MODEL
// =============================================================================

// Role distinguishes boundary delimiters from point events.
type Role string

const (
	RoleBoundaryStart Role = "boundary_start"
	RoleBoundaryEnd   Role = "boundary_end"
	RolePoint         Role = "point"
)

// BoundaryType names the structured region an event belongs to.
type BoundaryType string

const (
	BoundarySession     BoundaryType = "session"
	BoundaryPipeline    BoundaryType = "pipeline"
	BoundaryExecution   BoundaryType = "execution"
	BoundaryCycle       BoundaryType = "cycle"
	BoundaryStep        BoundaryType = "step"
	BoundaryBranch      BoundaryType = "branch"
	BoundaryLLMExchange BoundaryType = "llm_exchange"
)

// Event is one entry in the stream.
type Event struct {
	Event            string         `json:"event"`
	EventRole        Role           `json:"eventRole"`
	BoundaryType     BoundaryType   `json:"boundaryType,omitempty"`
	BoundaryID       string         `json:"boundaryId,omitempty"`
	ParentBoundaryID string         `json:"parentBoundaryId,omitempty"`
	Data             map[string]any `json:"data,omitempty"`
	Time             time.Time      `json:"time"`
}

// =============================================================================
// STREAM
// =============================================================================

// Stream fans events out to subscribers. Emission never blocks pipeline
// progress; subscriber callbacks run synchronously and must be fast.
type Stream struct {
	mu   sync.RWMutex
	subs []func(Event)
}

// NewStream creates an empty event stream.
func NewStream() *Stream {
	return &Stream{}
}

// Subscribe registers a callback for every subsequent event.
func (s *Stream) Subscribe(fn func(Event)) {
	if s == nil || fn == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subs = append(s.subs, fn)
}

// emit timestamps and delivers an event. Nil streams are silent so callers
// never need to nil-check.
func (s *Stream) emit(ev Event) {
	if s == nil {
		return
	}
	ev.Time = time.Now()

	logging.Events("%s %s boundary=%s/%s", ev.EventRole, ev.Event, ev.BoundaryType, ev.BoundaryID)

	s.mu.RLock()
	subs := s.subs
	s.mu.RUnlock()
	for _, fn := range subs {
		fn(ev)
	}
}

// Point emits a standalone event attached to a parent boundary.
func (s *Stream) Point(event, parentID string, data map[string]any) {
	s.emit(Event{
		Event:            event,
		EventRole:        RolePoint,
		ParentBoundaryID: parentID,
		Data:             data,
	})
}

// =============================================================================
// BOUNDARIES
// =============================================================================

// Boundary is a live start/end region. Obtain one from Stream.Begin, emit
// point events against it, then End it exactly once.
type Boundary struct {
	stream *Stream
	typ    BoundaryType
	event  string
	id     string
	parent string
	once   sync.Once
}

// Begin opens a boundary and emits its start event. parent may be nil for
// the root (session) boundary.
func (s *Stream) Begin(typ BoundaryType, event string, parent *Boundary, data map[string]any) *Boundary {
	b := &Boundary{
		stream: s,
		typ:    typ,
		event:  event,
		id:     uuid.NewString(),
	}
	if parent != nil {
		b.parent = parent.id
	}
	s.emit(Event{
		Event:            event,
		EventRole:        RoleBoundaryStart,
		BoundaryType:     typ,
		BoundaryID:       b.id,
		ParentBoundaryID: b.parent,
		Data:             data,
	})
	return b
}

// ID returns the boundary's unique id.
func (b *Boundary) ID() string {
	if b == nil {
		return ""
	}
	return b.id
}

// Point emits a point event inside this boundary.
func (b *Boundary) Point(event string, data map[string]any) {
	if b == nil {
		return
	}
	b.stream.emit(Event{
		Event:            event,
		EventRole:        RolePoint,
		BoundaryType:     b.typ,
		BoundaryID:       b.id,
		ParentBoundaryID: b.parent,
		Data:             data,
	})
}

// End closes the boundary. Repeated calls are ignored.
func (b *Boundary) End(data map[string]any) {
	if b == nil {
		return
	}
	b.once.Do(func() {
		b.stream.emit(Event{
			Event:            b.event,
			EventRole:        RoleBoundaryEnd,
			BoundaryType:     b.typ,
			BoundaryID:       b.id,
			ParentBoundaryID: b.parent,
			Data:             data,
		})
	})
}

// =============================================================================
// RECORDER (test + CLI support)
// =============================================================================

// Recorder captures events for inspection.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

// NewRecorder creates a recorder and subscribes it to the stream.
func NewRecorder(s *Stream) *Recorder {
	r := &Recorder{}
	s.Subscribe(r.record)
	return r
}

func (r *Recorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// ByType returns recorded events with the given boundary type.
func (r *Recorder) ByType(typ BoundaryType) []Event {
	var out []Event
	for _, ev := range r.Events() {
		if ev.BoundaryType == typ {
			out = append(out, ev)
		}
	}
	return out
}
