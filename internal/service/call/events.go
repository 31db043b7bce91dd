package call

import (
	"time"

	"peercall-backend/internal/domain"
	"peercall-backend/internal/negotiation"
)

// EventType names the events the coordinator surfaces to UI layers
type EventType string

const (
	EventIncomingCall EventType = "incoming_call"
	EventCallStatus   EventType = "call_status"
	EventLocalStream  EventType = "local_stream"
	EventRemoteStream EventType = "remote_stream"
)

// Event is one coordinator notification. Call is set for record events,
// StreamID and Degraded for media events. A stream event with an empty
// StreamID means the stream was torn down.
type Event struct {
	Type      EventType    `json:"type"`
	CallID    string       `json:"call_id"`
	Call      *domain.Call `json:"call,omitempty"`
	StreamID  string       `json:"stream_id,omitempty"`
	Degraded  bool         `json:"degraded,omitempty"`
	Timestamp time.Time    `json:"timestamp"`
}

// EventSink receives coordinator events. Publish must not block.
type EventSink interface {
	Publish(event *Event)
}

// Subscribe registers a sink for coordinator events
func (s *Service) Subscribe(sink EventSink) {
	s.sinkMu.Lock()
	defer s.sinkMu.Unlock()
	s.sinks = append(s.sinks, sink)
}

func (s *Service) emit(event *Event) {
	s.sinkMu.RLock()
	defer s.sinkMu.RUnlock()
	for _, sink := range s.sinks {
		sink.Publish(event)
	}
}

// OnLocalStream forwards local media availability from the negotiation
// session. A nil event means the session released its media.
func (s *Service) OnLocalStream(ev *negotiation.StreamEvent) {
	s.emit(streamEvent(EventLocalStream, ev))
}

// OnRemoteStream forwards remote media arrival. A nil event means the peer's
// stream is gone.
func (s *Service) OnRemoteStream(ev *negotiation.StreamEvent) {
	s.emit(streamEvent(EventRemoteStream, ev))
}

func streamEvent(t EventType, ev *negotiation.StreamEvent) *Event {
	out := &Event{Type: t, Timestamp: time.Now()}
	if ev != nil {
		out.CallID = ev.CallID
		out.StreamID = ev.StreamID
		out.Degraded = ev.Degraded
	}
	return out
}
