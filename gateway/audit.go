// Copyright 2025 AgentGate
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package gateway

import (
	"sync"
	"time"

	"agentgate/platform/shared/logger"
)

// EventType classifies an audit event.
type EventType string

const (
	EventCallStart  EventType = "CALL_START"
	EventCallEnd    EventType = "CALL_END"
	EventCallDenied EventType = "CALL_DENIED"
	EventCallFail   EventType = "CALL_FAIL"
)

// Event is one append-only audit record. For a given run id, events are
// emitted in execution order: a CALL_START always precedes the CALL_END,
// CALL_DENIED, or CALL_FAIL of the same attempt.
type Event struct {
	Type      EventType      `json:"type"`
	Timestamp time.Time      `json:"timestamp"`
	RunID     string         `json:"run_id"`
	AgentID   string         `json:"agent_id"`
	Purpose   string         `json:"purpose"`
	Route     string         `json:"route"`
	Provider  string         `json:"provider,omitempty"`
	Model     string         `json:"model,omitempty"`
	Detail    map[string]any `json:"detail,omitempty"`
}

// Sink receives audit events. Implementations must not block the gateway:
// treat Publish as fire-and-forget or enforce a short internal timeout.
type Sink interface {
	Publish(event Event)
}

// LogSink is the default sink: it writes each event through the structured
// logger.
type LogSink struct {
	log *logger.Logger
}

// NewLogSink creates a sink that logs audit events.
func NewLogSink() *LogSink {
	return &LogSink{log: logger.New("llm-audit")}
}

// Publish implements Sink.
func (s *LogSink) Publish(event Event) {
	fields := map[string]interface{}{
		"event":   string(event.Type),
		"purpose": event.Purpose,
		"route":   event.Route,
	}
	if event.Provider != "" {
		fields["provider"] = event.Provider
		fields["model"] = event.Model
	}
	for k, v := range event.Detail {
		fields[k] = v
	}
	s.log.Info(event.AgentID, event.RunID, "llm audit event", fields)
}

// MemorySink buffers events in memory. Used by tests and by the HTTP
// surface to expose a recent-events view.
type MemorySink struct {
	mu     sync.Mutex
	events []Event
}

// NewMemorySink creates an empty in-memory sink.
func NewMemorySink() *MemorySink {
	return &MemorySink{}
}

// Publish implements Sink.
func (s *MemorySink) Publish(event Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

// Events returns a copy of all captured events in publish order.
func (s *MemorySink) Events() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// EventsForRun returns the captured events for one run id, in order.
func (s *MemorySink) EventsForRun(runID string) []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Event
	for _, e := range s.events {
		if e.RunID == runID {
			out = append(out, e)
		}
	}
	return out
}

// MultiSink fans one event out to several sinks.
type MultiSink []Sink

// Publish implements Sink.
func (m MultiSink) Publish(event Event) {
	for _, s := range m {
		s.Publish(event)
	}
}

var (
	_ Sink = (*LogSink)(nil)
	_ Sink = (*MemorySink)(nil)
	_ Sink = (MultiSink)(nil)
)
