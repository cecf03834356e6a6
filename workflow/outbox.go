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

package workflow

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// Sender delivers one outbound message to its transport.
type Sender interface {
	Send(ctx context.Context, msg OutboundMessage) error
}

// LogSender records deliveries instead of performing them. The default
// when no real transport is configured.
type LogSender struct {
	mu   sync.Mutex
	sent []OutboundMessage
}

func NewLogSender() *LogSender {
	return &LogSender{}
}

func (s *LogSender) Send(_ context.Context, msg OutboundMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sent = append(s.sent, msg)
	return nil
}

// Sent returns a copy of every delivered message.
func (s *LogSender) Sent() []OutboundMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]OutboundMessage, len(s.sent))
	copy(out, s.sent)
	return out
}

// QueuedOutbox decouples workflow completion from message delivery: a
// buffered channel feeds a single background worker, so delivery retries
// and latency never block the workflow path.
type QueuedOutbox struct {
	sender Sender
	queue  chan OutboundMessage

	wg       sync.WaitGroup
	shutdown chan struct{}
	once     sync.Once
}

// NewQueuedOutbox starts the delivery worker.
func NewQueuedOutbox(sender Sender, buffer int) *QueuedOutbox {
	if buffer <= 0 {
		buffer = 1000
	}
	o := &QueuedOutbox{
		sender:   sender,
		queue:    make(chan OutboundMessage, buffer),
		shutdown: make(chan struct{}),
	}
	o.wg.Add(1)
	go o.deliver()
	return o
}

// Enqueue accepts one message for asynchronous delivery. A full queue is
// an error rather than a silent drop.
func (o *QueuedOutbox) Enqueue(_ context.Context, msg OutboundMessage) error {
	select {
	case o.queue <- msg:
		return nil
	default:
		return fmt.Errorf("outbox queue full")
	}
}

// Close drains the queue and stops the worker.
func (o *QueuedOutbox) Close() {
	o.once.Do(func() {
		close(o.shutdown)
	})
	o.wg.Wait()
}

func (o *QueuedOutbox) deliver() {
	defer o.wg.Done()

	for {
		select {
		case msg := <-o.queue:
			o.send(msg)
		case <-o.shutdown:
			for {
				select {
				case msg := <-o.queue:
					o.send(msg)
				default:
					return
				}
			}
		}
	}
}

func (o *QueuedOutbox) send(msg OutboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = o.sender.Send(ctx, msg)
}

var _ Outbox = (*QueuedOutbox)(nil)
