// Copyright 2025 MPCGate
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

package audit

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"
)

// Emitter accepts audit events. Emit never returns an error: the sink
// owns its delivery guarantees and producers must not stall the request
// path on audit problems.
type Emitter interface {
	Emit(e Event)
}

// MultiEmitter fans each event out to every member. Deployments use it to
// mirror the file log into Postgres.
type MultiEmitter []Emitter

// Emit implements Emitter.
func (m MultiEmitter) Emit(e Event) {
	for _, s := range m {
		s.Emit(e)
	}
}

const (
	// DefaultQueueSize bounds the number of events waiting for the writer.
	DefaultQueueSize = 10000

	// DefaultEmitBudget is how long Emit blocks on a full queue before
	// dropping the event.
	DefaultEmitBudget = 50 * time.Millisecond
)

// SinkConfig tunes a FileSink. Zero values take the defaults above.
type SinkConfig struct {
	QueueSize  int
	EmitBudget time.Duration

	// OnDrop runs once per dropped event, outside any lock. The gateway
	// uses it to feed the drop metric.
	OnDrop func()
}

// FileSink appends events to a log, one canonical JSON line per event. A
// single goroutine performs every write, so lines never interleave and
// ordering matches emit order. Producers enqueue through a bounded channel;
// when the queue stays full past the emit budget the event is dropped and
// counted. Ordering and line integrity are prioritized over best-effort
// delivery.
type FileSink struct {
	queue  chan Event
	done   chan struct{}
	out    *bufio.Writer
	closer io.Closer

	budget  time.Duration
	onDrop  func()
	dropped uint64

	mu     sync.RWMutex
	closed bool

	// lastTS is touched only by the writer goroutine.
	lastTS time.Time
}

// NewFileSink opens (or creates) the log file at path in append mode and
// starts the writer.
func NewFileSink(path string, cfg SinkConfig) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log: %w", err)
	}
	s := newSink(f, cfg)
	s.closer = f
	return s, nil
}

// NewWriterSink starts a sink over an arbitrary writer. The caller keeps
// ownership of the writer; Close only stops the sink.
func NewWriterSink(w io.Writer, cfg SinkConfig) *FileSink {
	return newSink(w, cfg)
}

func newSink(w io.Writer, cfg SinkConfig) *FileSink {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = DefaultQueueSize
	}
	if cfg.EmitBudget <= 0 {
		cfg.EmitBudget = DefaultEmitBudget
	}
	s := &FileSink{
		queue:  make(chan Event, cfg.QueueSize),
		done:   make(chan struct{}),
		out:    bufio.NewWriter(w),
		budget: cfg.EmitBudget,
		onDrop: cfg.OnDrop,
	}
	go s.writeLoop()
	return s
}

// Emit enqueues the event for the writer. On a full queue it blocks up to
// the emit budget, then drops the event and increments the drop counter.
// Emitting to a closed sink drops silently.
func (s *FileSink) Emit(e Event) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		s.drop()
		return
	}

	select {
	case s.queue <- e:
		return
	default:
	}

	timer := time.NewTimer(s.budget)
	defer timer.Stop()
	select {
	case s.queue <- e:
	case <-timer.C:
		s.drop()
	}
}

func (s *FileSink) drop() {
	atomic.AddUint64(&s.dropped, 1)
	if s.onDrop != nil {
		s.onDrop()
	}
}

// Dropped returns how many events were discarded on backpressure.
func (s *FileSink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close stops accepting events, drains the queue, flushes, and closes the
// underlying file when the sink opened it.
func (s *FileSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.mu.Unlock()

	<-s.done
	if s.closer != nil {
		return s.closer.Close()
	}
	return nil
}

func (s *FileSink) writeLoop() {
	defer close(s.done)
	for e := range s.queue {
		s.write(e)
	}
	s.out.Flush()
}

// write serializes one event as a single line. Timestamps are clamped
// non-decreasing within the sink so the log can be binary-searched by time.
func (s *FileSink) write(e Event) {
	if e.Timestamp.Before(s.lastTS) {
		e.Timestamp = s.lastTS
	} else {
		s.lastTS = e.Timestamp
	}

	line, err := json.Marshal(e)
	if err != nil {
		// An event that cannot marshal is unrecoverable; count it as a
		// drop rather than corrupting the log.
		s.drop()
		return
	}
	s.out.Write(line)
	s.out.WriteByte('\n')
	s.out.Flush()
}
