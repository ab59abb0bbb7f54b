package internal

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Message types for the duplex progress channel (spec.md §4.10).
const (
	MsgHello     = "hello"
	MsgProgress  = "progress"
	MsgItemDone  = "itemDone"
	MsgSnapshot  = "snapshot"
	MsgCompleted = "completed"
	MsgFailed    = "failed"
	MsgCancelled = "cancelled"
	MsgPing      = "ping"
)

const (
	streamRetention        = 256
	progressCoalesceWindow = 250 * time.Millisecond
	streamPingInterval     = 30 * time.Second
	streamPongTimeout      = 60 * time.Second
)

// StreamMessage is the typed JSON envelope every message on the wire
// carries.
type StreamMessage struct {
	Type    string `json:"type"`
	JobID   string `json:"jobId"`
	Seq     uint64 `json:"seq"`
	Payload any    `json:"payload,omitempty"`
}

// resumeRequest is the only client→server message this channel accepts,
// besides pong control frames gorilla handles transparently.
type resumeRequest struct {
	Type    string `json:"type"`
	LastSeq uint64 `json:"lastSeq"`
}

// streamBacklog holds the seq counter and retention ring for one jobId,
// owned by the JobActor rather than any single connection, so a client
// that disconnects and reattaches with a fresh ProgressStream still sees
// a monotonic seq and a replayable backlog spanning the disconnect, per
// spec.md §4.10's reconnect guarantee.
type streamBacklog struct {
	mu   sync.Mutex
	seq  uint64
	ring []StreamMessage
}

func newStreamBacklog() *streamBacklog {
	return &streamBacklog{}
}

// next assigns the message the next seq in line, appends it to the
// retention ring (trimmed to streamRetention), and returns it.
func (b *streamBacklog) next(jobID, msgType string, payload any) StreamMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.seq++
	msg := StreamMessage{Type: msgType, JobID: jobID, Seq: b.seq, Payload: payload}
	b.ring = append(b.ring, msg)
	if len(b.ring) > streamRetention {
		b.ring = b.ring[len(b.ring)-streamRetention:]
	}
	return msg
}

// since returns every retained message with seq > lastSeq, in order.
func (b *streamBacklog) since(lastSeq uint64) []StreamMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]StreamMessage, 0, len(b.ring))
	for _, m := range b.ring {
		if m.Seq > lastSeq {
			out = append(out, m)
		}
	}
	return out
}

// ProgressStream is the server side of C10's duplex channel: a single
// attached client per jobId, strictly ordered by seq, with a retention
// buffer for reconnect replay and burst-coalescing of progress messages.
// Adapted from evalgo-org-eve's Coordinator (reader/sender/ping goroutine
// split, reconnect-aware message envelope) from a WS *client* coordinator
// into a WS *server* stream owned by the job actor.
type ProgressStream struct {
	jobID   string
	conn    *websocket.Conn
	metrics *streamMetrics
	backlog *streamBacklog

	send      chan StreamMessage
	closed    chan struct{}
	closeOnce sync.Once

	lastPong atomic.Int64 // unix nanos

	coalesce *progressCoalescer
}

var _ ProgressSink = (*ProgressStream)(nil)

// NewProgressStream wraps an already-upgraded websocket connection and
// starts its reader/sender/ping goroutines. backlog is the job's shared
// seq/retention state (JobActor.Backlog()), which outlives this
// connection across reconnects.
func NewProgressStream(jobID string, conn *websocket.Conn, backlog *streamBacklog, metrics *streamMetrics) *ProgressStream {
	s := &ProgressStream{
		jobID:   jobID,
		conn:    conn,
		metrics: metrics,
		backlog: backlog,
		send:    make(chan StreamMessage, 256),
		closed:  make(chan struct{}),
	}
	s.lastPong.Store(time.Now().UnixNano())
	s.coalesce = newProgressCoalescer(progressCoalesceWindow, func(state JobState) {
		s.emit(MsgProgress, state)
	})

	conn.SetPongHandler(func(string) error {
		s.lastPong.Store(time.Now().UnixNano())
		return nil
	})

	go s.senderLoop()
	go s.readLoop()
	go s.pingLoop()

	return s
}

func (s *ProgressStream) Snapshot(state JobState) { s.emit(MsgSnapshot, state) }

// Progress is coalesced: at most one message per 250ms per stream.
func (s *ProgressStream) Progress(state JobState) { s.coalesce.submit(state) }

// ItemDone is never coalesced.
func (s *ProgressStream) ItemDone(item ItemResult) { s.emit(MsgItemDone, item) }

func (s *ProgressStream) Terminal(msgType string, state JobState) {
	s.emit(msgType, state)
	s.Close()
}

// Close shuts the stream down idempotently.
func (s *ProgressStream) Close() {
	s.closeOnce.Do(func() {
		close(s.closed)
		_ = s.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		_ = s.conn.Close()
	})
}

func (s *ProgressStream) emit(msgType string, payload any) {
	msg := s.backlog.next(s.jobID, msgType, payload)

	select {
	case s.send <- msg:
	case <-s.closed:
	}
	if s.metrics != nil {
		s.metrics.messageInc(msgType)
	}
}

// replay re-sends every retained message with seq > lastSeq, preserving
// total order: called from the read loop on an incoming resume request,
// so it always runs between the reader's sequential message handling. The
// backlog spans reconnects, so this replays history from before this
// particular connection existed too.
func (s *ProgressStream) replay(lastSeq uint64) {
	for _, m := range s.backlog.since(lastSeq) {
		select {
		case s.send <- m:
		case <-s.closed:
			return
		}
	}
}

func (s *ProgressStream) senderLoop() {
	for {
		select {
		case <-s.closed:
			return
		case msg := <-s.send:
			data, err := json.Marshal(msg)
			if err != nil {
				continue
			}
			if err := s.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				s.Close()
				return
			}
		}
	}
}

func (s *ProgressStream) readLoop() {
	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.Close()
			return
		}
		var req resumeRequest
		if err := json.Unmarshal(data, &req); err != nil {
			continue
		}
		if req.Type == "resume" {
			s.replay(req.LastSeq)
		}
	}
}

func (s *ProgressStream) pingLoop() {
	ticker := time.NewTicker(streamPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			if time.Since(time.Unix(0, s.lastPong.Load())) > streamPongTimeout {
				s.Close()
				return
			}
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				s.Close()
				return
			}
			if s.metrics != nil {
				s.metrics.messageInc(MsgPing)
			}
		}
	}
}

// progressCoalescer flushes at most once per window, keeping only the
// most recent submitted state, so a burst of onItemResult-triggered
// progress updates within one window collapses to a single message.
type progressCoalescer struct {
	mu      sync.Mutex
	pending *JobState
	timer   *time.Timer
	window  time.Duration
	flush   func(JobState)
}

func newProgressCoalescer(window time.Duration, flush func(JobState)) *progressCoalescer {
	return &progressCoalescer{window: window, flush: flush}
}

func (c *progressCoalescer) submit(state JobState) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pending = &state
	if c.timer == nil {
		c.timer = time.AfterFunc(c.window, c.fire)
	}
}

func (c *progressCoalescer) fire() {
	c.mu.Lock()
	pending := c.pending
	c.pending = nil
	c.timer = nil
	c.mu.Unlock()
	if pending != nil {
		c.flush(*pending)
	}
}
