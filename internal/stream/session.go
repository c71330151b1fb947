package stream

import (
	"sync"
	"time"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
)

// Session is one attached stream connection. The registry enqueues frames;
// the connection handler goroutine drains Frames and writes them out. All
// tid bookkeeping happens at enqueue time under the session mutex, so
// receiving the same broadcast twice, or a replay overlapping live delivery,
// collapses into a single delivery per tid.
type Session struct {
	id          string
	ip          string
	filter      liquidation.Filter
	connectedAt time.Time

	frames    chan Frame
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	lastEventID int64
	closed      bool
}

func newSession(id, ip string, filter liquidation.Filter, resumeFrom int64, queueSize int) *Session {
	return &Session{
		id:          id,
		ip:          ip,
		filter:      filter,
		connectedAt: time.Now(),
		frames:      make(chan Frame, queueSize),
		done:        make(chan struct{}),
		lastEventID: resumeFrom,
	}
}

func (s *Session) ID() string                 { return s.id }
func (s *Session) IP() string                 { return s.ip }
func (s *Session) Filter() liquidation.Filter { return s.filter }
func (s *Session) ConnectedAt() time.Time     { return s.connectedAt }

// Frames is drained by the connection handler until Done is closed.
func (s *Session) Frames() <-chan Frame { return s.frames }

// Done is closed when the registry detaches the session.
func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) LastEventID() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEventID
}

// enqueueLiquidation queues one event frame. sent reports whether the frame
// was queued; ok is false only when the queue is full, which marks the
// consumer too slow to keep. Frames at or below the session's high-water tid
// are suppressed silently.
func (s *Session) enqueueLiquidation(f Frame) (sent, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, true
	}
	if f.ID <= s.lastEventID {
		return false, true
	}
	select {
	case s.frames <- f:
		s.lastEventID = f.ID
		return true, true
	default:
		return false, false
	}
}

// enqueueControl queues a control frame, reporting false when the queue is
// full.
func (s *Session) enqueueControl(f Frame) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return true
	}
	select {
	case s.frames <- f:
		return true
	default:
		return false
	}
}

func (s *Session) close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		s.mu.Unlock()
		close(s.done)
	})
}
