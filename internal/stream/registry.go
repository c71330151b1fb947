package stream

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/monitoring"
)

// ErrAdmissionDenied is returned by Attach when a connection limit is hit or
// the registry is draining.
var ErrAdmissionDenied = errors.New("stream connection limit reached")

const defaultQueueSize = 1024

type Limits struct {
	MaxTotal  int
	MaxPerIP  int
	QueueSize int
}

// Registry is the process-local set of attached sessions. It is the only
// mutator of session state; broadcast, heartbeat, and replay all go through
// it. Session queues are drained by their connection handlers, so registry
// operations never block on a slow client.
type Registry struct {
	limits Limits
	logger zerolog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	byIP     map[string]int
	draining bool
}

func NewRegistry(limits Limits, logger zerolog.Logger) *Registry {
	if limits.QueueSize <= 0 {
		limits.QueueSize = defaultQueueSize
	}
	return &Registry{
		limits:   limits,
		logger:   logger.With().Str("component", "stream").Logger(),
		sessions: make(map[string]*Session),
		byIP:     make(map[string]int),
	}
}

// Attach admits a new session, or reports why it cannot. A resuming client
// passes its last seen tid as resumeFrom; deliveries at or below it are
// suppressed for the session's lifetime.
func (r *Registry) Attach(ip string, filter liquidation.Filter, resumeFrom int64) (*Session, error) {
	r.mu.Lock()
	if r.draining {
		r.mu.Unlock()
		monitoring.StreamRejectedTotal.WithLabelValues("shutdown").Inc()
		return nil, fmt.Errorf("%w: server shutting down", ErrAdmissionDenied)
	}
	if len(r.sessions) >= r.limits.MaxTotal {
		r.mu.Unlock()
		monitoring.StreamRejectedTotal.WithLabelValues("total").Inc()
		return nil, fmt.Errorf("%w: %d concurrent connections", ErrAdmissionDenied, r.limits.MaxTotal)
	}
	if r.byIP[ip] >= r.limits.MaxPerIP {
		r.mu.Unlock()
		monitoring.StreamRejectedTotal.WithLabelValues("per_ip").Inc()
		return nil, fmt.Errorf("%w: %d connections per address", ErrAdmissionDenied, r.limits.MaxPerIP)
	}

	s := newSession(uuid.NewString(), ip, filter, resumeFrom, r.limits.QueueSize)
	r.sessions[s.id] = s
	r.byIP[ip]++
	total := len(r.sessions)
	r.mu.Unlock()

	monitoring.StreamConnectionsActive.Set(float64(total))
	monitoring.StreamConnectionsTotal.Inc()
	s.enqueueControl(ConnectedFrame(s.id, s.connectedAt.UnixMilli()))

	r.logger.Info().
		Str("session", s.id).
		Str("ip", ip).
		Bool("filtered", !filter.IsZero()).
		Int64("resume_from", resumeFrom).
		Int("total", total).
		Msg("Stream session attached")
	return s, nil
}

// Detach removes and closes the session. Safe to call more than once.
func (r *Registry) Detach(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	if ok {
		delete(r.sessions, id)
		r.byIP[s.ip]--
		if r.byIP[s.ip] <= 0 {
			delete(r.byIP, s.ip)
		}
	}
	total := len(r.sessions)
	r.mu.Unlock()

	if !ok {
		return false
	}
	s.close()
	monitoring.StreamConnectionsActive.Set(float64(total))
	r.logger.Debug().Str("session", id).Msg("Stream session detached")
	return true
}

// BroadcastLocal fans one batch out to every attached session. Events must
// be ascending by tid; each event is serialized once and shared across
// sessions. A session whose queue is full is removed rather than allowed to
// stall the fan-out.
func (r *Registry) BroadcastLocal(events []liquidation.Event) {
	if len(events) == 0 {
		return
	}

	frames := make([]Frame, len(events))
	for i, e := range events {
		frames[i] = LiquidationFrame(e)
	}

	var delivered int
	var drop []*Session
	for _, s := range r.snapshot() {
		for i, e := range events {
			if !s.filter.Matches(e) {
				continue
			}
			sent, ok := s.enqueueLiquidation(frames[i])
			if !ok {
				drop = append(drop, s)
				break
			}
			if sent {
				delivered++
			}
		}
	}

	if delivered > 0 {
		monitoring.StreamEventsDeliveredTotal.Add(float64(delivered))
	}
	for _, s := range drop {
		r.drop(s, "slow_consumer")
	}
}

// Replay delivers missed events to a resuming session, oldest first, through
// the same guarded path as live delivery, so an overlap with a concurrent
// broadcast cannot double-deliver. incomplete marks a backlog source that
// could not cover the whole gap. When the backlog exceeds limit, only the
// newest limit events are replayed; either way the client is told with a
// RESUME_TRUNCATED error frame ahead of the replay.
func (r *Registry) Replay(s *Session, missed []liquidation.Event, limit int, incomplete bool) (delivered int, truncated bool) {
	candidates := liquidation.NewerThan(missed, s.LastEventID())
	if limit > 0 && len(candidates) > limit {
		candidates = candidates[len(candidates)-limit:]
		truncated = true
	}
	truncated = truncated || incomplete

	if truncated {
		s.enqueueControl(ErrorFrame(CodeResumeTruncated, "resume window exceeded, older events were skipped"))
	}
	for _, e := range candidates {
		if !s.filter.Matches(e) {
			continue
		}
		sent, ok := s.enqueueLiquidation(LiquidationFrame(e))
		if !ok {
			r.drop(s, "slow_consumer")
			break
		}
		if sent {
			delivered++
		}
	}

	if delivered > 0 {
		monitoring.StreamEventsDeliveredTotal.Add(float64(delivered))
	}
	return delivered, truncated
}

// HeartbeatTick queues a heartbeat frame to every session, removing the ones
// that cannot even take that.
func (r *Registry) HeartbeatTick(nowMs int64) {
	frame := HeartbeatFrame(nowMs)
	var sent int
	for _, s := range r.snapshot() {
		if !s.enqueueControl(frame) {
			r.drop(s, "slow_consumer")
			continue
		}
		sent++
	}
	if sent > 0 {
		monitoring.StreamHeartbeatsTotal.Add(float64(sent))
	}
}

// RunHeartbeat ticks until ctx is canceled.
func (r *Registry) RunHeartbeat(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case t := <-ticker.C:
			r.HeartbeatTick(t.UnixMilli())
		}
	}
}

// Drain refuses new attachments, tells every session the server is going
// away, and detaches them all. Connection handlers flush their queues before
// exiting, so the shutdown frame reaches clients that keep up.
func (r *Registry) Drain() {
	r.mu.Lock()
	r.draining = true
	r.mu.Unlock()

	frame := ErrorFrame(CodeServerShutdown, "server is shutting down")
	sessions := r.snapshot()
	for _, s := range sessions {
		s.enqueueControl(frame)
	}
	for _, s := range sessions {
		if r.Detach(s.id) {
			monitoring.StreamSessionsDroppedTotal.WithLabelValues("shutdown").Inc()
		}
	}
	r.logger.Info().Int("sessions", len(sessions)).Msg("Stream registry drained")
}

// Stats reports process-local connection counts.
func (r *Registry) Stats() (total, uniqueIPs int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions), len(r.byIP)
}

func (r *Registry) snapshot() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	return out
}

// Drop detaches the session and records why it was removed.
func (r *Registry) Drop(id, reason string) bool {
	if !r.Detach(id) {
		return false
	}
	monitoring.StreamSessionsDroppedTotal.WithLabelValues(reason).Inc()
	r.logger.Warn().Str("session", id).Str("reason", reason).Msg("Stream session dropped")
	return true
}

func (r *Registry) drop(s *Session, reason string) {
	r.Drop(s.id, reason)
}
