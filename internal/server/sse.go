package server

import (
	"errors"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
	"github.com/Yaugourt/LiquidTerminal-Back/internal/stream"
)

// handleStream attaches an SSE session and writes its frame queue out until
// the client goes away or the registry drops it. The registry enqueues; this
// goroutine is the session's only writer.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	filter, resumeFrom, err := parseStreamQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, CodeValidationFailed, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, CodeDataNotReady, "streaming unsupported by this connection")
		return
	}

	sess, err := s.registry.Attach(clientIP(r), filter, resumeFrom)
	if err != nil {
		if errors.Is(err, stream.ErrAdmissionDenied) {
			writeError(w, http.StatusTooManyRequests, CodeConnectionLimit, "stream connection limit reached")
			return
		}
		writeError(w, http.StatusInternalServerError, CodeDataNotReady, "could not attach stream session")
		return
	}
	defer s.registry.Detach(sess.ID())

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	if resumeFrom > 0 {
		missed, incomplete := s.resume.Missed(r.Context())
		s.registry.Replay(sess, missed, s.cfg.MissedDataLimit, incomplete)
	}

	rc := http.NewResponseController(w)
	for {
		select {
		case <-r.Context().Done():
			return
		case <-sess.Done():
			// Flush whatever is already queued (typically the shutdown
			// frame) before letting go.
			for {
				select {
				case f := <-sess.Frames():
					if !s.writeFrame(w, rc, sess, f) {
						return
					}
				default:
					return
				}
			}
		case f := <-sess.Frames():
			if !s.writeFrame(w, rc, sess, f) {
				return
			}
		}
	}
}

// writeFrame writes one frame under the per-frame deadline. A failed or
// timed-out write drops the session so the fan-out never waits on this
// client again.
func (s *Server) writeFrame(w http.ResponseWriter, rc *http.ResponseController, sess *stream.Session, f stream.Frame) bool {
	if err := rc.SetWriteDeadline(time.Now().Add(s.cfg.WriteTimeout)); err != nil {
		s.registry.Drop(sess.ID(), "write_error")
		return false
	}
	if _, err := w.Write(f.Encode()); err != nil {
		s.registry.Drop(sess.ID(), "write_error")
		return false
	}
	if err := rc.Flush(); err != nil {
		s.registry.Drop(sess.ID(), "write_error")
		return false
	}
	return true
}

func parseStreamQuery(r *http.Request) (liquidation.Filter, int64, error) {
	v := r.URL.Query()
	filter := liquidation.Filter{
		Coin: v.Get("coin"),
		User: v.Get("user"),
	}
	if raw := v.Get("min_amount_dollars"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil || f < 0 {
			return filter, 0, errors.New("min_amount_dollars must be a non-negative number")
		}
		filter.MinNotional = f
	}

	raw := r.Header.Get("Last-Event-ID")
	if raw == "" {
		raw = v.Get("last_event_id")
	}
	if raw == "" {
		return filter, 0, nil
	}
	resumeFrom, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || resumeFrom < 0 {
		return filter, 0, errors.New("last_event_id must be a non-negative integer")
	}
	return filter, resumeFrom, nil
}

// clientIP resolves the address admission counts against: the first
// X-Forwarded-For hop when present, the socket peer otherwise.
func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		if i := strings.Index(xff, ","); i >= 0 {
			xff = xff[:i]
		}
		if ip := strings.TrimSpace(xff); ip != "" {
			return ip
		}
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
