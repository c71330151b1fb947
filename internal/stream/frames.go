// Package stream implements the SSE fan-out: frame encoding, per-session
// state, and the process-local subscriber registry.
package stream

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/Yaugourt/LiquidTerminal-Back/internal/liquidation"
)

// Frame event names.
const (
	EventConnected   = "connected"
	EventLiquidation = "liquidation"
	EventHeartbeat   = "heartbeat"
	EventError       = "error"
)

// Error frame codes.
const (
	CodeResumeTruncated = "RESUME_TRUNCATED"
	CodeServerShutdown  = "SERVER_SHUTDOWN"
)

// Frame is one server-sent record. ID carries the event tid and is emitted
// only when positive; control frames leave it zero.
type Frame struct {
	ID    int64
	Event string
	Data  []byte
}

// Encode renders the frame in text/event-stream format. Data must be a
// single-line JSON document.
func (f Frame) Encode() []byte {
	var b bytes.Buffer
	if f.ID > 0 {
		fmt.Fprintf(&b, "id: %d\n", f.ID)
	}
	fmt.Fprintf(&b, "event: %s\n", f.Event)
	b.WriteString("data: ")
	b.Write(f.Data)
	b.WriteString("\n\n")
	return b.Bytes()
}

func ConnectedFrame(sessionID string, nowMs int64) Frame {
	data, _ := json.Marshal(map[string]any{
		"sessionId": sessionID,
		"timestamp": nowMs,
	})
	return Frame{Event: EventConnected, Data: data}
}

// LiquidationFrame encodes one event; the tid doubles as the frame id so
// clients can resume from it.
func LiquidationFrame(e liquidation.Event) Frame {
	data, _ := json.Marshal(e)
	return Frame{ID: e.Tid, Event: EventLiquidation, Data: data}
}

func HeartbeatFrame(nowMs int64) Frame {
	data, _ := json.Marshal(map[string]int64{"timestamp": nowMs})
	return Frame{Event: EventHeartbeat, Data: data}
}

func ErrorFrame(code, message string) Frame {
	data, _ := json.Marshal(map[string]string{
		"code":    code,
		"message": message,
	})
	return Frame{Event: EventError, Data: data}
}
