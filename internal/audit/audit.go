// Package audit provides a unified helper for recording tunnel lifecycle
// events: session connect/disconnect, tunnel create/close. Every write goes
// through Write(), which fans the entry out to whatever Sink the caller
// configured — a log line by default, or internal/auditqueue's Redis-backed
// queue when one is wired in.
package audit

import "log"

const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

var validStatuses = map[string]bool{
	StatusSuccess: true,
	StatusFailed:  true,
}

// Entry holds all fields for a single audit record. Using a named struct
// avoids the swap-bug risk of several consecutive string parameters.
type Entry struct {
	// ClientID is the relay client the event concerns.
	ClientID string
	// PeerAddr is the control stream's remote address, empty for events
	// raised off the control stream (e.g. from the quota sweep).
	PeerAddr string
	// Action is a dot-namespaced verb, e.g. "session.connect", "tunnel.create".
	Action string
	// TunnelID is the affected tunnel's id, empty for session-level events.
	TunnelID string
	// Status must be StatusSuccess or StatusFailed.
	Status string
	// Detail holds optional structured context (remote_port, reason, etc.).
	Detail map[string]any
}

// Sink receives audit entries. The zero value of Server (see
// internal/server) uses LogSink; construct internal/auditqueue.Sink instead
// to also enqueue entries onto Redis.
type Sink interface {
	Record(Entry)
}

// LogSink writes every entry through the standard logger. It is always a
// valid Sink — useful standalone, and as the fallback a queue-backed Sink
// wraps when the queue itself is unreachable.
type LogSink struct{}

func (LogSink) Record(e Entry) {
	log.Printf("[audit] client=%s action=%s tunnel=%s status=%s peer=%s detail=%v",
		e.ClientID, e.Action, e.TunnelID, e.Status, e.PeerAddr, e.Detail)
}

// Write validates entry and hands it to sink. An invalid Status is logged
// and dropped rather than recorded — an audit failure must never break the
// calling operation, so Write never returns an error.
func Write(sink Sink, entry Entry) {
	if !validStatuses[entry.Status] {
		log.Printf("audit.Write: invalid status %q for action %q — skipping", entry.Status, entry.Action)
		return
	}
	if sink == nil {
		sink = LogSink{}
	}
	sink.Record(entry)
}
