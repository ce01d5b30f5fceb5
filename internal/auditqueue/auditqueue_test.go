package auditqueue

import (
	"testing"

	"github.com/nattun/relay/internal/audit"
)

type recordingSink struct {
	entries []audit.Entry
}

func (s *recordingSink) Record(e audit.Entry) {
	s.entries = append(s.entries, e)
}

// No local Redis is available in this test environment, so these tests
// exercise only what does not require a live connection: construction of a
// Sink and of a Worker. The enqueue round trip is covered by
// manual testing against a real Redis instance.

func TestNewSink_DoesNotPanic(t *testing.T) {
	fallback := &recordingSink{}
	sink := NewSink("localhost:6379", fallback)
	if sink == nil {
		t.Fatal("NewSink returned nil")
	}
	_ = sink.Close()
}

func TestNewWorker_DoesNotPanic(t *testing.T) {
	delegate := &recordingSink{}
	w := NewWorker("localhost:6379", delegate)
	if w == nil {
		t.Fatal("NewWorker returned nil")
	}
}
