package audit

import "testing"

type recordingSink struct {
	entries []Entry
}

func (s *recordingSink) Record(e Entry) {
	s.entries = append(s.entries, e)
}

func TestWrite_DeliversToSink(t *testing.T) {
	sink := &recordingSink{}
	Write(sink, Entry{ClientID: "c1", Action: "tunnel.create", Status: StatusSuccess})

	if len(sink.entries) != 1 {
		t.Fatalf("sink received %d entries, want 1", len(sink.entries))
	}
	if sink.entries[0].Action != "tunnel.create" {
		t.Errorf("Action = %q, want %q", sink.entries[0].Action, "tunnel.create")
	}
}

func TestWrite_InvalidStatusIsDropped(t *testing.T) {
	sink := &recordingSink{}
	Write(sink, Entry{ClientID: "c1", Action: "tunnel.create", Status: "bogus"})

	if len(sink.entries) != 0 {
		t.Errorf("sink received %d entries for an invalid status, want 0", len(sink.entries))
	}
}

func TestWrite_NilSinkDefaultsToLogSink(t *testing.T) {
	// Must not panic.
	Write(nil, Entry{ClientID: "c1", Action: "session.connect", Status: StatusSuccess})
}
