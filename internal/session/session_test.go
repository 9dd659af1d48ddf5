package session

import "testing"

func TestAppendChatAndHistoryOrder(t *testing.T) {
	s := New()
	s.AppendChat(RoleUser, "open the start menu")
	s.AppendChat(RoleAssistant, "clicking the start button")

	history := s.ChatHistory()
	if len(history) != 2 {
		t.Fatalf("got %d messages, want 2", len(history))
	}
	if history[0].Role != RoleUser || history[1].Role != RoleAssistant {
		t.Fatalf("got %+v, want user then assistant in order", history)
	}
}

func TestLastChatTurnsCapsAtN(t *testing.T) {
	s := New()
	for i := 0; i < 15; i++ {
		s.AppendChat(RoleUser, "msg")
	}
	last := s.LastChatTurns(10)
	if len(last) != 10 {
		t.Fatalf("got %d, want 10", len(last))
	}
}

func TestChatHistoryEvictsOldestBeyondCapacity(t *testing.T) {
	s := New()
	for i := 0; i < defaultChatLimit+5; i++ {
		s.AppendChat(RoleUser, "msg")
	}
	history := s.ChatHistory()
	if len(history) != defaultChatLimit {
		t.Fatalf("got %d, want capped at %d", len(history), defaultChatLimit)
	}
}

func TestClearChatEmptiesHistory(t *testing.T) {
	s := New()
	s.AppendChat(RoleUser, "hello")
	s.ClearChat()
	if len(s.ChatHistory()) != 0 {
		t.Fatal("expected chat history to be empty after clear")
	}
}

func TestRecordThoughtUpdatesSnapshotAndActivity(t *testing.T) {
	s := New()
	s.RecordThought("the start menu looks closed")
	snap := s.Snapshot()
	if snap.LastThought != "the start menu looks closed" {
		t.Fatalf("got %q", snap.LastThought)
	}
	activity := s.RecentActivity()
	if len(activity) != 1 || activity[0].Kind != ActivityThought {
		t.Fatalf("got %+v", activity)
	}
}

func TestRecordActionUpdatesSnapshotAndActivity(t *testing.T) {
	s := New()
	s.RecordAction("CLICK (10,1078)")
	snap := s.Snapshot()
	if snap.CurrentAction != "CLICK (10,1078)" {
		t.Fatalf("got %q", snap.CurrentAction)
	}
}

func TestRecentActivityCapsAt30(t *testing.T) {
	s := New()
	for i := 0; i < 40; i++ {
		s.RecordThought("thinking")
	}
	if len(s.RecentActivity()) != defaultActivityLimit {
		t.Fatalf("got %d, want %d", len(s.RecentActivity()), defaultActivityLimit)
	}
}

func TestUpdateStatusAndPauseResumeRoundTrip(t *testing.T) {
	s := New()
	s.UpdateStatus(StatusExecuting, "")
	before := s.Snapshot().Status

	s.UpdateStatus(StatusPaused, "")
	s.UpdateStatus(before, "")

	if s.Snapshot().Status != before {
		t.Fatalf("got %s, want %s after pause/resume round trip", s.Snapshot().Status, before)
	}
}
