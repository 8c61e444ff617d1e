package inference

import (
	"reflect"
	"testing"
	"time"

	"github.com/evermind-ai/persona-server/internal/types"
)

func msg(role, content string) types.Message {
	return types.Message{Role: role, Content: content}
}

func contents(msgs []types.Message) []string {
	out := make([]string, len(msgs))
	for i, m := range msgs {
		out[i] = m.Content
	}
	return out
}

func TestConversationRingKeepsNewest(t *testing.T) {
	s := NewConversationStore(3)
	for _, c := range []string{"one", "two", "three", "four", "five"} {
		s.Append("alice", msg(types.RoleUser, c))
	}

	got := contents(s.Snapshot("alice"))
	want := []string{"three", "four", "five"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestConversationSeedOnlyWhenEmpty(t *testing.T) {
	s := NewConversationStore(10)

	s.Seed("alice", []types.Message{msg(types.RoleUser, "hi"), msg(types.RoleAssistant, "hello")})
	if got := contents(s.Snapshot("alice")); !reflect.DeepEqual(got, []string{"hi", "hello"}) {
		t.Fatalf("seed not applied: %v", got)
	}

	s.Seed("alice", []types.Message{msg(types.RoleUser, "replacement")})
	if got := contents(s.Snapshot("alice")); !reflect.DeepEqual(got, []string{"hi", "hello"}) {
		t.Fatalf("live context overwritten: %v", got)
	}

	s.Seed("bob", nil)
	if got := s.Snapshot("bob"); got != nil {
		t.Fatalf("empty history created a context: %v", got)
	}
}

func TestConversationStampsEntries(t *testing.T) {
	s := NewConversationStore(10)
	s.Append("alice", msg(types.RoleUser, "hi"))

	got := s.Snapshot("alice")
	if len(got) != 1 || got[0].Timestamp.IsZero() {
		t.Fatalf("expected a stamped entry, got %+v", got)
	}
}

func TestConversationSnapshotIsACopy(t *testing.T) {
	s := NewConversationStore(10)
	s.Append("alice", msg(types.RoleUser, "hi"))

	snap := s.Snapshot("alice")
	snap[0].Content = "mutated"

	if got := s.Snapshot("alice")[0].Content; got != "hi" {
		t.Fatalf("snapshot aliases the ring: %q", got)
	}
}

func TestErrorLogRecentCount(t *testing.T) {
	l := NewErrorLog(0)
	now := time.Now().UTC()

	l.Append(types.InferenceErrorRecord{DeploymentID: "d1", Cause: "timeout", Timestamp: now})
	l.Append(types.InferenceErrorRecord{DeploymentID: "d1", Cause: "timeout", Timestamp: now.Add(-2 * time.Minute)})
	l.Append(types.InferenceErrorRecord{DeploymentID: "d1", Cause: "timeout", Timestamp: now.Add(-10 * time.Minute)})
	l.Append(types.InferenceErrorRecord{DeploymentID: "d2", Cause: "timeout"})

	if got := l.RecentCount("d1", 5*time.Minute); got != 2 {
		t.Fatalf("expected 2 recent failures, got %d", got)
	}
	if got := len(l.Recent("d1", time.Hour)); got != 3 {
		t.Fatalf("expected 3 failures in the hour, got %d", got)
	}

	l.Forget("d1")
	if got := l.RecentCount("d1", time.Hour); got != 0 {
		t.Fatalf("expected no records after Forget, got %d", got)
	}
	if got := l.RecentCount("d2", time.Hour); got != 1 {
		t.Fatalf("Forget touched another deployment: %d", got)
	}
}

func TestErrorLogBounded(t *testing.T) {
	l := NewErrorLog(4)
	for i := 0; i < 10; i++ {
		l.Append(types.InferenceErrorRecord{DeploymentID: "d1", RetryAttempt: i})
	}

	recent := l.Recent("d1", time.Hour)
	if len(recent) != 4 {
		t.Fatalf("expected a ring of 4, got %d", len(recent))
	}
	if recent[0].RetryAttempt != 6 || recent[3].RetryAttempt != 9 {
		t.Fatalf("expected the newest records kept, got %+v", recent)
	}
}
