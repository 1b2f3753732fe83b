package store

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/yourorg/annotrack/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	s, err := NewSQLiteStore(filepath.Join(t.TempDir(), "annotrack.db"))
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func storedPayload(t *testing.T, s *SQLiteStore, session string, seq int64) string {
	t.Helper()
	var p string
	if err := s.db.QueryRow(`SELECT payload FROM activities WHERE session=? AND sequence_id=?`, session, seq).Scan(&p); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestKVRoundTrip(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	if _, ok, err := s.Get("missing"); err != nil || ok {
		t.Fatalf("expected missing key, ok=%v err=%v", ok, err)
	}
	if err := s.Set("annotation_tracker.sequenceId.abc", "4"); err != nil {
		t.Fatal(err)
	}
	if err := s.Set("annotation_tracker.sequenceId.abc", "5"); err != nil {
		t.Fatal(err)
	}
	v, ok, err := s.Get("annotation_tracker.sequenceId.abc")
	if err != nil || !ok || v != "5" {
		t.Fatalf("got %q ok=%v err=%v", v, ok, err)
	}
}

func TestSaveActivitiesDedupes(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	first := []types.LogEntry{
		{Session: "s1", SequenceID: 2, EpochMS: 1000, Activity: "click", Properties: map[string]any{"note": "first"}},
		{Session: "s1", SequenceID: 1, EpochMS: 900, Activity: "session"},
		{Session: "s2", SequenceID: 1, EpochMS: 950, Activity: "log"},
	}
	ack, err := s.SaveActivities(first)
	if err != nil {
		t.Fatal(err)
	}
	if got := ack["s1"]; len(got) != 2 || got[0] != 1 || got[1] != 2 {
		t.Fatalf("unexpected ack for s1: %v", got)
	}
	if got := ack["s2"]; len(got) != 1 || got[0] != 1 {
		t.Fatalf("unexpected ack for s2: %v", got)
	}

	resend := []types.LogEntry{
		{Session: "s1", SequenceID: 2, EpochMS: 1000, Activity: "click", Properties: map[string]any{"note": "second"}},
		{Session: "s1", SequenceID: 2, EpochMS: 1000, Activity: "click"},
	}
	ack, err = s.SaveActivities(resend)
	if err != nil {
		t.Fatal(err)
	}
	if got := ack["s1"]; len(got) != 1 || got[0] != 2 {
		t.Fatalf("duplicate ack should list the id once: %v", got)
	}
	if p := storedPayload(t, s, "s1", 2); !strings.Contains(p, `"note":"first"`) {
		t.Fatalf("duplicate overwrote stored payload: %s", p)
	}
	ok, err := s.HasActivity("s2", 1)
	if err != nil || !ok {
		t.Fatalf("expected s2/1 present, ok=%v err=%v", ok, err)
	}
}

func TestConcurrentSave(t *testing.T) {
	s := newTestStore(t)
	defer s.Close()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, _ = s.SaveActivities([]types.LogEntry{{Session: "c", SequenceID: int64(i + 1), EpochMS: 1, Activity: fmt.Sprintf("a%d", i)}})
		}(i)
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = s.Set(fmt.Sprintf("k%d", i), "v")
		}(i)
	}
	wg.Wait()

	ok, err := s.HasActivity("c", 1)
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Fatalf("expected stored activity")
	}
}
