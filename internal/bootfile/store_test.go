package bootfile

import (
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "bootstrap.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestCandidatesOrderedByRecency(t *testing.T) {
	s := openStore(t)

	// Rewrite stamps earlier entries fresher, emulating three distinct
	// success times.
	err := s.Rewrite([]Record{
		{IDHex: "cc", Endpoint: "10.0.0.3:7000"},
		{IDHex: "bb", Endpoint: "10.0.0.2:7000"},
		{IDHex: "aa", Endpoint: "10.0.0.1:7000"},
	})
	if err != nil {
		t.Fatalf("Rewrite: %v", err)
	}

	got, err := s.Candidates(0, 10)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 3 {
		t.Fatalf("len = %d, want 3", len(got))
	}
	if got[0].Endpoint != "10.0.0.3:7000" || got[2].Endpoint != "10.0.0.1:7000" {
		t.Fatalf("wrong order: %v", got)
	}
}

func TestNoteSuccessPromotes(t *testing.T) {
	s := openStore(t)

	if err := s.Rewrite([]Record{
		{Endpoint: "10.0.0.1:7000"},
		{Endpoint: "10.0.0.2:7000"},
	}); err != nil {
		t.Fatalf("Rewrite: %v", err)
	}
	if err := s.NoteSuccess("ff", "10.0.0.2:7000"); err != nil {
		t.Fatalf("NoteSuccess: %v", err)
	}

	got, err := s.Candidates(0, 10)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if got[0].Endpoint != "10.0.0.2:7000" {
		t.Fatalf("promoted endpoint not first: %v", got)
	}
	if got[0].IDHex != "ff" {
		t.Fatalf("id not learned: %v", got[0])
	}
	if len(got) != 2 {
		t.Fatalf("len = %d, want 2", len(got))
	}
}

func TestFailuresExcludeCandidates(t *testing.T) {
	s := openStore(t)

	if err := s.NoteSuccess("", "10.0.0.1:7000"); err != nil {
		t.Fatalf("NoteSuccess: %v", err)
	}
	for i := 0; i < 3; i++ {
		if err := s.NoteFailure("10.0.0.1:7000"); err != nil {
			t.Fatalf("NoteFailure: %v", err)
		}
	}

	got, err := s.Candidates(3, 10)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 0 {
		t.Fatalf("failing contact still offered: %v", got)
	}

	// A later success resets the failure count.
	if err := s.NoteSuccess("", "10.0.0.1:7000"); err != nil {
		t.Fatalf("NoteSuccess: %v", err)
	}
	got, err = s.Candidates(3, 10)
	if err != nil {
		t.Fatalf("Candidates: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("recovered contact missing")
	}
}
