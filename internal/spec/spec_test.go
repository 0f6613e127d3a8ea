package spec

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func makeStory(id string, priority int, passes bool) UserStory {
	return UserStory{
		ID:                 id,
		Title:              "Story " + id,
		Description:        "Description for " + id,
		AcceptanceCriteria: []string{"Criterion 1"},
		Priority:           priority,
		Passes:             passes,
	}
}

func makeSpec(stories ...UserStory) *Spec {
	return &Spec{
		Project:     "TestProject",
		BranchName:  "test-branch",
		Description: "Test description",
		UserStories: stories,
	}
}

func TestValidate_EmptyProjectFails(t *testing.T) {
	s := makeSpec(makeStory("US-001", 1, false))
	s.Project = ""
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for empty project")
	}
}

func TestValidate_NoStoriesFails(t *testing.T) {
	s := makeSpec()
	if err := s.Validate(); err == nil {
		t.Fatal("expected error for empty stories")
	}
}

func TestValidate_DuplicateIDFails(t *testing.T) {
	s := makeSpec(makeStory("US-001", 1, false), makeStory("US-001", 2, false))
	err := s.Validate()
	if err == nil {
		t.Fatal("expected error for duplicate id")
	}
	var inv *InvalidError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidError, got %T", err)
	}
}

func TestLoad_NotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.json"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestLoad_MalformedJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	if err := os.WriteFile(path, []byte("not json {{"), 0644); err != nil {
		t.Fatal(err)
	}
	_, err := Load(path)
	var inv *InvalidError
	if !errors.As(err, &inv) {
		t.Fatalf("expected InvalidError, got %v", err)
	}
}

func TestSaveAndLoad_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "spec.json")
	s := makeSpec(makeStory("US-001", 1, true), makeStory("US-002", 2, false))
	if err := s.Save(path); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Project != s.Project || loaded.BranchName != s.BranchName {
		t.Fatalf("round trip mismatch: %+v", loaded)
	}
	if len(loaded.UserStories) != 2 || !loaded.UserStories[0].Passes || loaded.UserStories[1].Passes {
		t.Fatalf("stories mismatch: %+v", loaded.UserStories)
	}
}

func TestParse_DefaultBranchName(t *testing.T) {
	data := []byte(`{"project":"P","description":"D","userStories":[{"id":"US-001","title":"T","description":"D","acceptanceCriteria":[],"priority":1,"passes":false}]}`)
	s, err := Parse(data)
	if err != nil {
		t.Fatal(err)
	}
	if s.BranchName != DefaultBranchName {
		t.Fatalf("BranchName = %q, want %q", s.BranchName, DefaultBranchName)
	}
}

func TestNextIncompleteStory_LowestPriorityWins(t *testing.T) {
	s := makeSpec(makeStory("US-001", 2, false), makeStory("US-002", 1, false))
	next := s.NextIncompleteStory()
	if next == nil || next.ID != "US-002" {
		t.Fatalf("next = %+v, want US-002", next)
	}
}

func TestNextIncompleteStory_TieBrokenByID(t *testing.T) {
	s := makeSpec(makeStory("US-003", 1, false), makeStory("US-001", 1, false), makeStory("US-002", 1, false))
	next := s.NextIncompleteStory()
	if next == nil || next.ID != "US-001" {
		t.Fatalf("next = %+v, want US-001", next)
	}
}

func TestNextIncompleteStory_SkipsCompleted(t *testing.T) {
	s := makeSpec(makeStory("US-001", 1, true), makeStory("US-002", 2, false))
	next := s.NextIncompleteStory()
	if next == nil || next.ID != "US-002" {
		t.Fatalf("next = %+v, want US-002", next)
	}
}

func TestNextIncompleteStory_NilWhenAllComplete(t *testing.T) {
	s := makeSpec(makeStory("US-001", 1, true))
	if s.NextIncompleteStory() != nil {
		t.Fatal("expected nil when all complete")
	}
}

func TestOrderedStories_StableSort(t *testing.T) {
	s := makeSpec(
		makeStory("US-002", 2, false),
		makeStory("US-003", 1, false),
		makeStory("US-001", 1, true),
	)
	ordered := s.OrderedStories()
	want := []string{"US-001", "US-003", "US-002"}
	for i, id := range want {
		if ordered[i].ID != id {
			t.Fatalf("ordered[%d] = %s, want %s", i, ordered[i].ID, id)
		}
	}
}

func TestProgressCounts(t *testing.T) {
	s := makeSpec(
		makeStory("US-001", 1, true),
		makeStory("US-002", 2, false),
		makeStory("US-003", 3, true),
	)
	completed, total := s.Progress()
	if completed != 2 || total != 3 {
		t.Fatalf("Progress() = (%d, %d), want (2, 3)", completed, total)
	}
	if s.AllComplete() {
		t.Fatal("AllComplete should be false")
	}
}

func TestMarkStoryComplete(t *testing.T) {
	s := makeSpec(makeStory("US-001", 1, false), makeStory("US-002", 2, false))
	s.MarkStoryComplete("US-001")
	if !s.UserStories[0].Passes || s.UserStories[1].Passes {
		t.Fatalf("unexpected passes flags: %+v", s.UserStories)
	}
	// Unknown id is a no-op
	s.MarkStoryComplete("US-999")
}
